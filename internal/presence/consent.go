package presence

import (
	"context"
	"errors"
	"log"

	"geopresence/internal/geo"
)

// ConsentStore persists the "location tracking previously granted" flag
// wherever the device keeps its local state.
type ConsentStore interface {
	LoadConsent() (bool, error)
	SaveConsent(granted bool) error
}

// ConsentState is loaded once when a session starts and written on grant.
type ConsentState struct {
	granted bool
	store   ConsentStore
}

// NewConsentState builds the value from an already-known flag, e.g. one a
// browser reported in its hello message.
func NewConsentState(granted bool, store ConsentStore) ConsentState {
	return ConsentState{granted: granted, store: store}
}

// LoadConsentState reads the flag from store. A read failure counts as
// "not granted" so the user is asked again.
func LoadConsentState(store ConsentStore) ConsentState {
	s := ConsentState{store: store}
	if store == nil {
		return s
	}
	granted, err := store.LoadConsent()
	if err != nil {
		log.Printf("presence: loading consent flag: %v", err)
		return s
	}
	s.granted = granted
	return s
}

func (s ConsentState) Granted() bool { return s.granted }

func (s *ConsentState) grant() error {
	s.granted = true
	if s.store == nil {
		return nil
	}
	return s.store.SaveConsent(true)
}

type ConsentOutcome string

const (
	ConsentGranted          ConsentOutcome = "granted"
	ConsentDeclined         ConsentOutcome = "declined"
	ConsentPermissionDenied ConsentOutcome = "permission_denied"
	ConsentUnsupported      ConsentOutcome = "unsupported"
	ConsentTimeout          ConsentOutcome = "timeout"
	ConsentFailed           ConsentOutcome = "failed"
)

// Retryable reports whether the UI should offer a manual retry.
func (o ConsentOutcome) Retryable() bool {
	return o == ConsentPermissionDenied || o == ConsentTimeout || o == ConsentFailed || o == ConsentDeclined
}

type ConsentResult struct {
	Outcome ConsentOutcome
	Err     error
}

func outcomeFor(err error) ConsentOutcome {
	switch {
	case err == nil:
		return ConsentGranted
	case errors.Is(err, geo.ErrUnsupported):
		return ConsentUnsupported
	case errors.Is(err, geo.ErrPermissionDenied):
		return ConsentPermissionDenied
	case errors.Is(err, geo.ErrTimeout):
		return ConsentTimeout
	}
	return ConsentFailed
}

// Prompter shows the consent question and reports the user's answer.
type Prompter interface {
	PromptConsent(ctx context.Context) (bool, error)
}

// consentGate keeps the automatic prompt to one per session and blocks new
// attempts while one is in flight.
type consentGate struct {
	shown   bool
	pending bool
}

func (g *consentGate) openAutomatic() bool {
	if g.shown || g.pending {
		return false
	}
	g.shown = true
	g.pending = true
	return true
}

func (g *consentGate) openManual() bool {
	if g.pending {
		return false
	}
	g.shown = true
	g.pending = true
	return true
}

func (g *consentGate) close() { g.pending = false }
