// Package monitor keeps the administrators' live view of every presence
// record and renders a selected subject's fix on a map.
package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"geopresence/internal/model"
	"geopresence/internal/store"
	"geopresence/internal/ws"
)

var (
	ErrLoading         = errors.New("presence list is still loading")
	ErrSubjectNotFound = errors.New("subject has no presence record")
)

// LocationState tells a dashboard how to present a record's fix.
type LocationState string

const (
	LocationUnavailable LocationState = "unavailable"
	LocationStale       LocationState = "stale"
	LocationCurrent     LocationState = "current"
)

// Listener is the realtime half of store.Store.
type Listener interface {
	Listen(ctx context.Context) <-chan store.Snapshot
}

type Options struct {
	RetryDelay time.Duration
	StaleAfter time.Duration
	Maps       MapRenderer
	Publisher  ws.RealtimePublisher // optional
	Clock      clock.Clock
}

// Entry is one row of the live list.
type Entry struct {
	model.PresenceRecord
	LastSeen      string        `json:"lastSeen"`
	LocationState LocationState `json:"locationState"`
}

type MapView struct {
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

// Selection is the detail view of one subject.
type Selection struct {
	Entry
	Map *MapView `json:"map,omitempty"`
}

type Monitor struct {
	listener Listener
	opts     Options
	clock    clock.Clock

	mu      sync.RWMutex
	records []model.PresenceRecord
	loaded  bool
	err     error
}

func New(listener Listener, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Monitor{listener: listener, opts: opts, clock: opts.Clock}
}

// Run keeps the list in sync until ctx ends. A failed subscription freezes
// the last list, sets Err, and is retried after RetryDelay.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		err := m.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.setErr(err)
		log.Printf("monitor: %v; resubscribing in %s", err, m.opts.RetryDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.opts.RetryDelay):
		}
	}
}

func (m *Monitor) consume(ctx context.Context) error {
	for snap := range m.listener.Listen(ctx) {
		if snap.Err != nil {
			return snap.Err
		}
		m.replace(snap.Records)
	}
	return store.ErrListenFailure
}

func (m *Monitor) replace(records []model.PresenceRecord) {
	m.mu.Lock()
	m.records = records
	m.loaded = true
	m.err = nil
	m.mu.Unlock()

	if m.opts.Publisher != nil {
		m.opts.Publisher.Publish(ws.WsEvent{Event: ws.EventPresenceSnapshot, Data: m.Entries()})
	}
}

func (m *Monitor) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()

	if m.opts.Publisher != nil {
		m.opts.Publisher.Publish(ws.WsEvent{Event: ws.EventPresenceListenError, Data: err.Error()})
	}
}

// Records returns the last delivered list, newest lastSeenAt first.
func (m *Monitor) Records() ([]model.PresenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return nil, ErrLoading
	}
	return append([]model.PresenceRecord(nil), m.records...), nil
}

// Err is the current subscription error, nil while the feed is healthy.
func (m *Monitor) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// Entries decorates the current list for display. Empty while loading.
func (m *Monitor) Entries() []Entry {
	records, _ := m.Records()
	return m.Decorate(records)
}

// Decorate adds derived display fields to records.
func (m *Monitor) Decorate(records []model.PresenceRecord) []Entry {
	now := m.clock.Now()
	out := make([]Entry, 0, len(records))
	for _, r := range records {
		out = append(out, m.entry(r, now))
	}
	return out
}

func (m *Monitor) entry(r model.PresenceRecord, now time.Time) Entry {
	return Entry{
		PresenceRecord: r,
		LastSeen:       RelativeTime(lastActivity(r), now),
		LocationState:  m.locationState(r, now),
	}
}

func (m *Monitor) locationState(r model.PresenceRecord, now time.Time) LocationState {
	switch {
	case !r.HasLocation():
		return LocationUnavailable
	case r.Status != model.StatusConnected:
		return LocationStale
	case m.opts.StaleAfter > 0 && now.Sub(r.LastSeenAt) > m.opts.StaleAfter:
		return LocationStale
	}
	return LocationCurrent
}

// Select builds the detail view for subjectID. A missing map key is
// reported inside the view, not as an error.
func (m *Monitor) Select(subjectID string) (*Selection, error) {
	records, err := m.Records()
	if err != nil {
		return nil, err
	}

	for _, r := range records {
		if r.SubjectID == subjectID {
			return m.View(r), nil
		}
	}
	return nil, ErrSubjectNotFound
}

// View builds the detail view for a record obtained elsewhere, e.g. a
// direct store read while the live list is still loading.
func (m *Monitor) View(r model.PresenceRecord) *Selection {
	sel := &Selection{Entry: m.entry(r, m.clock.Now())}
	if r.HasLocation() && m.opts.Maps != nil {
		sel.Map = &MapView{}
		if u, err := m.opts.Maps.Render(*r.Location); err != nil {
			sel.Map.Error = err.Error()
		} else {
			sel.Map.URL = u
		}
	}
	return sel
}
