// Package device speaks the JSON protocol between the service and a browser
// page acting as the tracked device.
package device

import (
	"fmt"
	"time"

	"geopresence/internal/geo"
)

// Message types sent by the page.
const (
	TypeHello         = "hello"
	TypePosition      = "position"
	TypePositionError = "position_error"
	TypeConsent       = "consent"
	TypeVisibility    = "visibility"
	TypeLogout        = "logout"
)

// Message types sent to the page.
const (
	TypeLocate        = "locate"
	TypeWatchStart    = "watch_start"
	TypeWatchStop     = "watch_stop"
	TypeConsentPrompt = "consent_prompt"
	TypeConsentSaved  = "consent_saved"
	TypeConsentResult = "consent_result"
	TypeState         = "state"
)

// Error codes carried by position_error.
const (
	CodeUnsupported      = "unsupported"
	CodePermissionDenied = "permission_denied"
	CodeTimeout          = "timeout"
	CodeUnavailable      = "unavailable"
)

// Message is the single envelope for both directions. Unused fields are
// omitted on the wire.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	WatchID   string `json:"watchId,omitempty"`

	// hello
	Supported      *bool `json:"supported,omitempty"`
	ConsentGranted bool  `json:"consentGranted,omitempty"`

	// hello, visibility
	Visible *bool `json:"visible,omitempty"`

	// position
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"` // unix ms

	// position_error, consent_result
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	// consent, consent_saved
	Granted *bool `json:"granted,omitempty"`

	// locate, watch_start
	HighAccuracy bool  `json:"enableHighAccuracy,omitempty"`
	TimeoutMs    int64 `json:"timeoutMs,omitempty"`
	MaximumAgeMs int64 `json:"maximumAgeMs,omitempty"`

	// consent_result, state
	Outcome string `json:"outcome,omitempty"`
	State   string `json:"state,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

func withOptions(m Message, opts geo.Options) Message {
	m.HighAccuracy = opts.HighAccuracy
	m.TimeoutMs = opts.Timeout.Milliseconds()
	m.MaximumAgeMs = opts.MaximumAge.Milliseconds()
	return m
}

func (m Message) position() geo.Position {
	p := geo.Position{Latitude: m.Latitude, Longitude: m.Longitude, AccuracyMeters: m.Accuracy}
	if m.Timestamp > 0 {
		p.Timestamp = time.UnixMilli(m.Timestamp)
	} else {
		p.Timestamp = time.Now()
	}
	return p
}

// positionError maps a position_error message onto the geo taxonomy.
func (m Message) positionError() error {
	var base error
	switch m.Code {
	case CodeUnsupported:
		base = geo.ErrUnsupported
	case CodePermissionDenied:
		base = geo.ErrPermissionDenied
	case CodeTimeout:
		base = geo.ErrTimeout
	default:
		base = geo.ErrPositionUnavailable
	}
	if m.Error == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, m.Error)
}
