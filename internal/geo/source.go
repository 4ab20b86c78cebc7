// Package geo wraps a device's one-shot and continuous position APIs into
// uniform outcomes.
package geo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"geopresence/internal/model"
)

var (
	ErrUnsupported         = errors.New("geolocation is not supported on this device")
	ErrPermissionDenied    = errors.New("geolocation permission denied")
	ErrTimeout             = errors.New("timed out waiting for a position")
	ErrPositionUnavailable = errors.New("position unavailable")
)

// Options mirror the knobs of a browser geolocation request.
type Options struct {
	HighAccuracy bool          `json:"enableHighAccuracy"`
	Timeout      time.Duration `json:"-"`
	MaximumAge   time.Duration `json:"-"`
}

type Position struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	Timestamp      time.Time
}

// Location converts the fix into the stored representation.
func (p Position) Location() *model.Location {
	return &model.Location{
		Latitude:       p.Latitude,
		Longitude:      p.Longitude,
		AccuracyMeters: p.AccuracyMeters,
	}
}

// WatchID identifies a provider-level watch.
type WatchID string

// Provider is the raw device capability.
type Provider interface {
	CurrentPosition(ctx context.Context, opts Options) (Position, error)
	WatchPosition(opts Options, onPosition func(Position), onError func(error)) (WatchID, error)
	ClearWatch(id WatchID)
}

// Classify maps an arbitrary provider error onto the taxonomy above.
// Unknown errors become ErrPositionUnavailable wrapping the cause.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnsupported),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrPositionUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	}
	return errors.Join(ErrPositionUnavailable, err)
}

// Source is the adapter used by the tracking controller.
type Source struct {
	provider Provider
}

// NewSource wraps p. A nil provider means the platform has no geolocation.
func NewSource(p Provider) *Source {
	return &Source{provider: p}
}

// Supported reports whether a provider is present.
func (s *Source) Supported() bool {
	return s != nil && s.provider != nil
}

// FetchOnce requests a single position, bounded by opts.Timeout.
func (s *Source) FetchOnce(ctx context.Context, opts Options) (Position, error) {
	if !s.Supported() {
		return Position{}, ErrUnsupported
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	pos, err := s.provider.CurrentPosition(ctx, opts)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Position{}, ErrTimeout
		}
		return Position{}, Classify(err)
	}
	return pos, nil
}

// WatchHandle is returned by StartWatch. Callbacks stop being delivered
// once the handle is stopped, even if the provider fires late.
type WatchHandle struct {
	id       WatchID
	provider Provider
	stopped  atomic.Bool
	once     sync.Once
}

// Stopped reports whether StopWatch was called on the handle.
func (h *WatchHandle) Stopped() bool {
	return h == nil || h.stopped.Load()
}

// StartWatch begins continuous delivery. Errors are reported through
// onError and do not end the watch.
func (s *Source) StartWatch(opts Options, onPosition func(Position), onError func(error)) (*WatchHandle, error) {
	if !s.Supported() {
		return nil, ErrUnsupported
	}

	h := &WatchHandle{provider: s.provider}
	id, err := s.provider.WatchPosition(opts,
		func(p Position) {
			if h.stopped.Load() {
				return
			}
			onPosition(p)
		},
		func(err error) {
			if h.stopped.Load() || onError == nil {
				return
			}
			onError(Classify(err))
		},
	)
	if err != nil {
		return nil, Classify(err)
	}
	h.id = id
	return h, nil
}

// StopWatch cancels delivery. Safe on nil and on already-stopped handles.
func (s *Source) StopWatch(h *WatchHandle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.stopped.Store(true)
		h.provider.ClearWatch(h.id)
	})
}
