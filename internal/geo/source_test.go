package geo

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProvider struct {
	pos       Position
	err       error
	block     bool
	onPos     func(Position)
	onErr     func(error)
	cleared   int
	watchErr  error
	lastWatch WatchID
}

func (p *stubProvider) CurrentPosition(ctx context.Context, _ Options) (Position, error) {
	if p.block {
		<-ctx.Done()
		return Position{}, ctx.Err()
	}
	return p.pos, p.err
}

func (p *stubProvider) WatchPosition(_ Options, onPos func(Position), onErr func(error)) (WatchID, error) {
	if p.watchErr != nil {
		return "", p.watchErr
	}
	p.onPos, p.onErr = onPos, onErr
	p.lastWatch = "w1"
	return p.lastWatch, nil
}

func (p *stubProvider) ClearWatch(WatchID) { p.cleared++ }

func TestFetchOnce_Unsupported(t *testing.T) {
	_, err := NewSource(nil).FetchOnce(context.Background(), Options{})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestFetchOnce_Timeout(t *testing.T) {
	src := NewSource(&stubProvider{block: true})

	_, err := src.FetchOnce(context.Background(), Options{Timeout: 10 * time.Millisecond})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestFetchOnce_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"denied", ErrPermissionDenied, ErrPermissionDenied},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"other", errors.New("gps glitch"), ErrPositionUnavailable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSource(&stubProvider{err: tc.err}).FetchOnce(context.Background(), Options{})
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFetchOnce_ReturnsPosition(t *testing.T) {
	want := Position{Latitude: -12.05, Longitude: -77.03, AccuracyMeters: 15}
	got, err := NewSource(&stubProvider{pos: want}).FetchOnce(context.Background(), Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if loc := got.Location(); loc.AccuracyMeters != 15 {
		t.Errorf("Location().AccuracyMeters = %v, want 15", loc.AccuracyMeters)
	}
}

func TestWatch_StopIsIdempotentAndDropsLateCallbacks(t *testing.T) {
	p := &stubProvider{}
	src := NewSource(p)

	var fixes, errs int
	h, err := src.StartWatch(Options{}, func(Position) { fixes++ }, func(error) { errs++ })
	if err != nil {
		t.Fatalf("StartWatch: %v", err)
	}

	p.onPos(Position{Latitude: 1})
	p.onErr(ErrTimeout)
	p.onPos(Position{Latitude: 2})
	if fixes != 2 || errs != 1 {
		t.Fatalf("errors must not end the watch: fixes=%d errs=%d", fixes, errs)
	}

	src.StopWatch(h)
	src.StopWatch(h)
	src.StopWatch(nil)

	p.onPos(Position{Latitude: 3})
	p.onErr(ErrTimeout)

	if fixes != 2 || errs != 1 {
		t.Errorf("late callbacks delivered after stop: fixes=%d errs=%d", fixes, errs)
	}
	if p.cleared != 1 {
		t.Errorf("ClearWatch called %d times, want 1", p.cleared)
	}
	if !h.Stopped() {
		t.Error("handle should report stopped")
	}
}

func TestStartWatch_Unsupported(t *testing.T) {
	h, err := NewSource(nil).StartWatch(Options{}, func(Position) {}, nil)
	if !errors.Is(err, ErrUnsupported) || h != nil {
		t.Fatalf("expected ErrUnsupported and nil handle, got %v %v", h, err)
	}
}
