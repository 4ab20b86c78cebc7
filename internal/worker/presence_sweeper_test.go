package worker

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"geopresence/internal/model"
	"geopresence/internal/store"
)

func upsert(t *testing.T, s *store.Memory, id string, status model.Status) {
	t.Helper()
	err := s.Upsert(context.Background(), id, model.PresencePatch{
		Status:    status,
		Location:  &model.Location{Latitude: -12.05, Longitude: -77.03, AccuracyMeters: 15},
		TouchSeen: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSweep_MarksOnlyStaleRecords(t *testing.T) {
	clk := clock.NewMock()
	s := store.NewMemory(clk)

	upsert(t, s, "old-connected", model.StatusConnected)
	upsert(t, s, "old-away", model.StatusAway)
	upsert(t, s, "old-gone", model.StatusDisconnected)
	clk.Add(3 * time.Minute)
	upsert(t, s, "fresh", model.StatusConnected)

	w := NewPresenceSweeper(s, clk, time.Minute, 2*time.Minute)
	opsBefore := len(s.Ops())

	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("marked %d, want 2", n)
	}

	for id, want := range map[string]model.Status{
		"old-connected": model.StatusDisconnected,
		"old-away":      model.StatusDisconnected,
		"old-gone":      model.StatusDisconnected,
		"fresh":         model.StatusConnected,
	} {
		rec, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != want {
			t.Errorf("%s status = %s, want %s", id, rec.Status, want)
		}
		if rec.Location == nil {
			t.Errorf("%s lost its location", id)
		}
	}

	for _, op := range s.Ops()[opsBefore:] {
		if !reflect.DeepEqual(op.Fields, []string{model.FieldStatus, model.FieldLastUpdatedAt}) {
			t.Errorf("sweeper wrote %v, want status-only", op.Fields)
		}
	}
}

func TestSweep_WriteErrorsAreSkipped(t *testing.T) {
	clk := clock.NewMock()
	s := store.NewMemory(clk)
	upsert(t, s, "a", model.StatusConnected)
	clk.Add(time.Hour)
	s.FailWrites(errors.New("unavailable"))

	n, err := NewPresenceSweeper(s, clk, time.Minute, time.Minute).Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Sweep() = %d, %v; want 0, nil", n, err)
	}
}

func TestRun_SweepsOnTick(t *testing.T) {
	clk := clock.NewMock()
	s := store.NewMemory(clk)
	upsert(t, s, "a", model.StatusConnected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := NewPresenceSweeper(s, clk, time.Minute, 2*time.Minute)
	go func() {
		w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clk.Add(time.Minute)
		if rec, _ := s.Get(context.Background(), "a"); rec.Status == model.StatusDisconnected {
			return
		}
	}
	t.Fatal("record never swept")
}

func TestRun_Disabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewPresenceSweeper(store.NewMemory(nil), nil, 0, time.Minute).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper must return immediately")
	}
}

// deletedAfterList loses the listed records before the sweeper writes,
// the way a logout can land between List and Upsert.
type deletedAfterList struct {
	*store.Memory
}

func (d deletedAfterList) List(ctx context.Context, f store.Filter) ([]model.PresenceRecord, error) {
	records, err := d.Memory.List(ctx, f)
	for _, r := range records {
		_ = d.Memory.Delete(ctx, r.SubjectID)
	}
	return records, err
}

func TestSweep_DoesNotResurrectDeletedRecord(t *testing.T) {
	clk := clock.NewMock()
	s := store.NewMemory(clk)
	upsert(t, s, "tech-7", model.StatusConnected)
	clk.Add(time.Hour)

	if _, err := NewPresenceSweeper(deletedAfterList{s}, clk, time.Minute, time.Minute).Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec, err := s.Get(context.Background(), "tech-7"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("logged-out subject came back as %+v", rec)
	}
}
