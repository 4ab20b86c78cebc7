package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"

	"geopresence/internal/model"
)

// Op is one write accepted by the memory store.
type Op struct {
	Kind      string // "upsert" or "delete"
	SubjectID string
	Fields    []string
	Status    model.Status
	Skipped   bool // update-only patch on a missing record
}

// Memory keeps records in process. Used in development and by tests.
type Memory struct {
	clock clock.Clock

	mu        sync.Mutex
	records   map[string]model.PresenceRecord
	ops       []Op
	listeners map[chan Snapshot]context.Context
	failWrite error
}

func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:     clk,
		records:   make(map[string]model.PresenceRecord),
		listeners: make(map[chan Snapshot]context.Context),
	}
}

func (m *Memory) Upsert(_ context.Context, subjectID string, patch model.PresencePatch) error {
	if subjectID == "" {
		return fmt.Errorf("upsert: empty subject id")
	}

	m.mu.Lock()
	if err := m.failWrite; err != nil {
		m.mu.Unlock()
		return err
	}
	rec, ok := m.records[subjectID]
	if !ok && patch.UpdateOnly() {
		m.ops = append(m.ops, Op{Kind: "upsert", SubjectID: subjectID, Fields: patch.Fields(), Status: patch.Status, Skipped: true})
		m.mu.Unlock()
		return nil
	}
	patch.Apply(&rec, subjectID, m.clock.Now())
	m.records[subjectID] = rec
	m.ops = append(m.ops, Op{Kind: "upsert", SubjectID: subjectID, Fields: patch.Fields(), Status: patch.Status})
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) Delete(_ context.Context, subjectID string) error {
	m.mu.Lock()
	if err := m.failWrite; err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.records, subjectID)
	m.ops = append(m.ops, Op{Kind: "delete", SubjectID: subjectID})
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *Memory) Get(_ context.Context, subjectID string) (*model.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *Memory) List(_ context.Context, filter Filter) ([]model.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.sortedLocked()
	filtered := out[:0]
	for _, r := range out {
		if filter.Match(r) {
			filtered = append(filtered, r)
		}
	}
	if filter.Limit > 0 && len(filtered) > filter.Limit {
		filtered = filtered[:filter.Limit]
	}
	return filtered, nil
}

func (m *Memory) Listen(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 16)

	m.mu.Lock()
	m.listeners[ch] = ctx
	initial := Snapshot{Records: m.sortedLocked()}
	m.mu.Unlock()

	ch <- initial

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.mu.Unlock()
	}()

	return ch
}

func (m *Memory) Close() error { return nil }

// Ops returns a copy of the write log.
func (m *Memory) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op(nil), m.ops...)
}

// FailWrites makes every following Upsert and Delete return err. Pass nil
// to recover.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.failWrite = err
	m.mu.Unlock()
}

// FailListeners ends every open subscription with err.
func (m *Memory) FailListeners(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.listeners {
		select {
		case ch <- Snapshot{Err: fmt.Errorf("%w: %v", ErrListenFailure, err)}:
		default:
		}
		delete(m.listeners, ch)
		close(ch)
	}
}

func (m *Memory) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{Records: m.sortedLocked()}
	for ch, ctx := range m.listeners {
		if ctx.Err() != nil {
			continue
		}
		select {
		case ch <- snap:
		default:
			// slow listener: replace the oldest pending snapshot so the
			// newest state is never the one dropped
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (m *Memory) sortedLocked() []model.PresenceRecord {
	out := make([]model.PresenceRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *copyRecord(r))
	}
	SortByLastSeen(out)
	return out
}

func copyRecord(r model.PresenceRecord) *model.PresenceRecord {
	if r.Location != nil {
		loc := *r.Location
		r.Location = &loc
	}
	return &r
}
