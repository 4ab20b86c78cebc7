// Package store is the backing document store for presence records.
package store

import (
	"context"
	"errors"
	"sort"

	"geopresence/internal/model"
)

var (
	ErrNotFound      = errors.New("presence record not found")
	ErrListenFailure = errors.New("presence listener failed")
)

// Store is the document-store contract the tracker and the monitor rely on.
// Upsert is always a merge-write. An update-only patch (no identity and no
// location) on a missing record is a no-op, so status writes cannot bring
// back a deleted record.
type Store interface {
	Upsert(ctx context.Context, subjectID string, patch model.PresencePatch) error
	Delete(ctx context.Context, subjectID string) error
	Get(ctx context.Context, subjectID string) (*model.PresenceRecord, error)
	List(ctx context.Context, filter Filter) ([]model.PresenceRecord, error)
	// Listen delivers the full collection ordered by lastSeenAt descending,
	// once on subscribe and again on every change. A Snapshot with Err set
	// is the last value before the channel closes.
	Listen(ctx context.Context) <-chan Snapshot
	Close() error
}

type Snapshot struct {
	Records []model.PresenceRecord
	Err     error
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status model.Status
	Role   string
	Limit  int
}

// Match reports whether r passes the filter, ignoring Limit.
func (f Filter) Match(r model.PresenceRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Role != "" && r.Role != f.Role {
		return false
	}
	return true
}

// SortByLastSeen orders records newest first, subject id breaking ties.
func SortByLastSeen(records []model.PresenceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.LastSeenAt.Equal(b.LastSeenAt) {
			return a.LastSeenAt.After(b.LastSeenAt)
		}
		return a.SubjectID < b.SubjectID
	})
}

// sendSnapshot delivers s unless ctx ends first.
func sendSnapshot(ctx context.Context, ch chan<- Snapshot, s Snapshot) bool {
	select {
	case ch <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
