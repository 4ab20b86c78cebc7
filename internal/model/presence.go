// internal/model/presence.go
package model

import (
	"time"
)

// Status of a tracked subject.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusAway         Status = "away"
	StatusDisconnected Status = "disconnected"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusConnected, StatusAway, StatusDisconnected:
		return true
	}
	return false
}

// Document field names, shared by every store backend.
const (
	FieldSubjectID     = "subjectId"
	FieldDisplayName   = "displayName"
	FieldContact       = "contact"
	FieldRole          = "role"
	FieldLocation      = "location"
	FieldStatus        = "status"
	FieldLastSeenAt    = "lastSeenAt"
	FieldLastUpdatedAt = "lastUpdatedAt"
)

// Location is a single fix. A nil *Location on a record means no fix was
// ever stored, which is not the same as an old one.
type Location struct {
	Latitude       float64 `json:"latitude" firestore:"latitude"`
	Longitude      float64 `json:"longitude" firestore:"longitude"`
	AccuracyMeters float64 `json:"accuracyMeters" firestore:"accuracyMeters"`
}

// Subject is the identity being tracked.
type Subject struct {
	ID          string `json:"subjectId"`
	DisplayName string `json:"displayName"`
	Contact     string `json:"contact"`
	Role        string `json:"role"`
}

// PresenceRecord is the stored document, one per subject.
type PresenceRecord struct {
	SubjectID     string    `json:"subjectId" firestore:"subjectId"`
	DisplayName   string    `json:"displayName" firestore:"displayName"`
	Contact       string    `json:"contact" firestore:"contact"`
	Role          string    `json:"role" firestore:"role"`
	Location      *Location `json:"location,omitempty" firestore:"location,omitempty"`
	Status        Status    `json:"status" firestore:"status"`
	LastSeenAt    time.Time `json:"lastSeenAt" firestore:"lastSeenAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt" firestore:"lastUpdatedAt"`
}

// HasLocation reports whether any fix was ever stored.
func (r PresenceRecord) HasLocation() bool {
	return r.Location != nil
}

// PresencePatch is a merge-write. Only the fields it lists are written;
// everything else on the stored record is left untouched.
type PresencePatch struct {
	Status    Status
	Subject   *Subject  // identity fields, nil to leave them as they are
	Location  *Location // nil keeps the stored location
	TouchSeen bool      // bump lastSeenAt
}

// UpdateOnly reports whether the patch carries neither identity nor a fix.
// Such a patch refreshes an existing record and never creates one.
func (p PresencePatch) UpdateOnly() bool {
	return p.Subject == nil && p.Location == nil
}

// Fields returns the document fields written by the patch, in a stable
// order. lastUpdatedAt is always written.
func (p PresencePatch) Fields() []string {
	fields := make([]string, 0, 8)
	if p.Subject != nil {
		fields = append(fields, FieldSubjectID, FieldDisplayName, FieldContact, FieldRole)
	}
	if p.Location != nil {
		fields = append(fields, FieldLocation)
	}
	fields = append(fields, FieldStatus)
	if p.TouchSeen {
		fields = append(fields, FieldLastSeenAt)
	}
	return append(fields, FieldLastUpdatedAt)
}

// Apply merges the patch into r using now for the server timestamps.
// Backends without native merge semantics use this.
func (p PresencePatch) Apply(r *PresenceRecord, subjectID string, now time.Time) {
	r.SubjectID = subjectID
	if p.Subject != nil {
		r.DisplayName = p.Subject.DisplayName
		r.Contact = p.Subject.Contact
		r.Role = p.Subject.Role
	}
	if p.Location != nil {
		loc := *p.Location
		r.Location = &loc
	}
	r.Status = p.Status
	if p.TouchSeen {
		r.LastSeenAt = now
	}
	r.LastUpdatedAt = now
}
