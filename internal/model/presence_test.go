package model

import (
	"reflect"
	"testing"
	"time"
)

func TestPresencePatch_Fields(t *testing.T) {
	tests := []struct {
		name  string
		patch PresencePatch
		want  []string
	}{
		{
			name:  "status only",
			patch: PresencePatch{Status: StatusAway},
			want:  []string{FieldStatus, FieldLastUpdatedAt},
		},
		{
			name: "full connected write",
			patch: PresencePatch{
				Status:    StatusConnected,
				Subject:   &Subject{ID: "u1"},
				Location:  &Location{Latitude: 1, Longitude: 2},
				TouchSeen: true,
			},
			want: []string{
				FieldSubjectID, FieldDisplayName, FieldContact, FieldRole,
				FieldLocation, FieldStatus, FieldLastSeenAt, FieldLastUpdatedAt,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.patch.Fields(); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Fields() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPresencePatch_ApplyKeepsLocation(t *testing.T) {
	seen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := PresenceRecord{
		SubjectID:   "u1",
		DisplayName: "Ana",
		Location:    &Location{Latitude: -12.05, Longitude: -77.03, AccuracyMeters: 15},
		Status:      StatusConnected,
		LastSeenAt:  seen,
	}

	now := seen.Add(time.Minute)
	PresencePatch{Status: StatusAway}.Apply(&rec, "u1", now)

	if rec.Location == nil || rec.Location.AccuracyMeters != 15 {
		t.Fatalf("status-only patch must keep location, got %+v", rec.Location)
	}
	if rec.DisplayName != "Ana" {
		t.Errorf("identity must be untouched, got %q", rec.DisplayName)
	}
	if rec.Status != StatusAway {
		t.Errorf("status = %q, want away", rec.Status)
	}
	if !rec.LastSeenAt.Equal(seen) {
		t.Errorf("lastSeenAt moved to %v without TouchSeen", rec.LastSeenAt)
	}
	if !rec.LastUpdatedAt.Equal(now) {
		t.Errorf("lastUpdatedAt = %v, want %v", rec.LastUpdatedAt, now)
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusConnected, StatusAway, StatusDisconnected} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Status("online").Valid() {
		t.Error("unknown status must be invalid")
	}
}

func TestPresencePatch_UpdateOnly(t *testing.T) {
	tests := []struct {
		name  string
		patch PresencePatch
		want  bool
	}{
		{"status", PresencePatch{Status: StatusAway}, true},
		{"status with seen", PresencePatch{Status: StatusConnected, TouchSeen: true}, true},
		{"identity", PresencePatch{Status: StatusConnected, Subject: &Subject{ID: "u1"}}, false},
		{"location", PresencePatch{Status: StatusConnected, Location: &Location{}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.patch.UpdateOnly(); got != tc.want {
				t.Errorf("UpdateOnly() = %v, want %v", got, tc.want)
			}
		})
	}
}
