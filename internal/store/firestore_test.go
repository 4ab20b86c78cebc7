package store

import (
	"testing"

	"cloud.google.com/go/firestore"

	"geopresence/internal/model"
)

func TestPatchData_StatusOnly(t *testing.T) {
	data := patchData("u1", model.PresencePatch{Status: model.StatusAway})

	if len(data) != 2 {
		t.Fatalf("status-only patch must write 2 fields, got %v", data)
	}
	if data[model.FieldStatus] != "away" {
		t.Errorf("status = %v, want away", data[model.FieldStatus])
	}
	if data[model.FieldLastUpdatedAt] != firestore.ServerTimestamp {
		t.Error("lastUpdatedAt must be the server timestamp sentinel")
	}
	if _, ok := data[model.FieldLocation]; ok {
		t.Error("status-only patch must not touch location")
	}
}

func TestPatchData_MatchesFields(t *testing.T) {
	patch := model.PresencePatch{
		Status:    model.StatusConnected,
		Subject:   &model.Subject{ID: "u1", DisplayName: "Ana"},
		Location:  &model.Location{Latitude: -12.05, Longitude: -77.03, AccuracyMeters: 15},
		TouchSeen: true,
	}
	data := patchData("u1", patch)

	for _, f := range patch.Fields() {
		if _, ok := data[f]; !ok {
			t.Errorf("field %q listed by the patch is missing from the payload", f)
		}
	}
	if len(data) != len(patch.Fields()) {
		t.Errorf("payload has %d keys, patch lists %d fields", len(data), len(patch.Fields()))
	}

	loc, ok := data[model.FieldLocation].(map[string]interface{})
	if !ok || loc["accuracyMeters"] != 15.0 {
		t.Errorf("unexpected location payload %v", data[model.FieldLocation])
	}
	if data[model.FieldSubjectID] != "u1" {
		t.Errorf("subjectId = %v, want u1", data[model.FieldSubjectID])
	}
}

func TestUpdateData_StatusOnly(t *testing.T) {
	updates := updateData("u1", model.PresencePatch{Status: model.StatusConnected, TouchSeen: true})

	var paths []string
	for _, u := range updates {
		paths = append(paths, u.Path)
	}
	want := []string{model.FieldStatus, model.FieldLastSeenAt, model.FieldLastUpdatedAt}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths = %v, want %v", paths, want)
			break
		}
	}
	if updates[0].Value != "connected" {
		t.Errorf("status value = %v", updates[0].Value)
	}
}
