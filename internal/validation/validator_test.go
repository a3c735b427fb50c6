// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package validation

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/models"
)

func validEvent() models.ScanEvent {
	return models.ScanEvent{
		CorrelationID: uuid.New(),
		TagID:         "tag-0042",
		CapturedAt:    time.Now().UTC(),
		Action:        models.ActionScan,
	}
}

func TestValidateStructPasses(t *testing.T) {
	req := models.IngestRequest{
		ClientID: "scanner-1",
		Events:   []models.ScanEvent{validEvent()},
	}
	if verr := ValidateStruct(&req); verr != nil {
		t.Fatalf("expected valid request, got: %v", verr)
	}
}

func TestValidateStructMissingFields(t *testing.T) {
	req := models.IngestRequest{}
	verr := ValidateStruct(&req)
	if verr == nil {
		t.Fatal("expected validation error for empty request")
	}

	fields := make(map[string]bool)
	for _, fe := range verr.Errors() {
		fields[fe.Field] = true
	}
	if !fields["ClientID"] {
		t.Errorf("expected ClientID error, got %v", verr.Errors())
	}
	if !fields["Events"] {
		t.Errorf("expected Events error, got %v", verr.Errors())
	}
}

func TestValidateStructBadAction(t *testing.T) {
	ev := validEvent()
	ev.Action = "teleport"
	req := models.IngestRequest{ClientID: "scanner-1", Events: []models.ScanEvent{ev}}

	verr := ValidateStruct(&req)
	if verr == nil {
		t.Fatal("expected validation error for unknown action")
	}
	if !strings.Contains(verr.Error(), "must be one of") {
		t.Errorf("expected oneof message, got %q", verr.Error())
	}
}

func TestValidateStructPositionBounds(t *testing.T) {
	ev := validEvent()
	ev.Position = &models.Position{Latitude: 95.0, Longitude: 10.0}
	req := models.IngestRequest{ClientID: "scanner-1", Events: []models.ScanEvent{ev}}

	verr := ValidateStruct(&req)
	if verr == nil {
		t.Fatal("expected validation error for out-of-range latitude")
	}
}

func TestValidateStructBatchCap(t *testing.T) {
	events := make([]models.ScanEvent, 501)
	for i := range events {
		events[i] = validEvent()
	}
	req := models.IngestRequest{ClientID: "scanner-1", Events: events}

	verr := ValidateStruct(&req)
	if verr == nil {
		t.Fatal("expected validation error for oversized batch")
	}
}

func TestDetailsShape(t *testing.T) {
	verr := ValidateStruct(&models.IngestRequest{})
	if verr == nil {
		t.Fatal("expected error")
	}
	details := verr.Details()
	fields, ok := details["fields"].([]map[string]interface{})
	if !ok || len(fields) == 0 {
		t.Fatalf("expected fields detail list, got %v", details)
	}
}
