package jobs

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestIncidentArchiveTask(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := IncidentArchivePayload{Incidents: []IncidentRecord{
		{ID: 100, TrainID: "TR-1000", Type: "Delay", Description: "late", OccurredAt: at},
		{ID: 105, TrainID: "SYSTEM", Type: "Security Alert", Description: "blackout", OccurredAt: at},
	}}
	task, opts, err := NewIncidentArchiveTask(in, "default", 3)
	if err != nil {
		t.Fatalf("NewIncidentArchiveTask: %v", err)
	}
	if task.Type() != TypeIncidentArchive {
		t.Fatalf("unexpected type %q", task.Type())
	}
	if len(opts) != 3 {
		t.Fatalf("expected 3 options, got %d", len(opts))
	}
	var taskID string
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			taskID = o.Value().(string)
		}
	}
	if taskID != "incidents-100-105" {
		t.Fatalf("unexpected task id %q", taskID)
	}

	out, err := DecodeIncidentArchive(task)
	if err != nil {
		t.Fatalf("DecodeIncidentArchive: %v", err)
	}
	if len(out.Incidents) != 2 || out.Incidents[1].TrainID != "SYSTEM" || !out.Incidents[0].OccurredAt.Equal(at) {
		t.Fatalf("unexpected payload: %+v", out)
	}
}

func TestIncidentArchiveTaskRejectsEmptyBatch(t *testing.T) {
	if _, _, err := NewIncidentArchiveTask(IncidentArchivePayload{}, "default", 3); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}

func TestDecodeAuditRejectsGarbage(t *testing.T) {
	if _, err := DecodeAudit(asynq.NewTask(TypeAuditWrite, []byte("{"))); err == nil {
		t.Fatalf("expected decode error")
	}
}
