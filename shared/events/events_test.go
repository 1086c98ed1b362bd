package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	env, err := NewEnvelope(AggregateTrain, "TR-1003", "Delay", at, map[string]any{"delayMinutes": 10})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.EventID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatalf("expected event id to be set")
	}
	if env.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", env.OccurredAt.Location())
	}
	var payload map[string]float64
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["delayMinutes"] != 10 {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestNewEnvelopeRejectsUnencodable(t *testing.T) {
	if _, err := NewEnvelope(AggregateSystem, "SYSTEM", "x", time.Now(), make(chan int)); err == nil {
		t.Fatalf("expected marshal error")
	}
}
