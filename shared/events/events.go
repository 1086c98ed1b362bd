package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every record the simulation publishes to Kafka.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicIncidents = "train.incidents"
	TopicCommands  = "train.commands"
)

const (
	AggregateTrain  = "train"
	AggregateSystem = "system"
)

// NewEnvelope marshals payload and stamps a fresh event id.
func NewEnvelope(aggregateType string, aggregateID string, eventType string, occurredAt time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New(),
		OccurredAt:    occurredAt.UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}

// Command is the wire form accepted on TopicCommands. Kind is DELAY,
// MAINTENANCE, HACK, CANCEL_DELAY or RESET.
type Command struct {
	Kind     string   `json:"kind"`
	TargetID string   `json:"targetId,omitempty"`
	Value    *float64 `json:"value,omitempty"`
	Message  string   `json:"message,omitempty"`
	Issuer   string   `json:"issuer,omitempty"`
}
