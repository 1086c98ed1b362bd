package sinks

import (
	"context"
	"fmt"
	"strings"

	"train-tracking-sim/core/internal/engine"
	"train-tracking-sim/shared/events"
)

// Publisher is satisfied by *mqx.Producer.
type Publisher interface {
	PublishJSON(ctx context.Context, topic string, key string, v any, headers map[string]string) error
}

// IncidentStream publishes every new incident as an event envelope keyed by
// train id, so all incidents of one train land on the same partition.
type IncidentStream struct {
	Producer Publisher
	Topic    string
}

func (s IncidentStream) Name() string { return "kafka" }

func (s IncidentStream) Write(ctx context.Context, b Batch) error {
	for _, inc := range b.NewIncidents {
		aggType := events.AggregateTrain
		if inc.TrainID == engine.SystemTrainID {
			aggType = events.AggregateSystem
		}
		env, err := events.NewEnvelope(aggType, inc.TrainID, IncidentEventType(inc.Type), inc.OccurredAt, inc)
		if err != nil {
			return err
		}
		headers := map[string]string{"event_type": env.EventType}
		if err := s.Producer.PublishJSON(ctx, s.Topic, inc.TrainID, env, headers); err != nil {
			return fmt.Errorf("publish incident %d: %w", inc.ID, err)
		}
	}
	return nil
}

// IncidentEventType maps "Delay Update" to "incident.delay_update".
func IncidentEventType(incidentType string) string {
	return "incident." + strings.ReplaceAll(strings.ToLower(strings.TrimSpace(incidentType)), " ", "_")
}
