package sinks

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"train-tracking-sim/shared/jobs"
)

// Archiver hands new incidents to the archive worker as one task per batch.
type Archiver struct {
	Queue     jobs.Enqueuer
	QueueName string
	MaxRetry  int
}

func (a Archiver) Name() string { return "archive" }

func (a Archiver) Write(ctx context.Context, b Batch) error {
	if len(b.NewIncidents) == 0 {
		return nil
	}
	records := make([]jobs.IncidentRecord, 0, len(b.NewIncidents))
	for _, inc := range b.NewIncidents {
		records = append(records, jobs.IncidentRecord{
			ID:          inc.ID,
			TrainID:     inc.TrainID,
			Type:        inc.Type,
			Description: inc.Description,
			OccurredAt:  inc.OccurredAt,
		})
	}
	queue := a.QueueName
	if queue == "" {
		queue = "default"
	}
	task, opts, err := jobs.NewIncidentArchiveTask(jobs.IncidentArchivePayload{Incidents: records}, queue, a.MaxRetry)
	if err != nil {
		return err
	}
	if _, err := a.Queue.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return err
	}
	return nil
}
