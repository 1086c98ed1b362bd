// Package archive holds the asynq handlers that persist incidents and audit
// entries enqueued by the simulation server.
package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"train-tracking-sim/api/internal/models"
	"train-tracking-sim/shared/jobs"
	"train-tracking-sim/shared/logx"
	"train-tracking-sim/shared/metricsx"
)

type IncidentWriter interface {
	InsertIncidents(ctx context.Context, incidents []models.Incident) (int, error)
}

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditLog) error
}

type Handlers struct {
	Incidents IncidentWriter
	Audit     AuditWriter
	Queue     string
	Logger    logx.Logger
}

func (h Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(jobs.TypeIncidentArchive, h.HandleIncidentArchive)
	mux.HandleFunc(jobs.TypeAuditWrite, h.HandleAuditWrite)
}

func (h Handlers) HandleIncidentArchive(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, jobs.TypeIncidentArchive)
	span.SetAttributes(attribute.String("queue", h.Queue))
	defer span.End()

	p, err := jobs.DecodeIncidentArchive(t)
	if err != nil {
		// A payload that does not decode will never succeed.
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	rows := make([]models.Incident, 0, len(p.Incidents))
	for _, inc := range p.Incidents {
		rows = append(rows, models.Incident{
			IncidentID:  inc.ID,
			TrainID:     inc.TrainID,
			Type:        inc.Type,
			Description: inc.Description,
			OccurredAt:  inc.OccurredAt,
		})
	}
	inserted, err := h.Incidents.InsertIncidents(ctx, rows)
	if err != nil {
		return err
	}
	metricsx.AddArchiveWrites("incidents", inserted)
	h.Logger.Debug(ctx, "incidents_archived", "incident batch archived",
		slog.Int("received", len(rows)),
		slog.Int("inserted", inserted),
	)
	return nil
}

func (h Handlers) HandleAuditWrite(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, jobs.TypeAuditWrite)
	span.SetAttributes(attribute.String("queue", h.Queue))
	defer span.End()

	p, err := jobs.DecodeAudit(t)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	entry := models.AuditLog{
		OccurredAt: p.OccurredAt,
		Actor:      p.Actor,
		Action:     p.Action,
		RequestID:  p.RequestID,
		Method:     p.Method,
		Path:       p.Path,
		StatusCode: p.StatusCode,
		DurationMS: p.DurationMS,
		ClientIP:   p.ClientIP,
		UserAgent:  p.UserAgent,
		Details:    p.Details,
	}
	if err := h.Audit.WriteAuditLog(ctx, []models.AuditLog{entry}); err != nil {
		return err
	}
	metricsx.AddArchiveWrites("audit_logs", 1)
	return nil
}
