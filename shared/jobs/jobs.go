// Package jobs holds the asynq task types shared by the simulation server,
// which enqueues them, and the archive worker, which handles them.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"train-tracking-sim/shared/config"
)

const (
	TypeIncidentArchive = "incident.archive"
	TypeAuditWrite      = "audit.write"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type IncidentRecord struct {
	ID          int64     `json:"id"`
	TrainID     string    `json:"trainId"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	OccurredAt  time.Time `json:"occurredAt"`
}

type IncidentArchivePayload struct {
	Incidents []IncidentRecord `json:"incidents"`
}

type AuditPayload struct {
	OccurredAt time.Time       `json:"occurred_at"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	RequestID  string          `json:"request_id"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	StatusCode int             `json:"status_code"`
	DurationMS int64           `json:"duration_ms"`
	ClientIP   string          `json:"client_ip"`
	UserAgent  string          `json:"user_agent"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func RedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
}

// NewIncidentArchiveTask builds an archive task for a batch of incidents.
// The task id is derived from the id range so a re-enqueued batch is
// deduplicated by asynq.
func NewIncidentArchiveTask(p IncidentArchivePayload, queue string, maxRetry int) (*asynq.Task, []asynq.Option, error) {
	if len(p.Incidents) == 0 {
		return nil, nil, fmt.Errorf("empty incident batch")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	first, last := p.Incidents[0].ID, p.Incidents[len(p.Incidents)-1].ID
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
		asynq.TaskID(fmt.Sprintf("incidents-%d-%d", first, last)),
	}
	return asynq.NewTask(TypeIncidentArchive, raw), opts, nil
}

func NewAuditWriteTask(p AuditPayload, queue string, maxRetry int) (*asynq.Task, []asynq.Option, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry),
	}
	return asynq.NewTask(TypeAuditWrite, raw), opts, nil
}

func DecodeIncidentArchive(t *asynq.Task) (IncidentArchivePayload, error) {
	var p IncidentArchivePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", TypeIncidentArchive, err)
	}
	return p, nil
}

func DecodeAudit(t *asynq.Task) (AuditPayload, error) {
	var p AuditPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", TypeAuditWrite, err)
	}
	return p, nil
}
