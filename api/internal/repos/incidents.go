package repos

import (
	"context"

	"github.com/jackc/pgx/v5"

	"train-tracking-sim/api/internal/models"
)

type IncidentsRepo struct {
	db DBTX
}

func NewIncidentsRepo(db DBTX) *IncidentsRepo {
	return &IncidentsRepo{db: db}
}

// InsertIncidents archives a batch and returns how many rows were new.
// Incident ids are unique, so a retried batch inserts nothing twice.
func (r *IncidentsRepo) InsertIncidents(ctx context.Context, incidents []models.Incident) (int, error) {
	if len(incidents) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, inc := range incidents {
		batch.Queue(`
			INSERT INTO incidents (incident_id, train_id, incident_type, description, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (incident_id) DO NOTHING
		`, inc.IncidentID, inc.TrainID, inc.Type, inc.Description, inc.OccurredAt.UTC())
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range incidents {
		tag, err := br.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
