//go:build integration

package repos

import (
	"context"
	"os"
	"testing"
	"time"

	"train-tracking-sim/api/internal/models"
	"train-tracking-sim/shared/config"
	"train-tracking-sim/shared/dbx"
)

func TestIncidentArchiveRoundTrip(t *testing.T) {
	cfg := config.Default("repos-integration", 0)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}

	id := time.Now().UnixMilli()
	rows := []models.Incident{{IncidentID: id, TrainID: "TR-1000", Type: "Delay", Description: "integration", OccurredAt: time.Now()}}
	repo := NewIncidentsRepo(pool)
	n, err := repo.InsertIncidents(ctx, rows)
	if err != nil || n != 1 {
		t.Fatalf("first insert: %d %v", n, err)
	}
	n, err = repo.InsertIncidents(ctx, rows)
	if err != nil || n != 0 {
		t.Fatalf("retried insert must be a no-op: %d %v", n, err)
	}
}
