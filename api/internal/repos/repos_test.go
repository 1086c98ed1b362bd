package repos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"train-tracking-sim/api/internal/models"
)

type fakeBatchResults struct {
	tags []pgconn.CommandTag
	err  error
	pos  int
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	tag := f.tags[f.pos]
	f.pos++
	return tag, nil
}

func (f *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (f *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (f *fakeBatchResults) Close() error             { return nil }

type fakeDB struct {
	batch   *pgx.Batch
	results *fakeBatchResults
	execSQL string
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batch = b
	return f.results
}

func TestInsertIncidentsCountsNewRows(t *testing.T) {
	db := &fakeDB{results: &fakeBatchResults{tags: []pgconn.CommandTag{
		pgconn.NewCommandTag("INSERT 0 1"),
		pgconn.NewCommandTag("INSERT 0 0"),
	}}}
	repo := NewIncidentsRepo(db)
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	n, err := repo.InsertIncidents(context.Background(), []models.Incident{
		{IncidentID: 1, TrainID: "TR-1000", Type: "Delay", OccurredAt: at},
		{IncidentID: 2, TrainID: "TR-1001", Type: "Maintenance", OccurredAt: at},
	})
	if err != nil {
		t.Fatalf("InsertIncidents: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new row, got %d", n)
	}
	if db.batch.Len() != 2 {
		t.Fatalf("expected 2 queued statements, got %d", db.batch.Len())
	}
}

func TestInsertIncidentsEmpty(t *testing.T) {
	db := &fakeDB{}
	n, err := NewIncidentsRepo(db).InsertIncidents(context.Background(), nil)
	if err != nil || n != 0 || db.batch != nil {
		t.Fatalf("empty batch must not touch the database: %d %v", n, err)
	}
}

func TestWriteAuditLogPropagatesErrors(t *testing.T) {
	db := &fakeDB{results: &fakeBatchResults{err: errors.New("boom")}}
	err := NewAuditRepo(db).WriteAuditLog(context.Background(), []models.AuditLog{{Action: "reset", StatusCode: 200}})
	if err == nil {
		t.Fatalf("expected error")
	}
	args := db.batch.QueuedQueries[0].Arguments
	if args[1] != nil {
		t.Fatalf("empty actor must be stored as NULL, got %v", args[1])
	}
	if args[0].(time.Time).IsZero() {
		t.Fatalf("occurred_at must default to now")
	}
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if db.execSQL == "" {
		t.Fatalf("schema not executed")
	}
}
