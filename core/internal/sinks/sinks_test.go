package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"train-tracking-sim/core/internal/engine"
	"train-tracking-sim/shared/events"
	"train-tracking-sim/shared/influxx"
	"train-tracking-sim/shared/jobs"
	"train-tracking-sim/shared/logx"
)

var at = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func incident(id int64, kind string, train string) engine.Incident {
	return engine.Incident{ID: id, Type: kind, TrainID: train, Description: kind + " " + train, OccurredAt: at}
}

func snapshot(tick uint64, reason string, incidents ...engine.Incident) engine.Snapshot {
	return engine.Snapshot{
		Tick:        tick,
		GeneratedAt: at,
		Reason:      reason,
		Trains: []engine.Train{
			{ID: "TR-1000", Type: "RJ", Status: "On Time", Progress: 12.5, Route: engine.Route{Start: "Wien Hbf", End: "Graz Hbf"}},
			{ID: "TR-1001", Type: "ICE", Status: "Delayed", DelayMinutes: 4, Route: engine.Route{Start: "Linz Hbf", End: "Salzburg Hbf"}},
		},
		Incidents:   incidents,
		ActiveUsers: []string{},
		AllUserIDs:  []string{"ARS-User1"},
	}
}

type recordingSink struct {
	mu      sync.Mutex
	batches []Batch
	err     error
	seen    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(chan struct{}, 16)}
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Write(ctx context.Context, b Batch) error {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return r.err
}

func (r *recordingSink) wait(t *testing.T, n int) []Batch {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for batch %d", i+1)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches...)
}

func TestDispatcherForwardsOnlyNewIncidents(t *testing.T) {
	sink := newRecordingSink()
	failing := newRecordingSink()
	failing.err = errors.New("down")
	d := NewDispatcher(logx.Discard(), 8, time.Second, failing, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	a, b, c := incident(10, engine.IncidentDelay, "TR-1000"), incident(11, engine.IncidentMaintenance, "TR-1001"), incident(12, engine.IncidentDelayUpdate, "TR-1000")
	d.Observe(snapshot(1, engine.ReasonTick, a))
	d.Observe(snapshot(2, engine.ReasonTick, a, b))
	d.Observe(snapshot(3, engine.ReasonTick, a, b))
	// After a reset the log is cleared but ids keep increasing.
	d.Observe(snapshot(4, engine.ReasonCommand, c))

	batches := sink.wait(t, 4)
	want := [][]int64{{10}, {11}, {}, {12}}
	for i, batch := range batches {
		var got []int64
		for _, inc := range batch.NewIncidents {
			got = append(got, inc.ID)
		}
		if len(got) != len(want[i]) {
			t.Fatalf("batch %d: got %v, want %v", i, got, want[i])
		}
		for j := range got {
			if got[j] != want[i][j] {
				t.Fatalf("batch %d: got %v, want %v", i, got, want[i])
			}
		}
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := newRecordingSink()
	d := NewDispatcher(logx.Discard(), 1, time.Second, sink)
	d.Observe(snapshot(1, engine.ReasonTick))
	d.Observe(snapshot(2, engine.ReasonTick))
	d.Observe(snapshot(3, engine.ReasonTick))
	if len(d.queue) != 1 {
		t.Fatalf("expected one queued snapshot, got %d", len(d.queue))
	}
}

type fakeStore struct {
	key, channel string
	ttl          time.Duration
	value        any
}

func (f *fakeStore) SetAndPublishJSON(ctx context.Context, key string, channel string, value any, ttl time.Duration) error {
	f.key, f.channel, f.value, f.ttl = key, channel, value, ttl
	return nil
}

func TestRedisMirrorStoresSnapshot(t *testing.T) {
	store := &fakeStore{}
	m := RedisMirror{Store: store, Key: "sim:snapshot", Channel: "sim:updates", TTL: time.Minute}
	if err := m.Write(context.Background(), Batch{Snapshot: snapshot(7, engine.ReasonTick)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	snap, ok := store.value.(engine.Snapshot)
	if !ok || snap.Tick != 7 || store.key != "sim:snapshot" || store.channel != "sim:updates" || store.ttl != time.Minute {
		t.Fatalf("unexpected store state %+v", store)
	}
}

type fakePointWriter struct {
	calls  int
	points []influxx.Point
}

func (f *fakePointWriter) WritePoints(ctx context.Context, points []influxx.Point) error {
	f.calls++
	f.points = points
	return nil
}

func TestTelemetrySamplesEveryNTicks(t *testing.T) {
	w := &fakePointWriter{}
	tel := Telemetry{Writer: w, EveryTicks: 5}
	for tick := uint64(1); tick <= 10; tick++ {
		_ = tel.Write(context.Background(), Batch{Snapshot: snapshot(tick, engine.ReasonTick)})
	}
	_ = tel.Write(context.Background(), Batch{Snapshot: snapshot(10, engine.ReasonCommand)})
	if w.calls != 2 {
		t.Fatalf("expected 2 writes, got %d", w.calls)
	}
	if len(w.points) != 3 {
		t.Fatalf("expected 2 train points and a summary, got %d", len(w.points))
	}
	fleet := w.points[2]
	if fleet.Measurement != measurementFleet || fleet.Fields["status_on_time"] != 1 || fleet.Fields["status_delayed"] != 1 {
		t.Fatalf("unexpected fleet point %+v", fleet)
	}
	if w.points[1].Tags["train_id"] != "TR-1001" || w.points[1].Fields["delay_minutes"] != 4.0 {
		t.Fatalf("unexpected train point %+v", w.points[1])
	}
}

type published struct {
	topic, key string
	env        events.Envelope
}

type fakePublisher struct {
	out []published
}

func (f *fakePublisher) PublishJSON(ctx context.Context, topic string, key string, v any, headers map[string]string) error {
	env, _ := v.(events.Envelope)
	f.out = append(f.out, published{topic: topic, key: key, env: env})
	return nil
}

func TestIncidentStreamPublishesEnvelopes(t *testing.T) {
	p := &fakePublisher{}
	s := IncidentStream{Producer: p, Topic: events.TopicIncidents}
	b := Batch{NewIncidents: []engine.Incident{
		incident(1, engine.IncidentDelayUpdate, "TR-1003"),
		incident(2, engine.IncidentSecurityAlert, engine.SystemTrainID),
	}}
	if err := s.Write(context.Background(), b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(p.out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(p.out))
	}
	first := p.out[0]
	if first.key != "TR-1003" || first.env.AggregateType != events.AggregateTrain || first.env.EventType != "incident.delay_update" {
		t.Fatalf("unexpected first message %+v", first)
	}
	var inc engine.Incident
	if err := json.Unmarshal(first.env.Payload, &inc); err != nil || inc.ID != 1 {
		t.Fatalf("unexpected payload %s: %v", first.env.Payload, err)
	}
	if p.out[1].env.AggregateType != events.AggregateSystem {
		t.Fatalf("system incidents use the system aggregate")
	}
}

type fakeQueue struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{}, nil
}

func TestArchiverEnqueuesBatches(t *testing.T) {
	q := &fakeQueue{}
	a := Archiver{Queue: q, QueueName: "archive", MaxRetry: 3}
	if err := a.Write(context.Background(), Batch{}); err != nil || len(q.tasks) != 0 {
		t.Fatalf("empty batch must be skipped: %v %d", err, len(q.tasks))
	}
	b := Batch{NewIncidents: []engine.Incident{incident(5, engine.IncidentDelay, "TR-1000"), incident(6, engine.IncidentMaintenance, "TR-1001")}}
	if err := a.Write(context.Background(), b); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p, err := jobs.DecodeIncidentArchive(q.tasks[0])
	if err != nil || len(p.Incidents) != 2 || p.Incidents[1].TrainID != "TR-1001" {
		t.Fatalf("unexpected payload %+v %v", p, err)
	}

	q.err = asynq.ErrTaskIDConflict
	if err := a.Write(context.Background(), b); err != nil {
		t.Fatalf("duplicate batches are not failures: %v", err)
	}
	q.err = errors.New("redis down")
	if err := a.Write(context.Background(), b); err == nil {
		t.Fatalf("expected enqueue error")
	}
}
