// Package sinks forwards simulation snapshots to external systems: the
// latest state to Redis, telemetry to InfluxDB, incidents to Kafka and the
// archive queue.
package sinks

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"train-tracking-sim/core/internal/engine"
	"train-tracking-sim/shared/logx"
	"train-tracking-sim/shared/metricsx"
)

// Batch is what a sink sees for one snapshot. NewIncidents holds only the
// incidents that no earlier batch carried.
type Batch struct {
	Snapshot     engine.Snapshot
	NewIncidents []engine.Incident
}

type Sink interface {
	Name() string
	Write(ctx context.Context, b Batch) error
}

// Dispatcher decouples sinks from the scheduler loop. Observe never blocks;
// when the queue is full the snapshot is dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	queue   chan engine.Snapshot
	timeout time.Duration
	logger  logx.Logger

	lastIncident int64
}

func NewDispatcher(logger logx.Logger, buffer int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 16
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan engine.Snapshot, buffer),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "sinks")),
	}
}

func (d *Dispatcher) Len() int { return len(d.sinks) }

func (d *Dispatcher) Observe(s engine.Snapshot) {
	select {
	case d.queue <- s:
	default:
		metricsx.IncBroadcastDrop("sinks")
		d.logger.Debug(context.Background(), "sink_dropped", "sink queue full, snapshot dropped",
			slog.Uint64("tick", s.Tick),
		)
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-d.queue:
			d.dispatch(ctx, s)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, s engine.Snapshot) {
	b := Batch{Snapshot: s, NewIncidents: d.newIncidents(s.Incidents)}
	for _, sink := range d.sinks {
		d.write(ctx, sink, b)
	}
}

// newIncidents relies on incident ids increasing strictly, across resets too.
func (d *Dispatcher) newIncidents(all []engine.Incident) []engine.Incident {
	var out []engine.Incident
	for _, inc := range all {
		if inc.ID > d.lastIncident {
			out = append(out, inc)
		}
	}
	if len(out) > 0 {
		d.lastIncident = out[len(out)-1].ID
	}
	return out
}

func (d *Dispatcher) write(ctx context.Context, sink Sink, b Batch) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ctx, span := otel.Tracer("sinks").Start(ctx, "sink.write")
	span.SetAttributes(
		attribute.String("sink.name", sink.Name()),
		attribute.Int64("sim.tick", int64(b.Snapshot.Tick)),
	)
	defer span.End()

	if err := sink.Write(ctx, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metricsx.IncSinkFailure(sink.Name())
		d.logger.Warn(ctx, "sink_write_failed", "sink write failed",
			slog.String("sink", sink.Name()),
			slog.String("error", err.Error()),
		)
	}
}
