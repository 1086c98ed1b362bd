package sinks

import (
	"context"
	"strings"

	"train-tracking-sim/core/internal/engine"
	"train-tracking-sim/shared/influxx"
)

const (
	measurementTrain = "train_state"
	measurementFleet = "fleet_state"
)

// PointWriter is satisfied by *influxx.Client.
type PointWriter interface {
	WritePoints(ctx context.Context, points []influxx.Point) error
}

// Telemetry samples train positions into InfluxDB on every EveryTicks-th
// tick. Command and presence snapshots are not sampled.
type Telemetry struct {
	Writer     PointWriter
	EveryTicks uint64
}

func (t Telemetry) Name() string { return "influx" }

func (t Telemetry) Write(ctx context.Context, b Batch) error {
	s := b.Snapshot
	if s.Reason != engine.ReasonTick {
		return nil
	}
	every := t.EveryTicks
	if every == 0 {
		every = 1
	}
	if s.Tick%every != 0 {
		return nil
	}
	return t.Writer.WritePoints(ctx, TelemetryPoints(s))
}

// TelemetryPoints returns one point per train plus one fleet summary. During
// a blackout only the summary is written.
func TelemetryPoints(s engine.Snapshot) []influxx.Point {
	points := make([]influxx.Point, 0, len(s.Trains)+1)
	counts := map[string]int{}
	for _, tr := range s.Trains {
		counts[tr.Status]++
		points = append(points, influxx.Point{
			Measurement: measurementTrain,
			Tags: map[string]string{
				"train_id": tr.ID,
				"type":     tr.Type,
				"status":   tr.Status,
				"route":    tr.Route.Start + "-" + tr.Route.End,
			},
			Fields: map[string]any{
				"progress":            tr.Progress,
				"delay_minutes":       tr.DelayMinutes,
				"total_delay_minutes": tr.TotalDelayMinutes,
				"current_station":     tr.CurrentStationName,
			},
			Time: s.GeneratedAt,
		})
	}
	fields := map[string]any{
		"tick":      int64(s.Tick),
		"blackout":  s.BlackoutActive,
		"incidents": len(s.Incidents),
		"users":     len(s.ActiveUsers),
	}
	for status, n := range counts {
		fields["status_"+statusField(status)] = n
	}
	points = append(points, influxx.Point{
		Measurement: measurementFleet,
		Tags:        map[string]string{},
		Fields:      fields,
		Time:        s.GeneratedAt,
	})
	return points
}

func statusField(status string) string {
	return strings.ReplaceAll(strings.ToLower(status), " ", "_")
}
