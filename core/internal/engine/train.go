package engine

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"train-tracking-sim/shared/workflow"
)

var TrainTypes = []string{"RJ", "ICE", "REX"}

const trainIDBase = 1000

type Train struct {
	ID                   string    `json:"id"`
	Type                 string    `json:"type"`
	Route                Route     `json:"route"`
	Progress             float64   `json:"progress"`
	Status               string    `json:"status"`
	DelayMinutes         float64   `json:"delayMinutes"`
	TotalDelayMinutes    float64   `json:"totalDelayMinutes"`
	TotalDurationSeconds int       `json:"totalDurationSeconds"`
	StartTime            time.Time `json:"startTime"`

	// Derived on every tick.
	CurrentStationName   string    `json:"currentStationName"`
	NextStationName      string    `json:"nextStationName"`
	PlannedArrivalNext   time.Time `json:"plannedArrivalNext"`
	EstimatedArrivalNext time.Time `json:"estimatedArrivalNext"`
}

func TrainID(i int) string {
	return fmt.Sprintf("TR-%d", trainIDBase+i)
}

// newTrain places a train somewhere along a random route and backdates its
// start time so the schedule matches the position.
func newTrain(i int, rng *rand.Rand, catalog Catalog, duration time.Duration, now time.Time) *Train {
	progress := rng.Float64() * 100
	elapsed := time.Duration(progress / 100 * float64(duration))
	t := &Train{
		ID:                   TrainID(i),
		Type:                 TrainTypes[rng.IntN(len(TrainTypes))],
		Route:                catalog.Pick(rng),
		Progress:             progress,
		Status:               workflow.TrainStatusOnTime,
		TotalDurationSeconds: int(duration / time.Second),
		StartTime:            now.Add(-elapsed),
	}
	t.recompute()
	return t
}

func (t *Train) duration() time.Duration {
	return time.Duration(t.TotalDurationSeconds) * time.Second
}

// segment returns the index of the station the train last passed, clamped so
// there is always a next station.
func (t *Train) segment() int {
	n := len(t.Route.Stations)
	if n < 2 {
		return 0
	}
	idx := int(math.Floor(t.Progress / 100 * float64(n-1)))
	if idx > n-2 {
		idx = n - 2
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func (t *Train) recompute() {
	n := len(t.Route.Stations)
	if n < 2 {
		return
	}
	seg := t.segment()
	t.CurrentStationName = t.Route.Stations[seg]
	t.NextStationName = t.Route.Stations[seg+1]

	nextProgress := float64(seg+1) / float64(n-1)
	t.PlannedArrivalNext = t.StartTime.Add(time.Duration(nextProgress * float64(t.duration())))
	t.EstimatedArrivalNext = t.PlannedArrivalNext.Add(minutes(t.TotalDelayMinutes))
}

func (t *Train) clone() Train {
	c := *t
	c.Route = t.Route.clone()
	return c
}

func (t *Train) label() string {
	return fmt.Sprintf("%s (%s → %s)", t.ID, t.Route.Start, t.Route.End)
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
