package engine

import (
	"fmt"
	"time"

	"train-tracking-sim/shared/workflow"
)

const (
	// One delay minute burns off every 60 ticks.
	delayBurnPerTick = 1.0 / 60.0
	// Absorbs float drift so a 10 minute delay clears on tick 600, not 601.
	delayEpsilon = 1e-9
)

type TickReport struct {
	Advanced     bool
	Completed    int
	DelaysLifted int
}

// Tick advances every active train by one step. While the blackout is
// active nothing moves, but the tick is still counted.
func (s *Simulation) Tick(now time.Time) TickReport {
	s.ticks++
	if s.blackout {
		return TickReport{}
	}
	rep := TickReport{Advanced: true}
	for _, t := range s.trains {
		if workflow.IsFrozen(t.Status) {
			continue
		}
		lifted, completed := s.advance(t, now)
		if lifted {
			rep.DelaysLifted++
		}
		if completed {
			rep.Completed++
		}
	}
	return rep
}

func (s *Simulation) advance(t *Train, now time.Time) (lifted bool, completed bool) {
	speed := 100 / float64(t.TotalDurationSeconds)

	if t.DelayMinutes > 0 {
		speed = 0
		t.Status = workflow.TrainStatusDelayed
		t.DelayMinutes -= delayBurnPerTick
		t.TotalDelayMinutes += delayBurnPerTick
		if t.DelayMinutes <= delayEpsilon {
			t.DelayMinutes = 0
			t.Status = workflow.TrainStatusOnTime
			s.incidents.Append(now, IncidentDelayUpdate, t.ID, fmt.Sprintf("Delay for %s has been lifted.", t.ID))
			lifted = true
		}
	} else if t.Status == workflow.TrainStatusDelayed {
		t.Status = workflow.TrainStatusOnTime
	}

	t.Progress += speed
	if t.Progress >= 100 {
		t.Progress = 0
		t.Route = s.opts.Catalog.Pick(s.rng)
		t.Status = workflow.TrainStatusOnTime
		t.DelayMinutes = 0
		t.TotalDelayMinutes = 0
		t.StartTime = now
		completed = true
	}

	t.recompute()
	return lifted, completed
}
