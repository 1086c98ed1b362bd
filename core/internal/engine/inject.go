package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"train-tracking-sim/shared/workflow"
)

const (
	KindDelay       = "DELAY"
	KindMaintenance = "MAINTENANCE"
	KindHack        = "HACK"
)

// InjectCommand is a fault injected from outside. Value is the delay in
// minutes for DELAY; nil or non-positive falls back to the default delay.
type InjectCommand struct {
	Kind     string
	TargetID string
	Value    *float64
	Message  string
}

func NormalizeKind(kind string) string {
	return strings.ToUpper(strings.TrimSpace(kind))
}

// Inject applies a fault. Unknown trains yield ErrNotFound and unknown kinds
// ErrInvalidCommand; in both cases nothing changes.
func (s *Simulation) Inject(now time.Time, cmd InjectCommand) (Result, error) {
	kind := NormalizeKind(cmd.Kind)
	switch kind {
	case KindDelay:
		return s.injectDelay(now, cmd)
	case KindMaintenance:
		return s.injectMaintenance(now, cmd)
	case KindHack:
		return s.toggleBlackout(now), nil
	case "":
		return Result{}, fmt.Errorf("inject: missing kind: %w", ErrInvalidCommand)
	default:
		return Result{}, fmt.Errorf("inject: unknown kind %q: %w", cmd.Kind, ErrInvalidCommand)
	}
}

func (s *Simulation) injectDelay(now time.Time, cmd InjectCommand) (Result, error) {
	t, err := s.lookup(strings.TrimSpace(cmd.TargetID))
	if err != nil {
		return Result{}, fmt.Errorf("inject %s: %w", KindDelay, err)
	}
	delay := s.opts.DefaultDelayMinutes
	if cmd.Value != nil {
		v := *cmd.Value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{}, fmt.Errorf("inject %s: delay must be finite: %w", KindDelay, ErrInvalidCommand)
		}
		if v > 0 {
			delay = v
		}
	}

	event, moved := setStatus(t, workflow.TrainStatusDelayed)
	if !moved {
		return noop(fmt.Sprintf("Train %s is %s and cannot be delayed", t.ID, t.Status)), nil
	}
	t.DelayMinutes += delay

	kind := IncidentDelay
	if s.incidents.HasTrain(t.ID) {
		kind = IncidentDelayUpdate
	}
	desc := t.label() + " is delayed"
	if reason := strings.TrimSpace(cmd.Message); reason != "" {
		desc += " due to " + reason
	}
	s.incidents.Append(now, kind, t.ID, desc+"!")
	return ok("Injected "+KindDelay, event), nil
}

func (s *Simulation) injectMaintenance(now time.Time, cmd InjectCommand) (Result, error) {
	t, err := s.lookup(strings.TrimSpace(cmd.TargetID))
	if err != nil {
		return Result{}, fmt.Errorf("inject %s: %w", KindMaintenance, err)
	}
	event, moved := setStatus(t, workflow.TrainStatusMaintenance)
	if !moved {
		return noop(fmt.Sprintf("Train %s is %s and cannot go to maintenance", t.ID, t.Status)), nil
	}
	s.incidents.Append(now, IncidentMaintenance, t.ID, fmt.Sprintf("Train %s is in the workshop for repairs.", t.ID))
	return ok("Injected "+KindMaintenance, event), nil
}

func (s *Simulation) toggleBlackout(now time.Time) Result {
	s.blackout = !s.blackout
	if s.blackout {
		s.incidents.Append(now, IncidentSecurityAlert, SystemTrainID, "Control system compromised, live data is unavailable.")
		return ok("Injected "+KindHack, "blackout_started")
	}
	return ok("Injected "+KindHack, "blackout_ended")
}

// CancelDelay lifts a pending delay immediately. Delay already served stays
// in TotalDelayMinutes.
func (s *Simulation) CancelDelay(now time.Time, trainID string) (Result, error) {
	t, err := s.lookup(strings.TrimSpace(trainID))
	if err != nil {
		return Result{}, fmt.Errorf("cancel delay: %w", err)
	}
	if t.DelayMinutes <= 0 {
		return noop(fmt.Sprintf("Train %s is not delayed", t.ID)), nil
	}
	event, moved := setStatus(t, workflow.TrainStatusOnTime)
	if !moved {
		return noop(fmt.Sprintf("Train %s is %s and cannot resume", t.ID, t.Status)), nil
	}
	t.DelayMinutes = 0
	t.recompute()
	s.incidents.Append(now, IncidentDelayUpdate, t.ID, t.label()+" is running again.")
	return ok("Delay cancelled for "+t.ID, event), nil
}

// Reset replaces the fleet, clears the incident log and ends any blackout.
func (s *Simulation) Reset(now time.Time) Result {
	s.seedFleet(now)
	s.incidents.Clear()
	s.blackout = false
	return ok("System Reset", "reset")
}
