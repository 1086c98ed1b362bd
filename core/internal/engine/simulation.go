package engine

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"train-tracking-sim/shared/workflow"
)

type Options struct {
	FleetSize           int
	RouteDuration       time.Duration
	DefaultDelayMinutes float64

	// Catalog defaults to DefaultCatalog.
	Catalog Catalog
	// Rand defaults to a time-seeded source. Tests pass a fixed seed.
	Rand *rand.Rand
}

func (o Options) validate() error {
	var errs []error
	if o.FleetSize <= 0 {
		errs = append(errs, errors.New("fleet size must be > 0"))
	}
	if o.RouteDuration < time.Second {
		errs = append(errs, errors.New("route duration must be at least 1s"))
	}
	if o.DefaultDelayMinutes <= 0 {
		errs = append(errs, errors.New("default delay must be > 0"))
	}
	return errors.Join(errs...)
}

// Simulation is one independent world: fleet, incident log and blackout
// flag. It is not safe for concurrent use; the Scheduler serialises access.
type Simulation struct {
	opts      Options
	rng       *rand.Rand
	trains    []*Train
	byID      map[string]*Train
	incidents IncidentLog
	blackout  bool
	ticks     uint64
}

func NewSimulation(opts Options, now time.Time) (*Simulation, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("simulation options: %w", err)
	}
	if opts.Catalog.Len() == 0 {
		opts.Catalog = DefaultCatalog()
	}
	rng := opts.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	s := &Simulation{opts: opts, rng: rng}
	s.seedFleet(now)
	return s, nil
}

func (s *Simulation) seedFleet(now time.Time) {
	s.trains = make([]*Train, 0, s.opts.FleetSize)
	s.byID = make(map[string]*Train, s.opts.FleetSize)
	for i := 0; i < s.opts.FleetSize; i++ {
		t := newTrain(i, s.rng, s.opts.Catalog, s.opts.RouteDuration, now)
		s.trains = append(s.trains, t)
		s.byID[t.ID] = t
	}
}

func (s *Simulation) lookup(id string) (*Train, error) {
	t, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("train %q: %w", id, ErrNotFound)
	}
	return t, nil
}

// Trains returns a copy of the fleet. During a blackout the fleet is not
// readable.
func (s *Simulation) Trains() ([]Train, error) {
	if s.blackout {
		return nil, fmt.Errorf("trains: %w", ErrUnavailable)
	}
	return s.copyTrains(), nil
}

func (s *Simulation) Train(id string) (Train, error) {
	if s.blackout {
		return Train{}, fmt.Errorf("train %q: %w", id, ErrUnavailable)
	}
	t, err := s.lookup(id)
	if err != nil {
		return Train{}, err
	}
	return t.clone(), nil
}

func (s *Simulation) copyTrains() []Train {
	out := make([]Train, 0, len(s.trains))
	for _, t := range s.trains {
		out = append(out, t.clone())
	}
	return out
}

func (s *Simulation) Incidents() []Incident { return s.incidents.All() }

func (s *Simulation) IncidentsSince(id int64) []Incident { return s.incidents.Since(id) }

func (s *Simulation) BlackoutActive() bool { return s.blackout }

func (s *Simulation) Ticks() uint64 { return s.ticks }

func (s *Simulation) FleetSize() int { return len(s.trains) }

// StatusCounts tallies the fleet by status; every known status is present.
func (s *Simulation) StatusCounts() map[string]int {
	counts := make(map[string]int, 4)
	for _, st := range workflow.AllTrainStatuses() {
		counts[st] = 0
	}
	for _, t := range s.trains {
		counts[t.Status]++
	}
	return counts
}

// setStatus applies a status change if the workflow allows it and returns
// the transition event name.
func setStatus(t *Train, to string) (string, bool) {
	from := t.Status
	if !workflow.CanTransition(from, to) {
		return "", false
	}
	t.Status = to
	return workflow.EventTypeForTransition(from, to), true
}

// Snapshot builds a deep copy of the world for observers.
func (s *Simulation) Snapshot(now time.Time, reason string, presence Presence) Snapshot {
	snap := Snapshot{
		Tick:           s.ticks,
		GeneratedAt:    now.UTC(),
		Reason:         reason,
		Trains:         s.copyTrains(),
		Incidents:      s.incidents.All(),
		BlackoutActive: s.blackout,
		ActiveUsers:    []string{},
		AllUserIDs:     []string{},
	}
	if presence != nil {
		snap.ActiveUsers = presence.ActiveUsers()
		snap.AllUserIDs = presence.AllUserIDs()
	}
	return snap
}
