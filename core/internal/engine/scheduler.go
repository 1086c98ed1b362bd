package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"train-tracking-sim/shared/logx"
	"train-tracking-sim/shared/metricsx"
)

type SchedulerOptions struct {
	Interval time.Duration
	// Clock defaults to clockz.RealClock.
	Clock    clockz.Clock
	Presence Presence
	Logger   logx.Logger
}

// Scheduler owns a Simulation and is the only goroutine that touches it.
// Ticks and commands are both executed on the Run loop, one at a time.
type Scheduler struct {
	sim      *Simulation
	clock    clockz.Clock
	interval time.Duration
	presence Presence
	logger   logx.Logger

	cmds    chan func()
	stopped chan struct{}
	running atomic.Bool

	mu        sync.Mutex
	observers []Observer

	lastIncident int64
}

func NewScheduler(sim *Simulation, opts SchedulerOptions) (*Scheduler, error) {
	if sim == nil {
		return nil, errors.New("scheduler needs a simulation")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("tick interval must be > 0")
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Scheduler{
		sim:      sim,
		clock:    clock,
		interval: opts.Interval,
		presence: opts.Presence,
		logger:   opts.Logger.With(slog.String("component", "scheduler")),
		cmds:     make(chan func()),
		stopped:  make(chan struct{}),
	}, nil
}

// Subscribe registers an observer for every future snapshot.
func (s *Scheduler) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Run drives ticks until ctx is cancelled. It must be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer close(s.stopped)

	s.logger.Info(ctx, "scheduler_start", "simulation scheduler started",
		slog.Int64("interval_ms", s.interval.Milliseconds()),
		slog.Int("fleet_size", s.sim.FleetSize()),
	)
	s.recordState()

	next := s.clock.After(s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "scheduler_stop", "simulation scheduler stopped",
				slog.Uint64("ticks", s.sim.Ticks()),
			)
			return nil
		case <-next:
			s.tick(ctx)
			next = s.clock.After(s.interval)
		case fn := <-s.cmds:
			fn()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	rep := s.sim.Tick(s.clock.Now())
	elapsed := time.Since(start)
	metricsx.ObserveTick(rep.Advanced, elapsed)
	if elapsed > s.interval/2 {
		s.logger.Warn(ctx, "tick_slow", "tick took more than half the interval",
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.Uint64("tick", s.sim.Ticks()),
		)
	}
	if rep.Completed > 0 || rep.DelaysLifted > 0 {
		s.logger.Debug(ctx, "tick_events", "trains changed state",
			slog.Int("completed", rep.Completed),
			slog.Int("delays_lifted", rep.DelaysLifted),
		)
	}
	s.recordState()
	s.notify(ReasonTick)
}

func (s *Scheduler) recordState() {
	metricsx.SetTrainsByStatus(s.sim.StatusCounts())
	metricsx.SetBlackout(s.sim.BlackoutActive())
	for _, inc := range s.sim.IncidentsSince(s.lastIncident) {
		metricsx.IncIncident(inc.Type)
		s.lastIncident = inc.ID
	}
}

func (s *Scheduler) notify(reason string) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	if len(observers) == 0 {
		return
	}
	snap := s.sim.Snapshot(s.clock.Now(), reason, s.presence)
	for _, o := range observers {
		o.Observe(snap)
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (s *Scheduler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

func (s *Scheduler) Trains(ctx context.Context) ([]Train, error) {
	var (
		out []Train
		err error
	)
	if doErr := s.do(ctx, func() { out, err = s.sim.Trains() }); doErr != nil {
		return nil, doErr
	}
	return out, err
}

func (s *Scheduler) Train(ctx context.Context, id string) (Train, error) {
	var (
		out Train
		err error
	)
	if doErr := s.do(ctx, func() { out, err = s.sim.Train(id) }); doErr != nil {
		return Train{}, doErr
	}
	return out, err
}

func (s *Scheduler) Incidents(ctx context.Context) ([]Incident, error) {
	var out []Incident
	if err := s.do(ctx, func() { out = s.sim.Incidents() }); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	if err := s.do(ctx, func() { out = s.sim.Snapshot(s.clock.Now(), ReasonCommand, s.presence) }); err != nil {
		return Snapshot{}, err
	}
	return out, nil
}

func (s *Scheduler) Inject(ctx context.Context, cmd InjectCommand) (Result, error) {
	kind := NormalizeKind(cmd.Kind)
	return s.command(ctx, "inject", kind, cmd.TargetID, func(now time.Time) (Result, error) {
		return s.sim.Inject(now, cmd)
	})
}

func (s *Scheduler) CancelDelay(ctx context.Context, trainID string) (Result, error) {
	return s.command(ctx, "cancel_delay", "CANCEL_DELAY", trainID, func(now time.Time) (Result, error) {
		return s.sim.CancelDelay(now, trainID)
	})
}

func (s *Scheduler) Reset(ctx context.Context) (Result, error) {
	return s.command(ctx, "reset", "RESET", "", func(now time.Time) (Result, error) {
		return s.sim.Reset(now), nil
	})
}

// Broadcast pushes an out-of-band snapshot, e.g. after a roster change.
func (s *Scheduler) Broadcast(ctx context.Context, reason string) error {
	return s.do(ctx, func() { s.notify(reason) })
}

func (s *Scheduler) command(ctx context.Context, op string, kind string, target string, apply func(time.Time) (Result, error)) (Result, error) {
	ctx, span := otel.Tracer("engine").Start(ctx, "sim."+op)
	span.SetAttributes(
		attribute.String("sim.command", kind),
		attribute.String("sim.target", target),
	)
	defer span.End()

	var (
		res Result
		err error
	)
	doErr := s.do(ctx, func() {
		res, err = apply(s.clock.Now())
		if err == nil && res.Success {
			s.recordState()
			s.notify(ReasonCommand)
		}
	})
	if doErr != nil {
		span.RecordError(doErr)
		span.SetStatus(codes.Error, doErr.Error())
		return Result{}, doErr
	}

	attrs := []slog.Attr{
		slog.String("command", kind),
		slog.String("target_id", target),
	}
	switch {
	case err != nil:
		metricsx.IncCommand(kind, outcome(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn(ctx, "command_rejected", "command rejected", append(attrs, slog.String("error", err.Error()))...)
	case !res.Success:
		metricsx.IncCommand(kind, "noop")
		s.logger.Info(ctx, "command_noop", res.Message, attrs...)
	default:
		metricsx.IncCommand(kind, "applied")
		s.logger.Info(ctx, "command_applied", res.Message, append(attrs, slog.String("transition", res.Event))...)
	}
	return res, err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid"
	default:
		return "error"
	}
}
