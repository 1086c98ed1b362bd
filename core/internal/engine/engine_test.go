package engine

import (
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"testing"
	"time"

	"train-tracking-sim/shared/workflow"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestSim(t *testing.T, mutate func(*Options)) *Simulation {
	t.Helper()
	opts := Options{
		FleetSize:           15,
		RouteDuration:       3000 * time.Second,
		DefaultDelayMinutes: 10,
		Rand:                rand.New(rand.NewPCG(1, 2)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	sim, err := NewSimulation(opts, epoch)
	if err != nil {
		t.Fatalf("NewSimulation: %v", err)
	}
	return sim
}

func floatPtr(v float64) *float64 { return &v }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestNewSimulationSeedsFleet(t *testing.T) {
	sim := newTestSim(t, nil)
	trains, err := sim.Trains()
	if err != nil {
		t.Fatalf("Trains: %v", err)
	}
	if len(trains) != 15 {
		t.Fatalf("expected 15 trains, got %d", len(trains))
	}
	for i, tr := range trains {
		if tr.ID != TrainID(i) {
			t.Fatalf("train %d has id %s", i, tr.ID)
		}
		if tr.Progress < 0 || tr.Progress >= 100 {
			t.Fatalf("%s progress out of range: %f", tr.ID, tr.Progress)
		}
		if tr.Status != workflow.TrainStatusOnTime {
			t.Fatalf("%s starts %s", tr.ID, tr.Status)
		}
		if err := tr.Route.Validate(); err != nil {
			t.Fatalf("%s route: %v", tr.ID, err)
		}
		if !tr.StartTime.After(epoch.Add(-3000*time.Second)) || tr.StartTime.After(epoch) {
			t.Fatalf("%s start time not backdated into the route: %v", tr.ID, tr.StartTime)
		}
		if tr.CurrentStationName == "" || tr.NextStationName == "" {
			t.Fatalf("%s derived stations not computed", tr.ID)
		}
	}
	if trains[0].ID != "TR-1000" || trains[14].ID != "TR-1014" {
		t.Fatalf("unexpected id range %s..%s", trains[0].ID, trains[14].ID)
	}
}

func TestNewSimulationRejectsBadOptions(t *testing.T) {
	_, err := NewSimulation(Options{FleetSize: 0, RouteDuration: time.Millisecond}, epoch)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestProgressStaysBelowHundred(t *testing.T) {
	sim := newTestSim(t, func(o *Options) { o.RouteDuration = 7 * time.Second })
	now := epoch
	for i := 0; i < 500; i++ {
		now = now.Add(time.Second)
		sim.Tick(now)
		for _, tr := range sim.copyTrains() {
			if tr.Progress < 0 || tr.Progress >= 100 {
				t.Fatalf("tick %d: %s progress %f", i, tr.ID, tr.Progress)
			}
		}
	}
}

func TestDelayedIffDelayPending(t *testing.T) {
	sim := newTestSim(t, func(o *Options) { o.RouteDuration = 120 * time.Second })
	rng := rand.New(rand.NewPCG(7, 7))
	now := epoch
	for i := 0; i < 400; i++ {
		now = now.Add(time.Second)
		if i%25 == 0 {
			id := TrainID(rng.IntN(15))
			if _, err := sim.Inject(now, InjectCommand{Kind: KindDelay, TargetID: id, Value: floatPtr(float64(rng.IntN(3) + 1))}); err != nil {
				t.Fatalf("inject: %v", err)
			}
		}
		if i%40 == 0 {
			if _, err := sim.CancelDelay(now, TrainID(rng.IntN(15))); err != nil {
				t.Fatalf("cancel: %v", err)
			}
		}
		sim.Tick(now)
		for _, tr := range sim.copyTrains() {
			if workflow.IsFrozen(tr.Status) {
				continue
			}
			if (tr.Status == workflow.TrainStatusDelayed) != (tr.DelayMinutes > 0) {
				t.Fatalf("tick %d: %s status %s with delay %f", i, tr.ID, tr.Status, tr.DelayMinutes)
			}
		}
	}
}

func TestDelayBurnsOffAfterSixHundredTicks(t *testing.T) {
	sim := newTestSim(t, nil)
	id := TrainID(3)
	before := sim.byID[id].clone()

	res, err := sim.Inject(epoch, InjectCommand{Kind: KindDelay, TargetID: id, Value: floatPtr(10)})
	if err != nil || !res.Success {
		t.Fatalf("inject: %+v %v", res, err)
	}
	if got := sim.byID[id]; got.Status != workflow.TrainStatusDelayed || got.DelayMinutes != 10 {
		t.Fatalf("expected Delayed with 10 minutes, got %s %f", got.Status, got.DelayMinutes)
	}

	now := epoch
	for i := 0; i < 599; i++ {
		now = now.Add(time.Second)
		sim.Tick(now)
	}
	if got := sim.byID[id]; got.Status != workflow.TrainStatusDelayed || got.DelayMinutes <= 0 {
		t.Fatalf("delay lifted early: %s %f", got.Status, got.DelayMinutes)
	}
	if got := sim.byID[id]; got.Progress != before.Progress {
		t.Fatalf("delayed train moved: %f -> %f", before.Progress, got.Progress)
	}

	sim.Tick(now.Add(time.Second))
	got := sim.byID[id]
	if got.DelayMinutes != 0 || got.Status != workflow.TrainStatusOnTime {
		t.Fatalf("expected delay lifted, got %s %f", got.Status, got.DelayMinutes)
	}
	if !near(got.TotalDelayMinutes-before.TotalDelayMinutes, 10) {
		t.Fatalf("total delay grew by %f, want 10", got.TotalDelayMinutes-before.TotalDelayMinutes)
	}

	incs := sim.Incidents()
	last := incs[len(incs)-1]
	if last.Type != IncidentDelayUpdate || last.TrainID != id {
		t.Fatalf("expected delay lifted incident, got %+v", last)
	}
}

func TestEstimatedArrivalIncludesServedDelay(t *testing.T) {
	sim := newTestSim(t, nil)
	id := TrainID(0)
	if _, err := sim.Inject(epoch, InjectCommand{Kind: KindDelay, TargetID: id, Value: floatPtr(2)}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	now := epoch
	for i := 0; i < 60; i++ {
		now = now.Add(time.Second)
		sim.Tick(now)
	}
	tr := sim.byID[id]
	gap := tr.EstimatedArrivalNext.Sub(tr.PlannedArrivalNext)
	if math.Abs(gap.Seconds()-60) > 0.01 {
		t.Fatalf("expected ~60s between planned and estimated, got %v", gap)
	}
}

func TestCancelDelay(t *testing.T) {
	sim := newTestSim(t, nil)
	id := TrainID(5)
	if _, err := sim.Inject(epoch, InjectCommand{Kind: KindDelay, TargetID: id, Value: floatPtr(5)}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	now := epoch
	for i := 0; i < 30; i++ {
		now = now.Add(time.Second)
		sim.Tick(now)
	}
	total := sim.byID[id].TotalDelayMinutes

	res, err := sim.CancelDelay(now, id)
	if err != nil || !res.Success {
		t.Fatalf("cancel: %+v %v", res, err)
	}
	tr := sim.byID[id]
	if tr.DelayMinutes != 0 || tr.Status != workflow.TrainStatusOnTime {
		t.Fatalf("expected On Time with no delay, got %s %f", tr.Status, tr.DelayMinutes)
	}
	if tr.TotalDelayMinutes != total {
		t.Fatalf("total delay changed on cancel: %f -> %f", total, tr.TotalDelayMinutes)
	}
	incs := sim.Incidents()
	if incs[len(incs)-1].Type != IncidentDelayUpdate {
		t.Fatalf("expected Delay Update incident, got %s", incs[len(incs)-1].Type)
	}

	res, err = sim.CancelDelay(now, id)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if res.Success || res.Message != "Train "+id+" is not delayed" {
		t.Fatalf("expected logical no-op, got %+v", res)
	}

	if _, err := sim.CancelDelay(now, "TR-9999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBlackoutToggleFreezesFleet(t *testing.T) {
	sim := newTestSim(t, nil)
	now := epoch.Add(time.Second)
	sim.Tick(now)
	before := sim.copyTrains()

	if _, err := sim.Inject(now, InjectCommand{Kind: "hack"}); err != nil {
		t.Fatalf("hack: %v", err)
	}
	if !sim.BlackoutActive() {
		t.Fatalf("expected blackout active")
	}
	if _, err := sim.Trains(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	incs := sim.Incidents()
	if len(incs) != 1 || incs[0].Type != IncidentSecurityAlert || incs[0].TrainID != SystemTrainID {
		t.Fatalf("expected one security alert, got %+v", incs)
	}

	for i := 0; i < 30; i++ {
		now = now.Add(time.Second)
		rep := sim.Tick(now)
		if rep.Advanced {
			t.Fatalf("tick advanced during blackout")
		}
	}
	if !reflect.DeepEqual(before, sim.copyTrains()) {
		t.Fatalf("trains changed during blackout")
	}

	if _, err := sim.Inject(now, InjectCommand{Kind: KindHack}); err != nil {
		t.Fatalf("hack off: %v", err)
	}
	if sim.BlackoutActive() {
		t.Fatalf("expected blackout cleared")
	}
	if sim.incidents.Len() != 1 {
		t.Fatalf("deactivation must not log an incident")
	}
	if _, err := sim.Trains(); err != nil {
		t.Fatalf("Trains after blackout: %v", err)
	}
}

func TestResetRestoresCleanWorld(t *testing.T) {
	sim := newTestSim(t, func(o *Options) { o.FleetSize = 4 })
	now := epoch
	_, _ = sim.Inject(now, InjectCommand{Kind: KindDelay, TargetID: TrainID(0)})
	_, _ = sim.Inject(now, InjectCommand{Kind: KindMaintenance, TargetID: TrainID(1)})
	_, _ = sim.Inject(now, InjectCommand{Kind: KindHack})

	res := sim.Reset(now.Add(time.Minute))
	if !res.Success {
		t.Fatalf("reset: %+v", res)
	}
	if sim.FleetSize() != 4 {
		t.Fatalf("expected fleet of 4, got %d", sim.FleetSize())
	}
	if sim.incidents.Len() != 0 {
		t.Fatalf("expected empty incident log")
	}
	if sim.BlackoutActive() {
		t.Fatalf("expected blackout cleared")
	}
	for _, tr := range sim.copyTrains() {
		if tr.Status != workflow.TrainStatusOnTime || tr.DelayMinutes != 0 || tr.TotalDelayMinutes != 0 {
			t.Fatalf("%s not clean after reset: %+v", tr.ID, tr)
		}
	}

	inc := sim.incidents.Append(epoch, IncidentDelay, TrainID(0), "x")
	if inc.ID <= epoch.UnixMilli() {
		t.Fatalf("incident ids must keep increasing across reset, got %d", inc.ID)
	}
}

func TestRouteCompletionPicksFreshRoute(t *testing.T) {
	sim := newTestSim(t, func(o *Options) { o.FleetSize = 1; o.RouteDuration = 100 * time.Second })
	tr := sim.byID[TrainID(0)]
	tr.Progress = 99.5
	tr.DelayMinutes = 0
	tr.TotalDelayMinutes = 3.5

	now := epoch.Add(time.Hour)
	rep := sim.Tick(now)
	if rep.Completed != 1 {
		t.Fatalf("expected one completion, got %d", rep.Completed)
	}
	if tr.Progress != 0 {
		t.Fatalf("expected progress wrapped to 0, got %f", tr.Progress)
	}
	if err := tr.Route.Validate(); err != nil {
		t.Fatalf("new route invalid: %v", err)
	}
	if tr.TotalDelayMinutes != 0 || tr.DelayMinutes != 0 || tr.Status != workflow.TrainStatusOnTime {
		t.Fatalf("counters not zeroed: %+v", tr)
	}
	if !tr.StartTime.Equal(now) {
		t.Fatalf("start time not reset: %v", tr.StartTime)
	}
	if tr.CurrentStationName != tr.Route.Start {
		t.Fatalf("expected to be at %s, got %s", tr.Route.Start, tr.CurrentStationName)
	}
}

func TestTwoStationRouteClampsSegment(t *testing.T) {
	catalog, err := NewCatalog(NewRoute("Feldkirch", "Bludenz"))
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	sim := newTestSim(t, func(o *Options) {
		o.FleetSize = 1
		o.Catalog = catalog
		o.RouteDuration = 1000 * time.Second
	})
	tr := sim.byID[TrainID(0)]
	tr.Progress = 99.95
	tr.StartTime = epoch
	tr.recompute()
	if tr.segment() != 0 {
		t.Fatalf("expected segment 0, got %d", tr.segment())
	}
	if tr.CurrentStationName != "Feldkirch" || tr.NextStationName != "Bludenz" {
		t.Fatalf("unexpected stations %s -> %s", tr.CurrentStationName, tr.NextStationName)
	}
	if !tr.PlannedArrivalNext.Equal(epoch.Add(1000 * time.Second)) {
		t.Fatalf("unexpected planned arrival %v", tr.PlannedArrivalNext)
	}
}

func TestSegmentArrivalTimes(t *testing.T) {
	catalog, err := NewCatalog(NewRoute("A", "B", "C", "D", "E"))
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	sim := newTestSim(t, func(o *Options) {
		o.FleetSize = 1
		o.Catalog = catalog
		o.RouteDuration = 400 * time.Second
	})
	tr := sim.byID[TrainID(0)]
	tr.StartTime = epoch
	tr.Progress = 30
	tr.TotalDelayMinutes = 1.5
	tr.recompute()
	if tr.CurrentStationName != "B" || tr.NextStationName != "C" {
		t.Fatalf("unexpected stations %s -> %s", tr.CurrentStationName, tr.NextStationName)
	}
	if !tr.PlannedArrivalNext.Equal(epoch.Add(200 * time.Second)) {
		t.Fatalf("planned %v", tr.PlannedArrivalNext)
	}
	if !tr.EstimatedArrivalNext.Equal(epoch.Add(290 * time.Second)) {
		t.Fatalf("estimated %v", tr.EstimatedArrivalNext)
	}
}

func TestInjectDelayIncidentKinds(t *testing.T) {
	sim := newTestSim(t, nil)
	id := TrainID(2)
	if _, err := sim.Inject(epoch, InjectCommand{Kind: "delay", TargetID: id, Message: "signal failure"}); err != nil {
		t.Fatalf("first delay: %v", err)
	}
	if _, err := sim.Inject(epoch, InjectCommand{Kind: KindDelay, TargetID: id, Value: floatPtr(-3)}); err != nil {
		t.Fatalf("second delay: %v", err)
	}
	tr := sim.byID[id]
	if tr.DelayMinutes != 20 {
		t.Fatalf("expected stacked default delays of 20, got %f", tr.DelayMinutes)
	}
	incs := sim.Incidents()
	if len(incs) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(incs))
	}
	if incs[0].Type != IncidentDelay || incs[1].Type != IncidentDelayUpdate {
		t.Fatalf("unexpected kinds %s, %s", incs[0].Type, incs[1].Type)
	}
	want := tr.label() + " is delayed due to signal failure!"
	if incs[0].Description != want {
		t.Fatalf("description %q, want %q", incs[0].Description, want)
	}
	if incs[1].ID <= incs[0].ID {
		t.Fatalf("incident ids not increasing: %d, %d", incs[0].ID, incs[1].ID)
	}
}

func TestInjectErrors(t *testing.T) {
	sim := newTestSim(t, nil)
	cases := []struct {
		name string
		cmd  InjectCommand
		want error
	}{
		{"unknown delay target", InjectCommand{Kind: KindDelay, TargetID: "TR-42"}, ErrNotFound},
		{"unknown maintenance target", InjectCommand{Kind: KindMaintenance, TargetID: ""}, ErrNotFound},
		{"unknown kind", InjectCommand{Kind: "CANCEL", TargetID: TrainID(0)}, ErrInvalidCommand},
		{"missing kind", InjectCommand{TargetID: TrainID(0)}, ErrInvalidCommand},
		{"infinite delay", InjectCommand{Kind: KindDelay, TargetID: TrainID(0), Value: floatPtr(math.Inf(1))}, ErrInvalidCommand},
	}
	before := sim.copyTrains()
	for _, tc := range cases {
		if _, err := sim.Inject(epoch, tc.cmd); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if !reflect.DeepEqual(before, sim.copyTrains()) || sim.incidents.Len() != 0 {
		t.Fatalf("failed commands changed state")
	}
}

func TestMaintenanceFreezesTrain(t *testing.T) {
	sim := newTestSim(t, nil)
	id := TrainID(4)
	res, err := sim.Inject(epoch, InjectCommand{Kind: KindMaintenance, TargetID: id})
	if err != nil || !res.Success {
		t.Fatalf("maintenance: %+v %v", res, err)
	}
	frozen := sim.byID[id].clone()
	now := epoch
	for i := 0; i < 100; i++ {
		now = now.Add(time.Second)
		sim.Tick(now)
	}
	if !reflect.DeepEqual(frozen, sim.byID[id].clone()) {
		t.Fatalf("train in maintenance changed")
	}
	incs := sim.Incidents()
	if len(incs) != 1 || incs[0].Type != IncidentMaintenance {
		t.Fatalf("expected maintenance incident, got %+v", incs)
	}

	if _, err := sim.Inject(now, InjectCommand{Kind: KindDelay, TargetID: id, Value: floatPtr(1)}); err != nil {
		t.Fatalf("delay after maintenance: %v", err)
	}
	if sim.byID[id].Status != workflow.TrainStatusDelayed {
		t.Fatalf("expected a delay to bring the train back into service")
	}
}

func TestCancelledTrainIgnoresCommands(t *testing.T) {
	sim := newTestSim(t, nil)
	id := TrainID(6)
	sim.byID[id].Status = workflow.TrainStatusCancelled
	sim.byID[id].DelayMinutes = 2

	res, err := sim.Inject(epoch, InjectCommand{Kind: KindDelay, TargetID: id})
	if err != nil || res.Success {
		t.Fatalf("expected no-op for cancelled train, got %+v %v", res, err)
	}
	res, err = sim.CancelDelay(epoch, id)
	if err != nil || res.Success {
		t.Fatalf("expected no-op cancel for cancelled train, got %+v %v", res, err)
	}
	if sim.byID[id].DelayMinutes != 2 || sim.incidents.Len() != 0 {
		t.Fatalf("cancelled train was modified")
	}
}

func TestStatusCounts(t *testing.T) {
	sim := newTestSim(t, func(o *Options) { o.FleetSize = 3 })
	_, _ = sim.Inject(epoch, InjectCommand{Kind: KindDelay, TargetID: TrainID(0)})
	_, _ = sim.Inject(epoch, InjectCommand{Kind: KindMaintenance, TargetID: TrainID(1)})
	counts := sim.StatusCounts()
	if counts[workflow.TrainStatusOnTime] != 1 || counts[workflow.TrainStatusDelayed] != 1 ||
		counts[workflow.TrainStatusMaintenance] != 1 || counts[workflow.TrainStatusCancelled] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	sim := newTestSim(t, func(o *Options) { o.FleetSize = 2 })
	snap := sim.Snapshot(epoch, ReasonTick, nil)
	snap.Trains[0].Route.Stations[0] = "mutated"
	snap.Trains[1].Progress = 12345
	if sim.byID[TrainID(0)].Route.Stations[0] == "mutated" || sim.byID[TrainID(1)].Progress == 12345 {
		t.Fatalf("snapshot shares memory with the simulation")
	}
	if snap.ActiveUsers == nil || snap.AllUserIDs == nil {
		t.Fatalf("roster fields must encode as arrays")
	}
}

func TestIncidentLogSince(t *testing.T) {
	var log IncidentLog
	a := log.Append(epoch, IncidentDelay, "TR-1000", "a")
	b := log.Append(epoch, IncidentDelay, "TR-1001", "b")
	c := log.Append(epoch.Add(-time.Hour), IncidentDelay, "TR-1002", "c")
	if !(a.ID < b.ID && b.ID < c.ID) {
		t.Fatalf("ids not strictly increasing: %d %d %d", a.ID, b.ID, c.ID)
	}
	got := log.Since(a.ID)
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != c.ID {
		t.Fatalf("Since returned %+v", got)
	}
	if len(log.Since(c.ID)) != 0 {
		t.Fatalf("expected nothing after the last id")
	}
	if !log.HasTrain("TR-1001") || log.HasTrain("TR-1003") {
		t.Fatalf("HasTrain mismatch")
	}
}
