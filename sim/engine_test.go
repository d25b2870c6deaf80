package sim

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"go.einride.tech/can"

	"can-telemetry-core/codec"
	"can-telemetry-core/signal"
	"can-telemetry-core/trend"
)

type captureSink struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (c *captureSink) SendFrame(_ context.Context, f can.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func family(t *testing.T, name string) []signal.Definition {
	t.Helper()
	defs, err := signal.DefaultSignals(name)
	if err != nil {
		t.Fatal(err)
	}
	return defs
}

func newEngine(t *testing.T, defs []signal.Definition, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithRand(rand.New(rand.NewSource(1)))}, opts...)
	e, err := New(defs, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func seed(t *testing.T, e *Engine, name string, v float64) {
	t.Helper()
	if err := e.Seed(name, v); err != nil {
		t.Fatal(err)
	}
}

func TestNewSeedsAtMin(t *testing.T) {
	e := newEngine(t, family(t, signal.FamilyGeneric))
	snap := e.Snapshot()
	if len(snap) != 12 {
		t.Fatalf("expected 12 states, got %d", len(snap))
	}
	if r := snap["ECT"]; r.Value != -40 || r.Trend != trend.Stable || r.Unit != "°C" {
		t.Errorf("ECT: unexpected initial reading %+v", r)
	}
}

func TestInactiveSignalsHaveNoState(t *testing.T) {
	defs := family(t, signal.FamilyGeneric)
	defs[0].Active = false // RPM
	e := newEngine(t, defs)
	if _, ok := e.Snapshot()["RPM"]; ok {
		t.Error("inactive signal should not be simulated")
	}
}

func TestClampingOverManyTicks(t *testing.T) {
	defs := family(t, signal.FamilyTurbo)
	e := newEngine(t, defs)
	byName := make(map[string]signal.Definition)
	for _, d := range defs {
		byName[d.Name] = d
	}

	ctx := context.Background()
	for i := 0; i < 2000; i++ {
		if i == 500 {
			seed(t, e, "TPS", 100)
		}
		for name, r := range e.Tick(ctx) {
			d := byName[name]
			if r.Value < d.Min || r.Value > d.Max {
				t.Fatalf("tick %d: %s=%v outside [%v, %v]", i, name, r.Value, d.Min, d.Max)
			}
		}
	}
}

func TestRPMMovesTowardIdle(t *testing.T) {
	tests := []struct {
		name  string
		start float64
		want  trend.Trend
	}{
		{"from above", 3000, trend.Down},
		{"from below", 0, trend.Up},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, family(t, signal.FamilyGeneric))
			seed(t, e, "TPS", 0)
			seed(t, e, "RPM", tt.start)

			r := e.Tick(context.Background())["RPM"]
			if r.Trend != tt.want {
				t.Fatalf("expected %v, got %v (rpm %v)", tt.want, r.Trend, r.Value)
			}
			// tps walks at most 5 from 0, so the target stays in [850, 1200].
			limit := math.Max(math.Abs(850-tt.start), math.Abs(1200-tt.start)) * rpmSmoothing
			if math.Abs(r.Value-tt.start) > limit+1e-9 {
				t.Errorf("rpm moved too far: %v -> %v", tt.start, r.Value)
			}
		})
	}
}

func TestBoostRampsUnderLoad(t *testing.T) {
	e := newEngine(t, family(t, signal.FamilyTurbo))
	seed(t, e, "TPS", 100)
	seed(t, e, "RPM", 3500)
	seed(t, e, "Boost Pressure", 1)

	r := e.Tick(context.Background())["Boost Pressure"]
	if r.Trend != trend.Up {
		t.Fatalf("expected boost to trend up, got %v (%v)", r.Trend, r.Value)
	}
	if math.Abs(r.Value-1.1) > 1e-9 {
		t.Errorf("expected 1.1, got %v", r.Value)
	}
}

func TestBoostDecaysAtIdle(t *testing.T) {
	e := newEngine(t, family(t, signal.FamilyTurbo))
	seed(t, e, "TPS", 0)
	seed(t, e, "RPM", 900)
	seed(t, e, "Boost Pressure", 2)

	r := e.Tick(context.Background())["Boost Pressure"]
	if math.Abs(r.Value-1.8) > 1e-9 || r.Trend != trend.Down {
		t.Errorf("expected decay to 1.8, got %v (%v)", r.Value, r.Trend)
	}
}

func TestDerivedSignals(t *testing.T) {
	e := newEngine(t, family(t, signal.FamilyGeneric))
	seed(t, e, "TPS", 50)
	snap := e.Tick(context.Background())

	tps := snap["TPS"].Value
	rpm := snap["RPM"].Value
	if got, want := snap["MAP"].Value, 35+tps*2; math.Abs(got-want) > 1e-9 {
		t.Errorf("MAP: expected %v, got %v", want, got)
	}
	if got, want := snap["Oil Pressure"].Value, 1+rpm/2000; math.Abs(got-want) > 1e-9 {
		t.Errorf("Oil Pressure: expected %v, got %v", want, got)
	}
	gear := math.Floor(rpm / 1300)
	if got := snap["Gear"].Value; got != gear {
		t.Errorf("Gear: expected %v, got %v", gear, got)
	}
	if got, want := snap["Speed"].Value, rpm/8000*gearRatios[int(gear)]; math.Abs(got-want) > 1e-9 {
		t.Errorf("Speed: expected %v, got %v", want, got)
	}
	if got := snap["Fuel Level"].Value; got != 0 {
		t.Errorf("Fuel Level: empty tank should stay at 0, got %v", got)
	}
}

func TestCoolantWarmsUp(t *testing.T) {
	e := newEngine(t, family(t, signal.FamilyGeneric))
	seed(t, e, "ECT", 20)
	ctx := context.Background()
	if v := e.Tick(ctx)["ECT"].Value; v != 20.5 {
		t.Fatalf("expected 20.5, got %v", v)
	}
	seed(t, e, "ECT", 90)
	for i := 0; i < 50; i++ {
		if v := e.Tick(ctx)["ECT"].Value; v < 89 || v > 91 {
			t.Fatalf("warm engine left 90±1: %v", v)
		}
	}
}

func TestMissingDependencyFallsBack(t *testing.T) {
	defs := family(t, signal.FamilyGeneric)
	var keep []signal.Definition
	for _, d := range defs {
		if d.Model == "rpm" || d.Model == "speed" {
			keep = append(keep, d)
		}
	}
	e := newEngine(t, keep)
	seed(t, e, "RPM", 4000)

	snap := e.Tick(context.Background())
	rpm := snap["RPM"].Value
	if rpm < 3900 || rpm > 4100 {
		t.Fatalf("rpm without tps should walk ±100, got %v", rpm)
	}
	want := rpm / 8000 * gearRatios[3]
	if got := snap["Speed"].Value; math.Abs(got-want) > 1e-9 {
		t.Errorf("speed without gear: expected %v, got %v", want, got)
	}
}

func TestEvaluationOrder(t *testing.T) {
	e := newEngine(t, family(t, signal.FamilyTurbo))
	want := []string{
		"TPS", "RPM", "MAP", "ECT", "Fuel Level", "Battery", "Lambda",
		"Oil Pressure", "Boost Pressure", "Gear", "Speed",
		"EGT", "Fuel Pressure", "IAT",
	}
	got := e.EvaluationOrder()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order:\n got  %v\n want %v", got, want)
	}
}

func TestOrder(t *testing.T) {
	rules := make(map[string]Rule)
	for _, r := range BuiltinRules() {
		rules[r.Model] = r
	}
	rules["wheel_slip"] = Rule{Model: "wheel_slip", After: []string{"speed", "rpm"}}
	rules["aaa"] = Rule{Model: "aaa", After: []string{"wheel_slip"}}

	got, err := Order([]string{"aaa", "speed", "wheel_slip", "rpm", "zzz", "tps"}, rules)
	if err != nil {
		t.Fatal(err)
	}
	want := "tps,rpm,speed,wheel_slip,aaa,zzz"
	if strings.Join(got, ",") != want {
		t.Errorf("expected %s, got %v", want, got)
	}

	rules["tps"] = Rule{Model: "tps", After: []string{"speed"}}
	if _, err := Order([]string{"tps", "rpm", "speed"}, rules); !errors.Is(err, ErrDependencyCycle) {
		t.Errorf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestCustomRule(t *testing.T) {
	defs := []signal.Definition{{
		Name: "Wastegate", Model: "wastegate", CANID: 0x300, LengthBits: 8,
		ScaleFactor: 1, Max: 100, Category: signal.CategoryPressoes, Active: true,
	}}
	e := newEngine(t, defs, WithRules(Rule{
		Model:  "wastegate",
		Update: func(_ *Env, _ signal.Definition, prev float64) float64 { return prev + 7 },
	}))
	ctx := context.Background()
	e.Tick(ctx)
	if v := e.Tick(ctx)["Wastegate"].Value; v != 14 {
		t.Errorf("expected 14, got %v", v)
	}
}

func TestDuplicateModelRejected(t *testing.T) {
	defs := family(t, signal.FamilyGeneric)
	defs = append(defs, signal.Definition{
		Name: "Engine Speed", Model: "rpm", CANID: 0x400, LengthBits: 16,
		ScaleFactor: 1, Max: 8000, Active: true,
	})
	if _, err := New(defs); !errors.Is(err, signal.ErrDuplicateModel) {
		t.Errorf("expected ErrDuplicateModel, got %v", err)
	}
}

func TestTickEmitsFrames(t *testing.T) {
	defs := family(t, signal.FamilyGeneric)
	sink := &captureSink{}
	e := newEngine(t, defs, WithSink(sink))

	snap := e.Tick(context.Background())
	if len(sink.frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(sink.frames))
	}
	for i, id := range []uint32{0x200, 0x201, 0x202} {
		f := sink.frames[i]
		if f.ID != id || f.Length != 8 || f.IsExtended {
			t.Fatalf("frame %d: unexpected header %+v", i, f)
		}
		values, errs := codec.DisassembleFrame(f, defs)
		if len(errs) != 0 {
			t.Fatalf("frame %s: %v", signal.FormatCANID(id), errs)
		}
		for name, v := range values {
			var d signal.Definition
			for _, x := range defs {
				if x.Name == name {
					d = x
				}
			}
			if math.Abs(v-snap[name].Value) > d.ScaleFactor/2+1e-9 {
				t.Errorf("%s: frame carries %v, state is %v", name, v, snap[name].Value)
			}
		}
	}
}

func TestObserverSeesSnapshot(t *testing.T) {
	var got Snapshot
	e := newEngine(t, family(t, signal.FamilyGeneric), WithObserver(ObserverFunc(func(_ context.Context, s Snapshot) error {
		got = s
		return errors.New("display offline")
	})))
	want := e.Tick(context.Background())
	if got == nil || got["RPM"] != want["RPM"] {
		t.Errorf("observer snapshot mismatch: %+v vs %+v", got["RPM"], want["RPM"])
	}
}

func TestDecodedSignalsAreNotSimulated(t *testing.T) {
	defs := family(t, signal.FamilyGeneric)
	sink := &captureSink{}
	e := newEngine(t, defs, WithSink(sink))
	if err := e.SetSource("RPM", SourceDecoded); err != nil {
		t.Fatal(err)
	}
	seed(t, e, "RPM", 4000)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if v := e.Tick(ctx)["RPM"].Value; v != 4000 {
			t.Fatalf("tick %d overwrote decoded RPM: %v", i, v)
		}
	}
	// RPM keeps its decoded value in simulated frames: 4000 / 0.25 = 0x3E80.
	if f := sink.frames[len(sink.frames)-3]; f.ID != 0x200 || f.Data[0] != 0x3E || f.Data[1] != 0x80 {
		t.Errorf("simulated frame lost decoded RPM: % X", f.Data[:])
	}

	frame := codec.NewFrame(0x200)
	frame.Data[0], frame.Data[1] = 0x3E, 0x80
	frame.Data[2] = 0xFF // TPS, still simulated
	n, errs := e.ApplyFrame(ctx, frame)
	if n != 1 || len(errs) != 0 {
		t.Fatalf("expected one decoded signal, got %d (%v)", n, errs)
	}
	snap := e.Snapshot()
	if r := snap["RPM"]; r.Value != 4000 || r.Source != SourceDecoded {
		t.Errorf("RPM: unexpected %+v", r)
	}
	if snap["TPS"].Value > 100 {
		t.Errorf("decode path wrote a simulated signal")
	}

	frame.Data[0], frame.Data[1] = 0x1F, 0x40
	e.ApplyFrame(ctx, frame)
	if r := e.Snapshot()["RPM"]; r.Value != 2000 || r.Trend != trend.Down {
		t.Errorf("expected 2000 trending down, got %+v", r)
	}

	if err := e.SetSource("Nope", SourceDecoded); !errors.Is(err, signal.ErrUnknownSignal) {
		t.Errorf("expected ErrUnknownSignal, got %v", err)
	}
}

func TestLoopedBackFrameKeepsDecodedValue(t *testing.T) {
	defs := family(t, signal.FamilyGeneric)
	sink := &captureSink{}
	e := newEngine(t, defs, WithSink(sink))
	if err := e.SetSource("TPS", SourceDecoded); err != nil {
		t.Fatal(err)
	}

	var tps signal.Definition
	for _, d := range defs {
		if d.Name == "TPS" {
			tps = d
		}
	}
	ecu := codec.NewFrame(0x200)
	if err := codec.Encode(&ecu.Data, tps, 60); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if n, _ := e.ApplyFrame(ctx, ecu); n != 1 {
		t.Fatalf("expected TPS decoded, got %d", n)
	}

	e.Tick(ctx)
	var echo can.Frame
	for _, f := range sink.frames {
		if f.ID == 0x200 {
			echo = f
		}
	}
	if echo.ID != 0x200 {
		t.Fatal("no frame emitted on 0x200")
	}
	if v, err := codec.Decode(echo.Data, tps); err != nil || v != 60 {
		t.Errorf("emitted TPS = %v (%v), want 60", v, err)
	}

	e.ApplyFrame(ctx, echo)
	if v := e.Snapshot()["TPS"].Value; v != 60 {
		t.Errorf("loopback overwrote TPS: %v", v)
	}
}

func TestAllDecodedIDIsNotEmitted(t *testing.T) {
	sink := &captureSink{}
	e := newEngine(t, family(t, signal.FamilyGeneric), WithSink(sink))
	for _, name := range []string{"Fuel Level", "Lambda", "Battery", "IAT"} {
		if err := e.SetSource(name, SourceDecoded); err != nil {
			t.Fatal(err)
		}
	}
	e.Tick(context.Background())
	for _, f := range sink.frames {
		if f.ID == 0x202 {
			t.Errorf("frame 0x202 carries only decoded signals and was emitted")
		}
	}
}

func TestApplyFrameShortFrame(t *testing.T) {
	e := newEngine(t, family(t, signal.FamilyGeneric))
	e.SetSourceAll(SourceDecoded)
	frame := codec.NewFrame(0x202)
	frame.Length = 2
	frame.Data[0] = 100 // Fuel Level 50%
	n, errs := e.ApplyFrame(context.Background(), frame)
	if n != 1 {
		t.Errorf("expected Fuel Level only, got %d", n)
	}
	for _, se := range errs {
		if !errors.Is(se, codec.ErrShortFrame) {
			t.Errorf("unexpected error %v", se)
		}
	}
	if len(errs) != 3 {
		t.Errorf("expected 3 short-frame errors, got %d", len(errs))
	}
	if v := e.Snapshot()["Fuel Level"].Value; v != 50 {
		t.Errorf("expected 50, got %v", v)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	sink := &captureSink{}
	e := newEngine(t, family(t, signal.FamilyGeneric), WithSink(sink))
	ctx := context.Background()

	if err := e.Start(ctx, 50*time.Millisecond); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	if err := e.Start(ctx, MinInterval); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(ctx, MaxInterval); err != nil {
		t.Fatal(err)
	}
	if !e.Running() {
		t.Fatal("expected engine to be running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 6 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if sink.count() < 6 {
		t.Fatalf("second Start replaced the 100ms timer: %d frames", sink.count())
	}

	e.Stop()
	e.Stop()
	if e.Running() {
		t.Fatal("expected engine to be stopped")
	}
	n := sink.count()
	time.Sleep(3 * MinInterval)
	if sink.count() != n {
		t.Errorf("ticks fired after Stop: %d -> %d", n, sink.count())
	}
}

func TestStartStopsWithContext(t *testing.T) {
	e := newEngine(t, family(t, signal.FamilyGeneric))
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx, MinInterval); err != nil {
		t.Fatal(err)
	}
	done := e.Done()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on context cancel")
	}
	if e.Running() {
		t.Error("expected engine to report stopped")
	}
	e.Stop()
}

func TestReloadReseeds(t *testing.T) {
	e := newEngine(t, family(t, signal.FamilyGeneric))
	seed(t, e, "RPM", 5000)
	e.Tick(context.Background())

	if err := e.Reload(family(t, signal.FamilyTurbo)); err != nil {
		t.Fatal(err)
	}
	snap := e.Snapshot()
	if snap["RPM"].Value != 0 || e.Ticks() != 0 {
		t.Errorf("expected fresh state, got rpm=%v ticks=%d", snap["RPM"].Value, e.Ticks())
	}
	if _, ok := snap["Boost Pressure"]; !ok {
		t.Error("expected turbo signals after reload")
	}
}
