package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.einride.tech/can"

	"can-telemetry-core/codec"
	"can-telemetry-core/monitor"
	"can-telemetry-core/signal"
	"can-telemetry-core/utils"
)

const (
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = 5 * time.Second
	DefaultInterval = 500 * time.Millisecond
)

var ErrInvalidInterval = errors.New("tick interval out of range")

// FrameSink receives every frame a tick assembles.
type FrameSink interface {
	SendFrame(ctx context.Context, frame can.Frame) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(ctx context.Context, frame can.Frame) error

func (f FrameSinkFunc) SendFrame(ctx context.Context, frame can.Frame) error { return f(ctx, frame) }

// Observer is notified with a snapshot after every tick and decoded frame.
type Observer interface {
	Observe(ctx context.Context, snap Snapshot) error
}

type ObserverFunc func(ctx context.Context, snap Snapshot) error

func (f ObserverFunc) Observe(ctx context.Context, snap Snapshot) error { return f(ctx, snap) }

type Option func(*Engine)

func WithSink(s FrameSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

func WithScenario(s *Scenario) Option {
	return func(e *Engine) { e.scenario = s }
}

func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithRules adds or replaces behavior models.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) {
		for _, r := range rules {
			e.rules[r.Model] = r
		}
	}
}

// Engine owns the state table of the active signals and advances it once
// per tick. Ticks and decoded frames are serialized on one mutex.
type Engine struct {
	mu       sync.Mutex
	states   map[string]*State // by signal name
	byModel  map[string]string // model key -> signal name
	order    []string          // signal names in evaluation order
	ids      []uint32
	groups   map[uint32][]signal.Definition
	rules    map[string]Rule
	rng      *rand.Rand
	scenario *Scenario
	cruise   *PID
	interval time.Duration
	ticks    uint64

	sinks     []FrameSink
	observers []Observer
	log       logrus.FieldLogger
	metrics   *monitor.Metrics

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine over the active definitions in defs, each seeded at
// its minimum value.
func New(defs []signal.Definition, opts ...Option) (*Engine, error) {
	e := &Engine{
		rules:    make(map[string]Rule),
		interval: DefaultInterval,
		log:      utils.Discard(),
	}
	for _, r := range BuiltinRules() {
		e.rules[r.Model] = r
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if err := CheckInterval(e.interval); err != nil {
		return nil, err
	}
	if err := e.load(defs); err != nil {
		return nil, err
	}
	if e.scenario != nil {
		e.applyInitial()
	}
	return e, nil
}

func modelKey(def signal.Definition) string {
	if def.Model != "" {
		return def.Model
	}
	return def.Name
}

func (e *Engine) load(defs []signal.Definition) error {
	states := make(map[string]*State)
	byModel := make(map[string]string)
	var models []string
	var active []signal.Definition

	for _, def := range defs {
		if !def.Active {
			continue
		}
		if _, dup := states[def.Name]; dup {
			return fmt.Errorf("%w: %q", signal.ErrDuplicateSignal, def.Name)
		}
		key := modelKey(def)
		if other, dup := byModel[key]; dup {
			return fmt.Errorf("%w: %q used by %q and %q", signal.ErrDuplicateModel, key, other, def.Name)
		}
		states[def.Name] = newState(def)
		byModel[key] = def.Name
		models = append(models, key)
		active = append(active, def)
	}

	ordered, err := Order(models, e.rules)
	if err != nil {
		return err
	}
	order := make([]string, len(ordered))
	for i, m := range ordered {
		order[i] = byModel[m]
	}

	ids, groups := codec.GroupByCANID(active)

	e.states = states
	e.byModel = byModel
	e.order = order
	e.ids = ids
	e.groups = groups
	e.metrics.SetActive(len(states))
	return nil
}

func (e *Engine) applyInitial() {
	now := time.Now()
	for name, v := range e.scenario.Initial {
		if st, ok := e.states[name]; ok {
			st.Value = st.Def.Clamp(v)
			st.UpdatedAt = now
		}
	}
	names := e.scenario.Names()
	sort.Strings(names)
	for _, name := range names {
		if _, ok := e.states[name]; !ok {
			e.log.Warnf("scenario %q refers to unknown signal %q", e.scenario.Meta.Name, name)
		}
	}

	e.cruise = nil
	if c := e.scenario.Cruise; c != nil {
		act, okA := e.states[c.Actuate]
		_, okM := e.states[c.Measure]
		if !okA || !okM {
			e.log.Warnf("cruise disabled: %s or %s is not an active signal", c.Measure, c.Actuate)
			return
		}
		e.cruise = &PID{
			Kp:            c.Kp,
			Ki:            c.Ki,
			Kd:            c.Kd,
			IntegralLimit: c.IntegralLimit,
			Min:           act.Def.Min,
			Max:           act.Def.Max,
		}
		e.log.Infof("cruise: %s drives %s toward %g", c.Actuate, c.Measure, c.SetPoint)
	}
}

// cruiseOverride adds the controller output for the actuator unless a
// segment already pins it.
func (e *Engine) cruiseOverride(t float64, overrides map[string]float64) map[string]float64 {
	c := e.scenario.Cruise
	if _, pinned := overrides[c.Actuate]; pinned {
		return overrides
	}
	measured := e.states[c.Measure].Value
	out := e.cruise.Update(e.scenario.SetPointAt(t), measured, e.interval.Seconds())

	merged := make(map[string]float64, len(overrides)+1)
	for k, v := range overrides {
		merged[k] = v
	}
	merged[c.Actuate] = out
	return merged
}

// Reload replaces the signal set. Every state is dropped and reseeded.
func (e *Engine) Reload(defs []signal.Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.load(defs); err != nil {
		return err
	}
	e.ticks = 0
	if e.scenario != nil {
		e.applyInitial()
	}
	return nil
}

// CheckInterval reports whether d is an acceptable tick interval.
func CheckInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return fmt.Errorf("%w: %v not in [%v, %v]", ErrInvalidInterval, d, MinInterval, MaxInterval)
	}
	return nil
}

// Start runs the tick loop on its own goroutine until Stop or ctx is done.
// Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context, interval time.Duration) error {
	if err := CheckInterval(interval); err != nil {
		return err
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.runningLocked() {
		return nil
	}

	e.mu.Lock()
	e.interval = interval
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	go e.loop(loopCtx, interval, done)
	e.log.Infof("simulation started: interval=%v signals=%d", interval, e.Len())
	return nil
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Stop may have raced the ticker.
			if ctx.Err() != nil {
				return
			}
			e.Tick(ctx)
		}
	}
}

// Stop halts the tick loop and waits for it to exit. No tick fires after
// Stop returns. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
	e.log.Info("simulation stopped")
}

// Done is closed when the current tick loop exits. It is nil while stopped.
func (e *Engine) Done() <-chan struct{} {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.done
}

func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.runningLocked()
}

func (e *Engine) runningLocked() bool {
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Tick advances every simulated signal once, emits the resulting frames and
// returns the snapshot taken at the end of the tick.
func (e *Engine) Tick(ctx context.Context) Snapshot {
	began := time.Now()

	e.mu.Lock()
	frames := e.advance(began)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	for _, frame := range frames {
		for _, sink := range e.sinks {
			if err := sink.SendFrame(ctx, frame); err != nil {
				e.metrics.SinkError()
				e.log.WithError(err).Warnf("send frame %s", signal.FormatCANID(frame.ID))
				continue
			}
			e.metrics.FrameEmitted(frame.ID)
		}
		e.log.Debugf("TX id=%s data=%s", signal.FormatCANID(frame.ID), codec.FormatData(frame))
	}
	e.notify(ctx, snap)

	e.metrics.ObserveTick(time.Since(began))
	return snap
}

func (e *Engine) advance(now time.Time) []can.Frame {
	var overrides map[string]float64
	if e.scenario != nil {
		t := (time.Duration(e.ticks) * e.interval).Seconds()
		overrides = e.scenario.Overrides(t)
		if e.cruise != nil {
			overrides = e.cruiseOverride(t, overrides)
		}
	}
	e.ticks++

	env := &Env{values: make(map[string]float64, len(e.states)), rng: e.rng}
	for _, st := range e.states {
		env.values[modelKey(st.Def)] = st.Value
	}

	for _, name := range e.order {
		st := e.states[name]
		if st.Source != SourceSimulated {
			continue
		}
		var next float64
		if v, ok := overrides[name]; ok {
			next = v
		} else if rule, ok := e.rules[modelKey(st.Def)]; ok {
			next = rule.Update(env, st.Def, st.Value)
		} else {
			next = genericWalk(env, st.Def, st.Value)
		}
		st.set(next, now)
		env.values[modelKey(st.Def)] = st.Value
	}

	// Decoded signals ride along with their last received value so a frame
	// looped back onto the bus does not clobber them.
	var frames []can.Frame
	for _, id := range e.ids {
		simulated := false
		values := make(map[string]float64, len(e.groups[id]))
		for _, def := range e.groups[id] {
			st := e.states[def.Name]
			if st.Source == SourceSimulated {
				simulated = true
			}
			values[def.Name] = st.Value
		}
		if !simulated {
			continue
		}
		asm := codec.AssembleFrame(id, e.groups[id], values)
		for _, se := range asm.Skipped {
			e.metrics.CodecError(se.Signal, codec.Reason(se))
			e.log.WithField("signal", se.Signal).Warnf("skipped in frame: %v", se)
		}
		frames = append(frames, asm.Frame)
	}
	return frames
}

// ApplyFrame decodes a received frame into the signals whose source is
// SourceDecoded and returns how many were updated.
func (e *Engine) ApplyFrame(ctx context.Context, frame can.Frame) (int, []*codec.SignalError) {
	e.mu.Lock()
	var defs []signal.Definition
	for _, def := range e.groups[frame.ID] {
		if e.states[def.Name].Source == SourceDecoded {
			defs = append(defs, def)
		}
	}
	if len(defs) == 0 {
		e.mu.Unlock()
		return 0, nil
	}

	values, errs := codec.DisassembleFrame(frame, defs)
	now := time.Now()
	for name, v := range values {
		e.states[name].set(v, now)
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.metrics.FrameDecoded(frame.ID)
	for _, se := range errs {
		e.metrics.CodecError(se.Signal, codec.Reason(se))
		e.log.WithField("signal", se.Signal).Warnf("decode: %v", se)
	}
	e.notify(ctx, snap)
	return len(values), errs
}

func (e *Engine) notify(ctx context.Context, snap Snapshot) {
	for _, o := range e.observers {
		if err := o.Observe(ctx, snap); err != nil {
			e.metrics.SinkError()
			e.log.WithError(err).Warn("observer rejected snapshot")
		}
	}
}

// SetSource picks the single value source for a signal.
func (e *Engine) SetSource(name string, src Source) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[name]
	if !ok {
		return fmt.Errorf("%w: %q", signal.ErrUnknownSignal, name)
	}
	st.Source = src
	return nil
}

func (e *Engine) SetSourceAll(src Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		st.Source = src
	}
}

// Seed overwrites a signal's current value, clamped, without touching its
// trend.
func (e *Engine) Seed(name string, v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[name]
	if !ok {
		return fmt.Errorf("%w: %q", signal.ErrUnknownSignal, name)
	}
	st.Value = st.Def.Clamp(v)
	st.UpdatedAt = time.Now()
	return nil
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := make(Snapshot, len(e.states))
	for name, st := range e.states {
		snap[name] = st.reading()
	}
	return snap
}

// EvaluationOrder returns the signal names in the order rules run.
func (e *Engine) EvaluationOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

// Ticks counts ticks since New or the last Reload.
func (e *Engine) Ticks() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks
}
