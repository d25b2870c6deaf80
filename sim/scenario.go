package sim

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Scenario scripts a simulation run: initial values plus time segments that
// pin named signals while they are active.
type Scenario struct {
	Meta     ScenarioMeta       `json:"meta"`
	Timing   ScenarioTiming     `json:"timing"`
	Initial  map[string]float64 `json:"initial,omitempty"`
	Segments []ScenarioSegment  `json:"segments"`
	Cruise   *CruiseConfig      `json:"cruise,omitempty"`
}

// CruiseConfig closes a loop inside the simulation: every tick a PID drives
// the Actuate signal so that Measure tracks SetPoint.
type CruiseConfig struct {
	Measure       string  `json:"measure"`
	Actuate       string  `json:"actuate"`
	SetPoint      float64 `json:"setpoint"`
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	IntegralLimit float64 `json:"integral_limit"`
}

type ScenarioMeta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
	Family      string `json:"family,omitempty"`
}

type ScenarioTiming struct {
	TickMS    int     `json:"tick_ms,omitempty"`
	DurationS float64 `json:"duration_s"` // 0 runs until stopped
}

// ScenarioSegment overrides Values for t in [T0, T1). A negative T1 runs to
// the end of the scenario.
type ScenarioSegment struct {
	T0       float64            `json:"t0"`
	T1       float64            `json:"t1"`
	Values   map[string]float64 `json:"values"`
	SetPoint *float64           `json:"setpoint,omitempty"` // cruise setpoint while active
	Comment  string             `json:"comment,omitempty"`
}

func LoadScenario(path string) (Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read file: %w", err)
	}
	defer f.Close()
	return ParseScenario(f)
}

func ParseScenario(r io.Reader) (Scenario, error) {
	var scen Scenario
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&scen); err != nil {
		return Scenario{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := scen.Validate(); err != nil {
		return Scenario{}, err
	}
	return scen, nil
}

func (s *Scenario) Validate() error {
	if s.Timing.DurationS < 0 {
		return fmt.Errorf("invalid duration_s: %f", s.Timing.DurationS)
	}
	if s.Timing.TickMS != 0 {
		if err := CheckInterval(s.TickInterval()); err != nil {
			return err
		}
	}
	if c := s.Cruise; c != nil {
		if c.Measure == "" || c.Actuate == "" {
			return fmt.Errorf("cruise: measure and actuate are required")
		}
		if c.Measure == c.Actuate {
			return fmt.Errorf("cruise: %s cannot drive itself", c.Measure)
		}
		if c.Kp == 0 && c.Ki == 0 && c.Kd == 0 {
			return fmt.Errorf("cruise: all gains are zero")
		}
	}
	for i, seg := range s.Segments {
		if seg.T0 < 0 {
			return fmt.Errorf("segment %d: invalid t0: %f", i, seg.T0)
		}
		if seg.T1 >= 0 && seg.T1 <= seg.T0 {
			return fmt.Errorf("segment %d: t1 %f must be after t0 %f", i, seg.T1, seg.T0)
		}
	}
	return nil
}

// TickInterval is zero when the scenario leaves the interval to the caller.
func (s *Scenario) TickInterval() time.Duration {
	return time.Duration(s.Timing.TickMS) * time.Millisecond
}

func (s *Scenario) Duration() time.Duration {
	return time.Duration(s.Timing.DurationS * float64(time.Second))
}

// Overrides returns the values pinned at t seconds by the first segment
// covering t, or nil.
func (s *Scenario) Overrides(t float64) map[string]float64 {
	if seg := s.segmentAt(t); seg != nil {
		return seg.Values
	}
	return nil
}

// SetPointAt returns the cruise setpoint in force at t seconds.
func (s *Scenario) SetPointAt(t float64) float64 {
	if seg := s.segmentAt(t); seg != nil && seg.SetPoint != nil {
		return *seg.SetPoint
	}
	if s.Cruise != nil {
		return s.Cruise.SetPoint
	}
	return 0
}

func (s *Scenario) segmentAt(t float64) *ScenarioSegment {
	for i := range s.Segments {
		seg := &s.Segments[i]
		t1 := seg.T1
		if t1 < 0 {
			if s.Timing.DurationS <= 0 {
				t1 = t + 1
			} else {
				t1 = s.Timing.DurationS
			}
		}
		if t >= seg.T0 && t < t1 {
			return seg
		}
	}
	return nil
}

// Names lists every signal the scenario refers to.
func (s *Scenario) Names() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(m map[string]float64) {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	add(s.Initial)
	for _, seg := range s.Segments {
		add(seg.Values)
	}
	if c := s.Cruise; c != nil {
		add(map[string]float64{c.Measure: 0, c.Actuate: 0})
	}
	return out
}
