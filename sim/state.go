package sim

import (
	"fmt"
	"strings"
	"time"

	"can-telemetry-core/signal"
	"can-telemetry-core/trend"
)

// Source says who owns a signal's value.
type Source int

const (
	SourceSimulated Source = iota
	SourceDecoded
)

func (s Source) String() string {
	switch s {
	case SourceSimulated:
		return "simulated"
	case SourceDecoded:
		return "decoded"
	default:
		return "unknown"
	}
}

func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simulated", "sim", "":
		return SourceSimulated, nil
	case "decoded", "bus", "can":
		return SourceDecoded, nil
	}
	return 0, fmt.Errorf("unknown value source %q", s)
}

// State is the live value of one active signal. Only the engine mutates it.
type State struct {
	Def       signal.Definition
	Value     float64
	Trend     trend.Trend
	Source    Source
	UpdatedAt time.Time
}

func newState(def signal.Definition) *State {
	return &State{Def: def, Value: def.Clamp(def.Min), Trend: trend.Stable}
}

// set clamps v, classifies it against the current value and stores it.
func (s *State) set(v float64, now time.Time) {
	v = s.Def.Clamp(v)
	s.Trend = trend.Classify(s.Value, v)
	s.Value = v
	s.UpdatedAt = now
}

func (s *State) reading() Reading {
	return Reading{
		Value:         s.Value,
		Trend:         s.Trend,
		Unit:          s.Def.Unit,
		DecimalPlaces: s.Def.DecimalPlaces,
		Source:        s.Source,
		UpdatedAt:     s.UpdatedAt,
	}
}

// Reading is the copy of a State handed to display and telemetry consumers.
type Reading struct {
	Value         float64     `json:"value"`
	Trend         trend.Trend `json:"trend"`
	Unit          string      `json:"unit"`
	DecimalPlaces int         `json:"decimal_places"`
	Source        Source      `json:"source"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Text renders the value with the signal's decimal places.
func (r Reading) Text() string {
	return fmt.Sprintf("%.*f", r.DecimalPlaces, r.Value)
}

// Snapshot maps signal name to its reading at a tick boundary.
type Snapshot map[string]Reading

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
