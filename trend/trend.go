package trend

// Trend is the direction a value moved between two samples.
type Trend int

const (
	Stable Trend = iota
	Up
	Down
)

func (t Trend) String() string {
	switch t {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "stable"
	}
}

// Classify compares two clamped samples.
func Classify(previous, current float64) Trend {
	switch {
	case current > previous:
		return Up
	case current < previous:
		return Down
	default:
		return Stable
	}
}

func (t Trend) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
