package sim

// PID is a discrete controller with a clamped integral. When the output
// saturates the integral is back-calculated so it does not wind up.
type PID struct {
	Kp, Ki, Kd    float64
	IntegralLimit float64
	Min, Max      float64

	integral  float64
	prevError float64
	primed    bool
}

func (p *PID) Reset() {
	p.integral = 0
	p.prevError = 0
	p.primed = false
}

// Update returns the control output for one step of dt seconds.
func (p *PID) Update(setpoint, measured, dt float64) float64 {
	err := setpoint - measured

	p.integral += err * dt
	if p.IntegralLimit > 0 {
		if p.integral > p.IntegralLimit {
			p.integral = p.IntegralLimit
		} else if p.integral < -p.IntegralLimit {
			p.integral = -p.IntegralLimit
		}
	}

	// No derivative on the first step.
	var d float64
	if p.primed && dt > 0 {
		d = p.Kd * (err - p.prevError) / dt
	}
	p.prevError = err
	p.primed = true

	prop := p.Kp * err
	out := prop + p.Ki*p.integral + d
	switch {
	case out > p.Max:
		out = p.Max
	case out < p.Min:
		out = p.Min
	default:
		return out
	}
	if p.Ki != 0 {
		p.integral = (out - prop - d) / p.Ki
	}
	return out
}

// Error is the error seen by the last Update.
func (p *PID) Error() float64 { return p.prevError }

func (p *PID) Integral() float64 { return p.integral }
