package sim

import (
	"math"
	"math/rand"

	"can-telemetry-core/signal"
)

// Env is what an update rule sees: the values of every other signal keyed by
// model, already updated for rules earlier in the evaluation order.
type Env struct {
	values map[string]float64
	rng    *rand.Rand
}

// Lookup returns a dependency's current value. ok is false when no active
// signal carries that model.
func (e *Env) Lookup(model string) (v float64, ok bool) {
	v, ok = e.values[model]
	return v, ok
}

func (e *Env) Uniform(lo, hi float64) float64 {
	return lo + e.rng.Float64()*(hi-lo)
}

// Walk moves prev by a uniform step in [-step, +step].
func (e *Env) Walk(prev, step float64) float64 {
	return prev + e.Uniform(-step, step)
}

// UpdateFunc computes a signal's next value before clamping.
type UpdateFunc func(env *Env, def signal.Definition, prev float64) float64

// Rule binds an update function to a model key. After names the models
// whose same-tick value the rule reads.
type Rule struct {
	Model  string
	After  []string
	Update UpdateFunc
}

const (
	idleRPM         = 850
	rpmPerTPS       = 70
	rpmSmoothing    = 0.1
	rpmWalk         = 100
	tpsWalk         = 5
	ectTarget       = 90
	ectRamp         = 0.5
	fuelBurn        = 0.1
	fuelBurnTPS     = 20
	boostRamp       = 0.1
	boostDecay      = 0.9
	boostTPS        = 80
	boostRPM        = 3000
	rpmPerGear      = 1300
	maxGear         = 6
	speedRPMDivisor = 8000
	walkFraction    = 0.05
)

// gearRatios maps gear to km/h at speedRPMDivisor rpm.
var gearRatios = [maxGear + 1]float64{0, 50, 90, 130, 170, 210, 250}

// canonicalOrder breaks ties between rules with no dependency between them.
var canonicalOrder = []string{
	"tps", "rpm", "map", "ect", "coolant_temp", "fuel_level", "battery",
	"lambda", "oil_pressure", "boost_pressure", "gear", "speed",
}

// BuiltinRules returns the stock behavior models.
func BuiltinRules() []Rule {
	return []Rule{
		{Model: "tps", Update: func(env *Env, _ signal.Definition, prev float64) float64 {
			return env.Walk(prev, tpsWalk)
		}},
		{Model: "rpm", After: []string{"tps"}, Update: updateRPM},
		{Model: "map", After: []string{"tps"}, Update: func(env *Env, def signal.Definition, prev float64) float64 {
			tps, ok := env.Lookup("tps")
			if !ok {
				return genericWalk(env, def, prev)
			}
			return 35 + tps*2
		}},
		{Model: "ect", Update: updateCoolant},
		{Model: "coolant_temp", Update: updateCoolant},
		{Model: "fuel_level", After: []string{"tps"}, Update: func(env *Env, def signal.Definition, prev float64) float64 {
			tps, ok := env.Lookup("tps")
			if !ok {
				return genericWalk(env, def, prev)
			}
			if tps > fuelBurnTPS {
				return prev - fuelBurn
			}
			return prev
		}},
		{Model: "battery", Update: func(env *Env, _ signal.Definition, _ float64) float64 {
			return env.Uniform(13.5, 14.0)
		}},
		{Model: "lambda", Update: func(env *Env, _ signal.Definition, _ float64) float64 {
			return env.Uniform(0.95, 1.05)
		}},
		{Model: "oil_pressure", After: []string{"rpm"}, Update: func(env *Env, def signal.Definition, prev float64) float64 {
			rpm, ok := env.Lookup("rpm")
			if !ok {
				return genericWalk(env, def, prev)
			}
			return 1 + rpm/2000
		}},
		{Model: "boost_pressure", After: []string{"tps", "rpm"}, Update: updateBoost},
		{Model: "gear", After: []string{"rpm"}, Update: func(env *Env, def signal.Definition, prev float64) float64 {
			rpm, ok := env.Lookup("rpm")
			if !ok {
				return genericWalk(env, def, prev)
			}
			return float64(gearFor(rpm))
		}},
		{Model: "speed", After: []string{"rpm", "gear"}, Update: updateSpeed},
	}
}

func updateRPM(env *Env, _ signal.Definition, prev float64) float64 {
	tps, ok := env.Lookup("tps")
	if !ok {
		return env.Walk(prev, rpmWalk)
	}
	target := idleRPM + tps*rpmPerTPS
	return prev + (target-prev)*rpmSmoothing
}

func updateCoolant(env *Env, _ signal.Definition, prev float64) float64 {
	if prev < ectTarget {
		return prev + ectRamp
	}
	return env.Walk(ectTarget, 1)
}

func updateBoost(env *Env, def signal.Definition, prev float64) float64 {
	tps, okT := env.Lookup("tps")
	rpm, okR := env.Lookup("rpm")
	if !okT || !okR {
		return genericWalk(env, def, prev)
	}
	if tps > boostTPS && rpm > boostRPM {
		return prev + boostRamp
	}
	return prev * boostDecay
}

func updateSpeed(env *Env, def signal.Definition, prev float64) float64 {
	rpm, ok := env.Lookup("rpm")
	if !ok {
		return genericWalk(env, def, prev)
	}
	gear := gearFor(rpm)
	if g, ok := env.Lookup("gear"); ok {
		gear = clampGear(int(g))
	}
	return rpm / speedRPMDivisor * gearRatios[gear]
}

func gearFor(rpm float64) int {
	return clampGear(int(math.Floor(rpm / rpmPerGear)))
}

func clampGear(g int) int {
	if g < 0 {
		return 0
	}
	if g > maxGear {
		return maxGear
	}
	return g
}

// genericWalk is the behavior of any signal without a dedicated rule, and
// the fallback when a rule's dependency is missing.
func genericWalk(env *Env, def signal.Definition, prev float64) float64 {
	return env.Walk(prev, def.Range()*walkFraction)
}
