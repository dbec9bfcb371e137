package sim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pflow-xyz/go-outbreak/dist"
	"github.com/pflow-xyz/go-outbreak/model"
)

// obsDist builds the observation distribution for one stream by evaluating
// its parameter expressions against the given environment.
func obsDist(co *model.CompiledObservation, env map[string]float64) (dist.Distribution, error) {
	p1, err := co.P1.Eval(env)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", co.Stream, err)
	}
	var p2 float64
	if co.P2 != nil {
		p2, err = co.P2.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", co.Stream, err)
		}
	}

	switch co.Family {
	case model.ObsUniform:
		return dist.Uniform{Lo: p1, Hi: p2}, nil
	case model.ObsPoisson:
		return dist.Poisson{Mean: math.Max(p1, 0)}, nil
	case model.ObsBinomial:
		return dist.Binomial{N: math.Max(p1, 0), P: clamp01(p2)}, nil
	}
	return nil, fmt.Errorf("stream %s: unknown family %q", co.Stream, co.Family)
}

// Observe draws one value per configured observation stream given the
// simulated state at time t. Used for generative forecasting.
func Observe(m *model.Model, params, state, aux map[string]float64, t float64, rng *rand.Rand) (map[string]float64, error) {
	env, err := buildEnv(m, params, state, aux)
	if err != nil {
		return nil, err
	}
	env["t"] = t

	out := make(map[string]float64, len(m.Obs))
	for i := range m.Obs {
		co := &m.Obs[i]
		d, err := obsDist(co, env)
		if err != nil {
			return nil, err
		}
		out[co.Stream] = d.Sample(rng)
	}
	return out, nil
}

// LogObsDensity evaluates the joint observation log-density of the observed
// stream values given the simulated state at time t. Streams absent from
// obs are skipped. Used by the particle filter for likelihood weighting.
// Returns -Inf when any observed value is impossible under the process.
func LogObsDensity(m *model.Model, params, state, aux map[string]float64, t float64, obs map[string]float64) (float64, error) {
	env, err := buildEnv(m, params, state, aux)
	if err != nil {
		return 0, err
	}
	env["t"] = t

	total := 0.0
	for i := range m.Obs {
		co := &m.Obs[i]
		y, ok := obs[co.Stream]
		if !ok {
			continue
		}
		d, err := obsDist(co, env)
		if err != nil {
			return 0, err
		}
		lp := d.LogDensity(y)
		if math.IsInf(lp, -1) {
			return math.Inf(-1), nil
		}
		total += lp
	}
	return total, nil
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
