// Package pfilter implements a bootstrap particle filter over a compiled
// model's latent state. Given a parameter vector and an ordered table of
// noisy observations, it returns an unbiased estimate of the marginal
// log-likelihood, obtained by propagating a particle population between
// observation times and reweighting by the observation-process density.
package pfilter

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pflow-xyz/go-outbreak/model"
	"github.com/pflow-xyz/go-outbreak/sim"
)

var (
	ErrEmptyTable   = errors.New("pfilter: empty observation table")
	ErrRaggedTable  = errors.New("pfilter: observation streams must match the time column length")
	ErrBadTimeOrder = errors.New("pfilter: observation times must be strictly ascending")
	ErrNoParticles  = errors.New("pfilter: particle count must be positive")
	ErrNoObsProcess = errors.New("pfilter: model has no observation process")
)

// Table is an ordered sequence of observations: a time column plus one or
// more observed-stream columns aligned with it.
type Table struct {
	Times   []float64
	Streams map[string][]float64
}

// Validate checks table shape and time ordering.
func (tb *Table) Validate() error {
	if len(tb.Times) == 0 || len(tb.Streams) == 0 {
		return ErrEmptyTable
	}
	for name, col := range tb.Streams {
		if len(col) != len(tb.Times) {
			return fmt.Errorf("%w: stream %s has %d rows, times has %d",
				ErrRaggedTable, name, len(col), len(tb.Times))
		}
	}
	for i := 1; i < len(tb.Times); i++ {
		if tb.Times[i] <= tb.Times[i-1] {
			return fmt.Errorf("%w: t[%d]=%g after t[%d]=%g",
				ErrBadTimeOrder, i, tb.Times[i], i-1, tb.Times[i-1])
		}
	}
	return nil
}

// Row returns the observed values at step k as a stream-keyed map.
func (tb *Table) Row(k int) map[string]float64 {
	row := make(map[string]float64, len(tb.Streams))
	for name, col := range tb.Streams {
		row[name] = col[k]
	}
	return row
}

// Options configures a filter run.
type Options struct {
	// Workers bounds parallel particle propagation. 0 means sequential.
	Workers int
	// Seed derives the per-particle RNG substreams. Results are
	// deterministic in Seed regardless of Workers.
	Seed int64
	// StartTime is the propagation start for the first observation.
	StartTime float64
	// MaxEvents is passed through to the engine per propagation.
	MaxEvents int
	// Logger receives per-step diagnostics. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// DefaultOptions returns sequential, silent options.
func DefaultOptions() *Options {
	return &Options{Logger: zerolog.Nop()}
}

// WeightedState is one particle's latent state and normalized weight after
// the final observation step, before resampling.
type WeightedState struct {
	State  map[string]float64
	Aux    map[string]float64
	Weight float64
}

// Result is the outcome of one likelihood evaluation.
type Result struct {
	// LogLik is the accumulated marginal log-likelihood estimate. It is
	// -Inf when any step's weights were all zero (degenerate, not an error).
	LogLik float64
	// Final is the final weighted particle set, for state sampling by the
	// predictive simulator.
	Final []WeightedState
	// FinalTime is the last observation time.
	FinalTime float64
}

type particle struct {
	state map[string]float64
	aux   map[string]float64
}

// Run computes the marginal likelihood estimate of params against the
// observation table using n particles started at init.
func Run(m *model.Model, params map[string]float64, init map[string]float64, obs *Table, n int, opts *Options) (*Result, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if n <= 0 {
		return nil, ErrNoParticles
	}
	if len(m.Obs) == 0 {
		return nil, ErrNoObsProcess
	}
	if err := obs.Validate(); err != nil {
		return nil, err
	}

	particles := make([]particle, n)
	for i := range particles {
		particles[i] = particle{
			state: copyMap(init),
			aux:   make(map[string]float64, len(m.Aux)),
		}
	}

	logLik := 0.0
	logW := make([]float64, n)
	weights := make([]float64, n)
	tPrev := opts.StartTime

	for k, tObs := range obs.Times {
		row := obs.Row(k)

		// Propagate every particle independently to the observation time
		// and weight it by the observation density. Propagation never
		// rejects: no stop predicate.
		stepSeed := opts.Seed + int64(k)*1_000_003
		err := forEach(n, opts.Workers, func(i int) error {
			p := &particles[i]
			rng := rand.New(rand.NewSource(stepSeed + int64(i)))
			res, err := sim.Run(&sim.Problem{
				Model:   m,
				Params:  params,
				Init:    p.state,
				AuxInit: p.aux,
				Tspan:   [2]float64{tPrev, tObs},
			}, &sim.Options{NoStop: true, Rand: rng, MaxEvents: opts.MaxEvents})
			if err != nil {
				return err
			}
			p.state = res.State
			p.aux = res.Aux
			lp, err := sim.LogObsDensity(m, params, p.state, p.aux, tObs, row)
			if err != nil {
				return err
			}
			logW[i] = lp
			return nil
		})
		if err != nil {
			return nil, err
		}

		// logLik contribution: log of the mean particle weight.
		maxLW := math.Inf(-1)
		for _, lw := range logW {
			if lw > maxLW {
				maxLW = lw
			}
		}

		if math.IsInf(maxLW, -1) {
			// All weights exactly zero: degenerate step. Record -Inf and
			// carry the population forward unweighted.
			logLik = math.Inf(-1)
			opts.Logger.Debug().Int("step", k).Float64("t", tObs).
				Msg("particle filter step degenerate: all weights zero")
			tPrev = tObs
			continue
		}

		sumExp := 0.0
		for _, lw := range logW {
			sumExp += math.Exp(lw - maxLW)
		}
		logLik += maxLW + math.Log(sumExp) - math.Log(float64(n))

		// Normalize and resample with replacement for the next step.
		for i, lw := range logW {
			weights[i] = math.Exp(lw - maxLW)
		}
		normalize(weights)

		if k < len(obs.Times)-1 {
			rng := rand.New(rand.NewSource(opts.Seed ^ (int64(k+1) * 7_368_787)))
			particles = resampleSystematic(particles, weights, rng)
		}

		opts.Logger.Debug().Int("step", k).Float64("t", tObs).
			Float64("loglik", logLik).Msg("particle filter step")
		tPrev = tObs
	}

	final := make([]WeightedState, n)
	for i := range particles {
		final[i] = WeightedState{
			State:  particles[i].state,
			Aux:    particles[i].aux,
			Weight: weights[i],
		}
	}
	if math.IsInf(logLik, -1) {
		// Degenerate final step: uniform weights.
		for i := range final {
			final[i].Weight = 1 / float64(n)
		}
	}

	return &Result{LogLik: logLik, Final: final, FinalTime: tPrev}, nil
}

// SampleState draws one particle's latent state from the final weighted set,
// proportional to weight.
func SampleState(final []WeightedState, rng *rand.Rand) (map[string]float64, map[string]float64) {
	u := rng.Float64()
	acc := 0.0
	for i := range final {
		acc += final[i].Weight
		if u <= acc {
			return copyMap(final[i].State), copyMap(final[i].Aux)
		}
	}
	last := final[len(final)-1]
	return copyMap(last.State), copyMap(last.Aux)
}

// resampleSystematic draws n particles with replacement proportional to
// weight using a single uniform offset, which has lower variance than
// multinomial resampling.
func resampleSystematic(particles []particle, weights []float64, rng *rand.Rand) []particle {
	n := len(particles)
	out := make([]particle, n)
	step := 1.0 / float64(n)
	u := rng.Float64() * step
	acc := weights[0]
	j := 0
	for i := 0; i < n; i++ {
		for u > acc && j < n-1 {
			j++
			acc += weights[j]
		}
		out[i] = particle{
			state: copyMap(particles[j].state),
			aux:   copyMap(particles[j].aux),
		}
		u += step
	}
	return out
}

func normalize(w []float64) {
	total := 0.0
	for _, v := range w {
		total += v
	}
	if total <= 0 {
		uniform := 1 / float64(len(w))
		for i := range w {
			w[i] = uniform
		}
		return
	}
	for i := range w {
		w[i] /= total
	}
}

// forEach runs fn for each index, fanned out over a fixed worker pool when
// workers > 1. The first error wins.
func forEach(n, workers int, fn func(i int) error) error {
	if workers <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	work := make(chan int)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range work {
				if errs[w] != nil {
					continue
				}
				errs[w] = fn(i)
			}
		}(w)
	}
	for i := 0; i < n; i++ {
		work <- i
	}
	close(work)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ESS returns the effective sample size of a normalized weight vector.
func ESS(weights []float64) float64 {
	sumSq := 0.0
	for _, w := range weights {
		sumSq += w * w
	}
	if sumSq == 0 {
		return 0
	}
	return 1 / sumSq
}
