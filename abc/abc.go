// Package abc implements likelihood-free calibration by Approximate
// Bayesian Computation with Sequential Monte Carlo. A weighted population
// of parameter particles is evolved through a shrinking schedule of
// acceptance tolerances, with each candidate judged by the distance between
// simulated and observed summary statistics.
package abc

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pflow-xyz/go-outbreak/dist"
)

var (
	ErrNoParticles     = errors.New("abc: particle count must be positive")
	ErrNoSimulator     = errors.New("abc: Simulate function is required")
	ErrBadSchedule     = errors.New("abc: tolerance schedule invalid")
	ErrBudgetExhausted = errors.New("abc: attempt budget exhausted before reaching target particle count")
)

// Simulator produces the summary-statistic vector for one parameter draw.
// It wraps the engine: simulate, extract statistics, and compare. ok=false
// reports an early-rejected run (stop predicate fired), which counts as a
// failed attempt without a statistic.
type Simulator func(params map[string]float64, rng *rand.Rand) (stats []float64, ok bool)

// Config configures a sampler run.
type Config struct {
	Priors   *dist.PriorSet
	Simulate Simulator
	// Observed is the target summary-statistic vector.
	Observed []float64
	// Particles is the accepted-population size per generation.
	Particles int
	// Schedule is one tolerance vector per generation, each entry aligned
	// with Observed, non-increasing component-wise across generations.
	Schedule [][]float64
	// ESSMin stops the generation sequence early once the effective sample
	// size of a completed generation falls below it. 0 disables.
	ESSMin float64
	// MaxAttempts bounds simulation attempts per generation.
	// 0 means 10000 times the particle count.
	MaxAttempts int
	// Workers bounds parallel candidate evaluation. 0 means sequential.
	Workers int
	// Seed derives all RNG substreams. Results are deterministic in Seed
	// regardless of Workers.
	Seed int64
	// Logger receives per-generation diagnostics. Defaults to no-op.
	Logger zerolog.Logger
}

// Population is the serializable state of the sampler after a generation:
// accepted parameter vectors with normalized importance weights. It can be
// passed back to Resume to continue with a further tolerance schedule.
type Population struct {
	Names      []string    `json:"names"`
	Thetas     [][]float64 `json:"thetas"`
	Weights    []float64   `json:"weights"`
	Generation int         `json:"generation"`
	Tolerance  []float64   `json:"tolerance"`
	Seed       int64       `json:"seed"`
}

// GenStats is per-generation diagnostic output.
type GenStats struct {
	Generation int
	Tolerance  []float64
	Attempts   int
	ESS        float64
}

// Run evolves a fresh population through the full tolerance schedule.
func Run(cfg *Config) (*Population, []GenStats, error) {
	if err := validate(cfg); err != nil {
		return nil, nil, err
	}
	pop := &Population{
		Names: append([]string(nil), cfg.Priors.Names...),
		Seed:  cfg.Seed,
	}
	return resume(pop, cfg)
}

// Resume continues an existing population as the parent of the next
// generation, applying the tolerance vectors in cfg.Schedule in order.
func Resume(pop *Population, cfg *Config) (*Population, []GenStats, error) {
	if err := validate(cfg); err != nil {
		return nil, nil, err
	}
	if pop.Generation > 0 {
		if len(pop.Thetas) == 0 {
			return nil, nil, fmt.Errorf("%w: resumed population is empty", ErrBadSchedule)
		}
		// The non-increasing invariant spans the resumption boundary too:
		// the first new tolerance must not be looser than the stored one.
		if len(cfg.Schedule[0]) != len(pop.Tolerance) {
			return nil, nil, fmt.Errorf("%w: schedule has %d tolerances, stored population has %d",
				ErrBadSchedule, len(cfg.Schedule[0]), len(pop.Tolerance))
		}
		for j, tol := range cfg.Schedule[0] {
			if tol > pop.Tolerance[j] {
				return nil, nil, fmt.Errorf("%w: tolerance %d loosens from %g to %g across resume",
					ErrBadSchedule, j, pop.Tolerance[j], tol)
			}
		}
	}
	return resume(pop, cfg)
}

func validate(cfg *Config) error {
	if cfg.Particles <= 0 {
		return ErrNoParticles
	}
	if cfg.Simulate == nil {
		return ErrNoSimulator
	}
	if len(cfg.Schedule) == 0 {
		return fmt.Errorf("%w: empty schedule", ErrBadSchedule)
	}
	for g, tol := range cfg.Schedule {
		if len(tol) != len(cfg.Observed) {
			return fmt.Errorf("%w: generation %d has %d tolerances for %d statistics",
				ErrBadSchedule, g+1, len(tol), len(cfg.Observed))
		}
		if g > 0 {
			for j := range tol {
				if tol[j] > cfg.Schedule[g-1][j] {
					return fmt.Errorf("%w: tolerance %d increases at generation %d",
						ErrBadSchedule, j, g+1)
				}
			}
		}
	}
	return nil
}

func resume(pop *Population, cfg *Config) (*Population, []GenStats, error) {
	var diags []GenStats
	for _, tol := range cfg.Schedule {
		next, attempts, err := generation(pop, tol, cfg)
		if err != nil {
			return pop, diags, err
		}
		pop = next
		ess := ESS(pop.Weights)
		diags = append(diags, GenStats{
			Generation: pop.Generation,
			Tolerance:  append([]float64(nil), tol...),
			Attempts:   attempts,
			ESS:        ess,
		})
		cfg.Logger.Info().Int("generation", pop.Generation).
			Floats64("tolerance", tol).Int("attempts", attempts).
			Float64("ess", ess).Msg("abc generation complete")

		if cfg.ESSMin > 0 && ess < cfg.ESSMin {
			cfg.Logger.Info().Float64("ess", ess).Float64("ess_min", cfg.ESSMin).
				Msg("abc stopping early: population degenerate")
			break
		}
	}
	return pop, diags, nil
}

// candidate is one perturb-simulate-accept attempt. Attempts are evaluated
// in parallel but consumed strictly in attempt order, so acceptance is
// deterministic in the seed regardless of worker count.
type candidate struct {
	theta    []float64
	accepted bool
}

func generation(parent *Population, tol []float64, cfg *Config) (*Population, int, error) {
	gen := parent.Generation + 1
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 10_000 * cfg.Particles
	}

	fromPrior := parent.Generation == 0
	var kernel []float64
	if !fromPrior {
		kernel = kernelScale(parent)
	}

	accepted := make([][]float64, 0, cfg.Particles)
	attempts := 0
	batch := batchSize(cfg)
	cands := make([]candidate, batch)

	for len(accepted) < cfg.Particles {
		if attempts >= maxAttempts {
			return nil, attempts, fmt.Errorf("%w: generation %d accepted %d/%d after %d attempts",
				ErrBudgetExhausted, gen, len(accepted), cfg.Particles, attempts)
		}
		n := batch
		if attempts+n > maxAttempts {
			n = maxAttempts - attempts
		}

		base := attempts
		forEach(n, cfg.Workers, func(i int) {
			// Substream keyed on (seed, generation, attempt index).
			seed := cfg.Seed + int64(gen)*1_000_000_007 + int64(base+i)*1_000_003
			rng := rand.New(rand.NewSource(seed))
			cands[i] = attempt(parent, kernel, tol, cfg, rng, fromPrior)
		})

		for i := 0; i < n && len(accepted) < cfg.Particles; i++ {
			if cands[i].accepted {
				accepted = append(accepted, cands[i].theta)
			}
		}
		attempts += n
	}

	next := &Population{
		Names:      append([]string(nil), parent.Names...),
		Thetas:     accepted,
		Weights:    make([]float64, cfg.Particles),
		Generation: gen,
		Tolerance:  append([]float64(nil), tol...),
		Seed:       cfg.Seed,
	}

	if fromPrior {
		for i := range next.Weights {
			next.Weights[i] = 1 / float64(cfg.Particles)
		}
	} else {
		for i, theta := range next.Thetas {
			next.Weights[i] = importanceWeight(theta, parent, kernel, cfg.Priors)
		}
		normalize(next.Weights)
	}
	return next, attempts, nil
}

// attempt draws one candidate and simulates it. Generation 1 draws from the
// priors; later generations resample a parent proportional to weight and
// perturb it, discarding immediately when the result leaves prior support
// (no simulation cost).
func attempt(parent *Population, kernel, tol []float64, cfg *Config, rng *rand.Rand, fromPrior bool) candidate {
	var theta []float64
	if fromPrior {
		theta = cfg.Priors.Sample(rng)
	} else {
		theta = perturb(parent, kernel, rng)
		if !cfg.Priors.InSupport(theta) {
			return candidate{}
		}
	}

	stats, ok := cfg.Simulate(cfg.Priors.Map(theta), rng)
	if !ok {
		return candidate{}
	}
	for j := range tol {
		if math.Abs(stats[j]-cfg.Observed[j]) > tol[j] {
			return candidate{}
		}
	}
	return candidate{theta: theta, accepted: true}
}

// perturb resamples a parent index proportional to weight and applies a
// component-wise Gaussian step.
func perturb(parent *Population, kernel []float64, rng *rand.Rand) []float64 {
	u := rng.Float64()
	acc := 0.0
	j := len(parent.Thetas) - 1
	for i, w := range parent.Weights {
		acc += w
		if u <= acc {
			j = i
			break
		}
	}
	theta := make([]float64, len(parent.Thetas[j]))
	for k := range theta {
		theta[k] = parent.Thetas[j][k] + kernel[k]*rng.NormFloat64()
	}
	return theta
}

// kernelScale sizes the perturbation kernel from the weighted spread of the
// parent population: sd_k = sqrt(2 * weighted variance of component k).
func kernelScale(parent *Population) []float64 {
	dim := len(parent.Thetas[0])
	mean := make([]float64, dim)
	for i, theta := range parent.Thetas {
		for k, v := range theta {
			mean[k] += parent.Weights[i] * v
		}
	}
	scale := make([]float64, dim)
	for i, theta := range parent.Thetas {
		for k, v := range theta {
			d := v - mean[k]
			scale[k] += parent.Weights[i] * d * d
		}
	}
	for k := range scale {
		s := math.Sqrt(2 * scale[k])
		if s < 1e-9 {
			s = 1e-9
		}
		scale[k] = s
	}
	return scale
}

// importanceWeight computes prior(theta) divided by the weighted mixture
// density of the perturbation kernel over all parents.
func importanceWeight(theta []float64, parent *Population, kernel []float64, priors *dist.PriorSet) float64 {
	prior := math.Exp(priors.LogDensity(theta))
	mix := 0.0
	for i, src := range parent.Thetas {
		k := 1.0
		for j := range theta {
			k *= normPDF(theta[j], src[j], kernel[j])
		}
		mix += parent.Weights[i] * k
	}
	if mix <= 0 {
		return 0
	}
	return prior / mix
}

func normPDF(x, mu, sd float64) float64 {
	z := (x - mu) / sd
	return math.Exp(-0.5*z*z) / (sd * math.Sqrt(2*math.Pi))
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

func batchSize(cfg *Config) int {
	b := cfg.Particles
	if cfg.Workers > 1 && b < 4*cfg.Workers {
		b = 4 * cfg.Workers
	}
	return b
}

// forEach fans fn out over a fixed worker pool when workers > 1.
func forEach(n, workers int, fn func(i int)) {
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	work := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		work <- i
	}
	close(work)
	wg.Wait()
}

// Mean returns the weighted posterior mean of the population.
func (p *Population) Mean() []float64 {
	if len(p.Thetas) == 0 {
		return nil
	}
	mean := make([]float64, len(p.Thetas[0]))
	for i, theta := range p.Thetas {
		for k, v := range theta {
			mean[k] += p.Weights[i] * v
		}
	}
	return mean
}

// Sample draws one parameter vector proportional to weight.
func (p *Population) Sample(rng *rand.Rand) []float64 {
	u := rng.Float64()
	acc := 0.0
	for i, w := range p.Weights {
		acc += w
		if u <= acc {
			return append([]float64(nil), p.Thetas[i]...)
		}
	}
	return append([]float64(nil), p.Thetas[len(p.Thetas)-1]...)
}
