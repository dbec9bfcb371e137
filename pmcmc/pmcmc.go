// Package pmcmc implements particle Markov chain Monte Carlo: a
// pseudo-marginal Metropolis-Hastings chain over model parameters whose
// likelihood is the bootstrap particle filter's stochastic estimate. The
// chain is exact despite the noisy likelihood because the estimate attached
// to the current state is never recomputed on rejection.
package pmcmc

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/pflow-xyz/go-outbreak/dist"
	"github.com/pflow-xyz/go-outbreak/model"
	"github.com/pflow-xyz/go-outbreak/pfilter"
)

var (
	ErrNoIterations = errors.New("pmcmc: iteration count must be positive")
	ErrBadTheta0    = errors.New("pmcmc: initial parameters outside prior support")
	ErrDimMismatch  = errors.New("pmcmc: parameter vector length does not match priors")
)

// Config configures a chain run.
type Config struct {
	Model     *model.Model
	Priors    *dist.PriorSet
	Obs       *pfilter.Table
	Init      map[string]float64 // initial latent state
	Particles int
	Iters     int

	// FixedParams are model parameters held constant rather than sampled.
	// They are merged over the prior-mapped vector on every likelihood call.
	FixedParams map[string]float64

	// Theta0 fixes the starting point. Nil draws one point from the priors;
	// a start with -Inf likelihood is valid and leaves on the first finite
	// proposal.
	Theta0 []float64

	// StepScale is the per-component random-walk standard deviation.
	// Nil derives a default from the prior spread.
	StepScale []float64

	// Fixed skips proposals entirely and records repeated likelihood
	// estimates at the starting point, for tuning the particle count
	// (target roughly 1-3 nats of estimator standard deviation).
	Fixed bool

	// Workers is passed through to the particle filter.
	Workers int
	// Seed makes the chain deterministic.
	Seed int64
	// Logger receives per-iteration progress. Defaults to no-op.
	Logger zerolog.Logger
}

// Chain is the serializable chain state. A stored chain can be resumed for
// additional iterations.
type Chain struct {
	Names    []string    `json:"names"`
	Thetas   [][]float64 `json:"thetas"`
	LogLiks  []float64   `json:"logliks"`
	Accepted int         `json:"accepted"`
	Iters    int         `json:"iters"`

	// Current state: cached likelihood estimate is retained across
	// rejections and never recomputed.
	Current   []float64 `json:"current"`
	CurrentLL float64   `json:"current_ll"`
	CurrentLP float64   `json:"current_lp"`

	Seed int64 `json:"seed"`
}

// AcceptanceRate returns the fraction of accepted proposals so far.
func (c *Chain) AcceptanceRate() float64 {
	if c.Iters == 0 {
		return 0
	}
	return float64(c.Accepted) / float64(c.Iters)
}

// Tail returns parameter draws after burn-in, keeping every thin-th draw.
func (c *Chain) Tail(burn, thin int) [][]float64 {
	if thin < 1 {
		thin = 1
	}
	var out [][]float64
	for i := burn; i < len(c.Thetas); i += thin {
		out = append(out, append([]float64(nil), c.Thetas[i]...))
	}
	return out
}

// Run starts a new chain and advances it cfg.Iters iterations.
func Run(cfg *Config) (*Chain, error) {
	if cfg.Iters <= 0 {
		return nil, ErrNoIterations
	}

	chain := &Chain{
		Names: append([]string(nil), cfg.Priors.Names...),
		Seed:  cfg.Seed,
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	theta0 := cfg.Theta0
	if theta0 != nil {
		if len(theta0) != cfg.Priors.Dim() {
			return nil, ErrDimMismatch
		}
		if !cfg.Priors.InSupport(theta0) {
			return nil, ErrBadTheta0
		}
		theta0 = append([]float64(nil), theta0...)
	} else {
		theta0 = cfg.Priors.Sample(rng)
	}

	ll, err := likelihood(cfg, theta0, 0)
	if err != nil {
		return nil, err
	}
	chain.Current = theta0
	chain.CurrentLL = ll
	chain.CurrentLP = cfg.Priors.LogDensity(theta0)

	return Resume(chain, cfg)
}

// Resume advances an existing chain by cfg.Iters additional iterations.
// The stored current state, including its cached likelihood estimate, is
// reused as-is.
func Resume(chain *Chain, cfg *Config) (*Chain, error) {
	if cfg.Iters <= 0 {
		return nil, ErrNoIterations
	}
	if len(chain.Current) != cfg.Priors.Dim() {
		return nil, ErrDimMismatch
	}

	step := cfg.StepScale
	if step == nil {
		step = defaultStepScale(cfg.Priors)
	}
	if len(step) != cfg.Priors.Dim() {
		return nil, fmt.Errorf("%w: step scale has %d components", ErrDimMismatch, len(step))
	}

	start := chain.Iters
	for k := 0; k < cfg.Iters; k++ {
		iter := start + k
		// Per-iteration RNG substream keyed on (chain seed, iteration):
		// resumption continues the same deterministic sequence without
		// replaying earlier iterations.
		iterSeed := chain.Seed + int64(iter+1)*2_654_435_761
		rng := rand.New(rand.NewSource(iterSeed))

		if cfg.Fixed {
			// Variance-diagnostic mode: repeated estimates at a fixed point.
			ll, err := likelihood(cfg, chain.Current, iterSeed)
			if err != nil {
				return nil, err
			}
			chain.Thetas = append(chain.Thetas, append([]float64(nil), chain.Current...))
			chain.LogLiks = append(chain.LogLiks, ll)
			chain.Iters++
			continue
		}

		proposal := make([]float64, len(chain.Current))
		for i := range proposal {
			proposal[i] = chain.Current[i] + step[i]*rng.NormFloat64()
		}

		if !cfg.Priors.InSupport(proposal) {
			// Outside prior support: reject without running the filter.
			record(chain)
			cfg.Logger.Debug().Int("iter", iter).Msg("proposal outside prior support")
			continue
		}

		propLP := cfg.Priors.LogDensity(proposal)
		propLL, err := likelihood(cfg, proposal, iterSeed)
		if err != nil {
			return nil, err
		}

		// Symmetric random walk: proposal ratio cancels.
		logAlpha := propLL - chain.CurrentLL + propLP - chain.CurrentLP
		if logAlpha >= 0 || math.Log(rng.Float64()) < logAlpha {
			chain.Current = proposal
			chain.CurrentLL = propLL
			chain.CurrentLP = propLP
			chain.Accepted++
		}
		// On rejection the previous (theta, loglik) stands untouched.
		record(chain)

		if (iter+1)%100 == 0 {
			cfg.Logger.Info().Int("iter", iter+1).
				Float64("loglik", chain.CurrentLL).
				Float64("accept", chain.AcceptanceRate()).
				Msg("pmcmc progress")
		}
	}

	return chain, nil
}

func record(chain *Chain) {
	chain.Thetas = append(chain.Thetas, append([]float64(nil), chain.Current...))
	chain.LogLiks = append(chain.LogLiks, chain.CurrentLL)
	chain.Iters++
}

// likelihood runs one fresh particle filter pass at theta.
func likelihood(cfg *Config, theta []float64, seed int64) (float64, error) {
	params := cfg.Priors.Map(theta)
	for k, v := range cfg.FixedParams {
		params[k] = v
	}
	res, err := pfilter.Run(cfg.Model, params, cfg.Init, cfg.Obs, cfg.Particles, &pfilter.Options{
		Workers: cfg.Workers,
		Seed:    seed,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		return 0, err
	}
	return res.LogLik, nil
}

// defaultStepScale sizes the random walk from the prior spread: roughly a
// tenth of each prior's standard deviation, estimated by sampling.
func defaultStepScale(priors *dist.PriorSet) []float64 {
	rng := rand.New(rand.NewSource(1))
	const n = 500
	dim := priors.Dim()
	sum := make([]float64, dim)
	sumSq := make([]float64, dim)
	for k := 0; k < n; k++ {
		theta := priors.Sample(rng)
		for i, v := range theta {
			sum[i] += v
			sumSq[i] += v * v
		}
	}
	step := make([]float64, dim)
	for i := range step {
		mean := sum[i] / n
		variance := sumSq[i]/n - mean*mean
		if variance < 1e-12 {
			variance = 1e-12
		}
		step[i] = 0.1 * math.Sqrt(variance)
	}
	return step
}
