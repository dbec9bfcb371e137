// Package forecast produces predictive ensembles from calibrated parameter
// draws. For each retained draw it runs the particle filter once over the
// observation record, samples a latent state from the final weighted
// particle set, and forward-simulates to a future time grid, optionally
// passing the simulated states through the observation process.
package forecast

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pflow-xyz/go-outbreak/model"
	"github.com/pflow-xyz/go-outbreak/pfilter"
	"github.com/pflow-xyz/go-outbreak/sim"
)

var (
	ErrNoDraws  = errors.New("forecast: no parameter draws")
	ErrBadGrid  = errors.New("forecast: future grid invalid")
	ErrBadNames = errors.New("forecast: draw length does not match parameter names")
)

// Config configures one ensemble run.
type Config struct {
	Model *model.Model
	// Obs is the observation record the filter conditions on.
	Obs *pfilter.Table
	// Init is the latent state at the start of the record.
	Init map[string]float64
	// Names maps draw vector positions to parameter names.
	Names []string
	// Draws are the retained parameter vectors, one ensemble member each
	// (burn-in removal and thinning are the caller's concern).
	Draws [][]float64
	// FixedParams are merged over every draw.
	FixedParams map[string]float64
	// Particles is the filter population size per member.
	Particles int
	// Grid is the future time grid, strictly ascending, starting after the
	// final observation time.
	Grid []float64
	// WithObs additionally samples each observation stream at every grid
	// time, producing forecast series on the observed scale.
	WithObs bool
	// Workers bounds parallel member simulation. 0 means sequential.
	Workers int
	// Seed derives per-member RNG substreams. Results are deterministic in
	// Seed regardless of Workers.
	Seed int64
	// MaxEvents is passed through to the engine per segment.
	MaxEvents int
	// Logger receives progress diagnostics. Defaults to no-op.
	Logger zerolog.Logger
}

// Member is one forecast trajectory: the parameter draw that produced it,
// the latent state at each grid time, and optional sampled observations.
type Member struct {
	Params map[string]float64
	States []map[string]float64
	Aux    []map[string]float64
	// Obs holds one sampled series per stream, aligned with the grid.
	// Nil unless WithObs was set.
	Obs map[string][]float64
}

// Ensemble is the full forecast: one member per retained draw, all on the
// shared future grid.
type Ensemble struct {
	Times   []float64
	Members []*Member
}

// Run builds the forecast ensemble.
func Run(cfg *Config) (*Ensemble, error) {
	if len(cfg.Draws) == 0 {
		return nil, ErrNoDraws
	}
	for i, d := range cfg.Draws {
		if len(d) != len(cfg.Names) {
			return nil, fmt.Errorf("%w: draw %d has %d components for %d names",
				ErrBadNames, i, len(d), len(cfg.Names))
		}
	}
	if err := cfg.Obs.Validate(); err != nil {
		return nil, err
	}
	if err := checkGrid(cfg); err != nil {
		return nil, err
	}

	ens := &Ensemble{
		Times:   append([]float64(nil), cfg.Grid...),
		Members: make([]*Member, len(cfg.Draws)),
	}

	err := forEach(len(cfg.Draws), cfg.Workers, func(i int) error {
		m, err := member(cfg, i)
		if err != nil {
			return fmt.Errorf("forecast member %d: %w", i, err)
		}
		ens.Members[i] = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	cfg.Logger.Info().Int("members", len(ens.Members)).
		Int("horizon_points", len(ens.Times)).Msg("forecast ensemble complete")
	return ens, nil
}

// member runs one draw: filter pass, final-state sample, then forward
// simulation segment by segment across the grid so auxiliaries and the
// observation process see the exact latent state at every grid time.
func member(cfg *Config, i int) (*Member, error) {
	seed := cfg.Seed + int64(i)*2_147_483_629

	params := make(map[string]float64, len(cfg.Names)+len(cfg.FixedParams))
	for j, name := range cfg.Names {
		params[name] = cfg.Draws[i][j]
	}
	for k, v := range cfg.FixedParams {
		params[k] = v
	}

	res, err := pfilter.Run(cfg.Model, params, cfg.Init, cfg.Obs, cfg.Particles, &pfilter.Options{
		Seed:      seed,
		MaxEvents: cfg.MaxEvents,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed + 1))
	state, aux := pfilter.SampleState(res.Final, rng)

	mem := &Member{
		Params: params,
		States: make([]map[string]float64, 0, len(cfg.Grid)),
		Aux:    make([]map[string]float64, 0, len(cfg.Grid)),
	}
	if cfg.WithObs {
		mem.Obs = make(map[string][]float64, len(cfg.Model.Obs))
		for j := range cfg.Model.Obs {
			mem.Obs[cfg.Model.Obs[j].Stream] = make([]float64, 0, len(cfg.Grid))
		}
	}

	tPrev := res.FinalTime
	for _, tg := range cfg.Grid {
		seg, err := sim.Run(&sim.Problem{
			Model:   cfg.Model,
			Params:  params,
			Init:    state,
			AuxInit: aux,
			Tspan:   [2]float64{tPrev, tg},
		}, &sim.Options{NoStop: true, Rand: rng, MaxEvents: cfg.MaxEvents})
		if err != nil {
			return nil, err
		}
		state, aux = seg.State, seg.Aux
		mem.States = append(mem.States, copyMap(state))
		mem.Aux = append(mem.Aux, copyMap(aux))

		if cfg.WithObs {
			drawn, err := sim.Observe(cfg.Model, params, state, aux, tg, rng)
			if err != nil {
				return nil, err
			}
			for stream, v := range drawn {
				mem.Obs[stream] = append(mem.Obs[stream], v)
			}
		}
		tPrev = tg
	}
	return mem, nil
}

// Quantile returns the per-grid-time empirical quantile of one compartment
// across members. q must be in [0, 1].
func (e *Ensemble) Quantile(compartment string, q float64) []float64 {
	out := make([]float64, len(e.Times))
	vals := make([]float64, 0, len(e.Members))
	for k := range e.Times {
		vals = vals[:0]
		for _, m := range e.Members {
			vals = append(vals, m.States[k][compartment])
		}
		out[k] = quantile(vals, q)
	}
	return out
}

func quantile(vals []float64, q float64) float64 {
	sorted := append([]float64(nil), vals...)
	// Insertion sort: ensembles are small.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

func checkGrid(cfg *Config) error {
	if len(cfg.Grid) == 0 {
		return fmt.Errorf("%w: empty", ErrBadGrid)
	}
	last := cfg.Obs.Times[len(cfg.Obs.Times)-1]
	if cfg.Grid[0] <= last {
		return fmt.Errorf("%w: starts at %g, before final observation time %g",
			ErrBadGrid, cfg.Grid[0], last)
	}
	for i := 1; i < len(cfg.Grid); i++ {
		if cfg.Grid[i] <= cfg.Grid[i-1] {
			return fmt.Errorf("%w: not strictly ascending at index %d", ErrBadGrid, i)
		}
	}
	return nil
}

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
