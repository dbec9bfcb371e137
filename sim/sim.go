// Package sim implements exact event-driven stochastic simulation of
// compiled compartmental models. Time-varying rates are treated as
// piecewise-constant between events: each rate expression is evaluated at
// the current (t, state) only, so within-event variation (e.g. a decaying
// transmission rate) is picked up at event boundaries. The approximation
// error shrinks as the event rate grows; do not "fix" it by internal
// sub-stepping.
package sim

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/pflow-xyz/go-outbreak/expr"
	"github.com/pflow-xyz/go-outbreak/model"
)

// Status is the terminal state of a simulation run.
type Status int

const (
	// Completed means the run reached the horizon.
	Completed Status = iota
	// Rejected means the stop predicate fired and the run was abandoned.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

var (
	// ErrNegativeRate reports a rate expression that evaluated negative,
	// which is a model misspecification.
	ErrNegativeRate = errors.New("sim: negative propensity")
	// ErrMaxEvents reports that the event budget was exhausted before the
	// horizon, guarding against runaway models.
	ErrMaxEvents = errors.New("sim: event budget exhausted")
	// ErrMissingParam reports an undeclared or unset model parameter.
	ErrMissingParam = errors.New("sim: missing parameter value")
)

// Problem bundles one simulation run's inputs. The model is shared
// read-only; everything else is owned by the run.
type Problem struct {
	Model   *model.Model
	Params  map[string]float64 // keyed by declared parameter names
	Init    map[string]float64 // keyed by compartment names; missing = 0
	AuxInit map[string]float64 // keyed by auxiliary names; missing = 0
	Tspan   [2]float64
}

// Options configures a run.
type Options struct {
	// Grid overrides the model's recording grid when non-nil.
	Grid []float64
	// Stop overrides the model's stop predicate when non-nil.
	Stop *expr.Compiled
	// NoStop disables stop predicates entirely (particle propagation and
	// forecasting must never reject).
	NoStop bool
	// MaxEvents bounds the number of events per run. 0 means the default.
	MaxEvents int
	// Rand is the run's private RNG stream. When nil one is created from
	// Seed.
	Rand *rand.Rand
	// Seed seeds a new RNG when Rand is nil.
	Seed int64
}

// DefaultOptions returns options suitable for epidemic-scale models.
func DefaultOptions() *Options {
	return &Options{MaxEvents: 5_000_000}
}

// RunResult is the outcome of one run.
type RunResult struct {
	Status     Status
	Time       float64
	State      map[string]float64
	Aux        map[string]float64
	Trajectory *Trajectory // nil when no grid configured
	Events     int
}

// Run produces one stochastic trajectory. It is a pure function of
// (problem, options, RNG stream): same seed, same trajectory.
func Run(prob *Problem, opts *Options) (*RunResult, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	m := prob.Model

	env, err := buildEnv(m, prob.Params, prob.Init, prob.AuxInit)
	if err != nil {
		return nil, err
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(opts.Seed))
	}

	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultOptions().MaxEvents
	}

	grid := opts.Grid
	if grid == nil {
		grid = m.Grid
	}
	stop := opts.Stop
	if stop == nil && !opts.NoStop {
		stop = m.Stop
	}

	t0, tf := prob.Tspan[0], prob.Tspan[1]
	t := t0
	env["t"] = t

	var traj *Trajectory
	if len(grid) > 0 {
		traj = newTrajectory(m.Compartments, len(grid))
	}
	gi := 0
	// Skip grid points before the start time.
	for gi < len(grid) && grid[gi] < t0 {
		gi++
	}

	props := make([]float64, len(m.Transitions))
	events := 0

	for {
		// Evaluate propensities at the current (t, state).
		env["t"] = t
		total := 0.0
		for i := range m.Transitions {
			tr := &m.Transitions[i]
			if !enabled(tr, env) {
				props[i] = 0
				continue
			}
			v, err := tr.Rate.Eval(env)
			if err != nil {
				return nil, fmt.Errorf("transition %s: %w", tr.Name, err)
			}
			if v < 0 {
				return nil, fmt.Errorf("%w: transition %s rate %g at t=%g",
					ErrNegativeRate, tr.Name, v, t)
			}
			props[i] = v
			total += v
		}

		// No further events possible: hold state to the horizon.
		if total <= 0 {
			t = tf
			break
		}

		tnext := t + rng.ExpFloat64()/total

		// Event lands past the horizon: hold state to the horizon.
		if tnext >= tf {
			t = tf
			break
		}

		// Select one transition proportional to propensity.
		u := rng.Float64() * total
		chosen := len(props) - 1
		for i, p := range props {
			if u < p {
				chosen = i
				break
			}
			u -= p
		}

		// Grid points strictly before the event keep the pre-event state.
		for gi < len(grid) && grid[gi] < tnext {
			traj.record(grid[gi], env, m.Compartments)
			gi++
		}

		applyDelta(m, &m.Transitions[chosen], env)
		t = tnext
		env["t"] = t
		events++

		if stop != nil {
			hit, err := stop.EvalBool(env)
			if err != nil {
				return nil, fmt.Errorf("stop predicate: %w", err)
			}
			if hit {
				return result(Rejected, t, m, env, traj, events), nil
			}
		}

		// A grid point exactly at the event time records the new state.
		for gi < len(grid) && grid[gi] <= t {
			traj.record(grid[gi], env, m.Compartments)
			gi++
		}

		if events >= maxEvents {
			return nil, fmt.Errorf("%w: %d events before t=%g", ErrMaxEvents, events, t)
		}
	}

	// Completed: fill the remaining grid with the held final state.
	env["t"] = t
	for gi < len(grid) && grid[gi] <= tf {
		traj.record(grid[gi], env, m.Compartments)
		gi++
	}

	return result(Completed, t, m, env, traj, events), nil
}

// enabled reports whether the transition's source multiset is available.
// A transition whose source compartments are exhausted has zero propensity
// regardless of its rate expression.
func enabled(tr *model.CompiledTransition, env map[string]float64) bool {
	for name, count := range tr.Source {
		if env[name] < float64(count) {
			return false
		}
	}
	return true
}

func applyDelta(m *model.Model, tr *model.CompiledTransition, env map[string]float64) {
	for i, d := range tr.Delta {
		if d != 0 {
			env[m.Compartments[i]] += d
		}
	}
	for i, d := range tr.AuxDelta {
		if d != 0 {
			env[m.Aux[i]] += d
		}
	}
}

func result(status Status, t float64, m *model.Model, env map[string]float64, traj *Trajectory, events int) *RunResult {
	state := make(map[string]float64, len(m.Compartments))
	for _, name := range m.Compartments {
		state[name] = env[name]
	}
	aux := make(map[string]float64, len(m.Aux))
	for _, name := range m.Aux {
		aux[name] = env[name]
	}
	return &RunResult{
		Status:     status,
		Time:       t,
		State:      state,
		Aux:        aux,
		Trajectory: traj,
		Events:     events,
	}
}

// buildEnv assembles the evaluation environment: compartments, auxiliaries,
// parameters, and the reserved time symbol.
func buildEnv(m *model.Model, params, init, auxInit map[string]float64) (map[string]float64, error) {
	env := make(map[string]float64, len(m.Compartments)+len(m.Aux)+len(m.Params)+1)
	for _, name := range m.Params {
		v, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
		env[name] = v
	}
	for _, name := range m.Compartments {
		v := init[name]
		if v < 0 {
			return nil, fmt.Errorf("sim: negative initial count %g for %s", v, name)
		}
		env[name] = v
	}
	for _, name := range m.Aux {
		env[name] = auxInit[name]
	}
	env["t"] = 0
	return env, nil
}
