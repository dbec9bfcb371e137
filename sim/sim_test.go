package sim

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/pflow-xyz/go-outbreak/expr"
	"github.com/pflow-xyz/go-outbreak/model"
)

func sirModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.SIR().Compile()
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func sirProblem(m *model.Model, horizon float64) *Problem {
	return &Problem{
		Model:  m,
		Params: map[string]float64{"beta": 0.5, "gamma": 0.25, "N": 100},
		Init:   map[string]float64{"S": 99, "I": 1, "R": 0},
		Tspan:  [2]float64{0, horizon},
	}
}

func grid(t0, tf, step float64) []float64 {
	var g []float64
	for t := t0; t <= tf+1e-9; t += step {
		g = append(g, t)
	}
	return g
}

// Fixed-seed SIR scenario: population 100, beta=0.5, gamma=0.25, horizon 50.
func TestScenarioSIR(t *testing.T) {
	m := sirModel(t)
	prob := sirProblem(m, 50)

	res, err := Run(prob, &Options{Grid: grid(0, 50, 1), Seed: 12345})
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != Completed {
		t.Fatalf("status = %v, want completed", res.Status)
	}
	if res.Time != 50 {
		t.Errorf("final time = %g, want 50", res.Time)
	}

	// Conservation: S+I+R = 100 at every recorded time.
	for i, st := range res.Trajectory.States {
		total := st["S"] + st["I"] + st["R"]
		if total != 100 {
			t.Errorf("t=%g: S+I+R = %g, want 100", res.Trajectory.Times[i], total)
		}
	}
	if got := res.State["S"] + res.State["I"] + res.State["R"]; got != 100 {
		t.Errorf("final S+I+R = %g, want 100", got)
	}
	if len(res.Trajectory.Times) != 51 {
		t.Errorf("recorded %d snapshots, want 51", len(res.Trajectory.Times))
	}

	// The outbreak burns out before the horizon at this parameterization:
	// no infectious individuals remain at the final recorded time.
	if final := res.Trajectory.GetFinalState(); final["I"] != 0 {
		t.Errorf("final recorded I = %g, want 0", final["I"])
	}
	if res.State["I"] != 0 {
		t.Errorf("final state I = %g, want 0", res.State["I"])
	}
}

func TestReproducibility(t *testing.T) {
	m := sirModel(t)
	prob := sirProblem(m, 50)

	a, err := Run(prob, &Options{Grid: grid(0, 50, 1), Seed: 99})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Run(prob, &Options{Grid: grid(0, 50, 1), Seed: 99})
	if err != nil {
		t.Fatal(err)
	}

	if a.Events != b.Events {
		t.Fatalf("event counts differ: %d vs %d", a.Events, b.Events)
	}
	for i := range a.Trajectory.States {
		for _, name := range m.Compartments {
			if a.Trajectory.States[i][name] != b.Trajectory.States[i][name] {
				t.Fatalf("t=%g: %s differs between seeded runs",
					a.Trajectory.Times[i], name)
			}
		}
	}

	c, err := Run(prob, &Options{Seed: 100})
	if err != nil {
		t.Fatal(err)
	}
	if c.Events == a.Events && c.State["R"] == a.State["R"] {
		t.Log("different seeds produced identical runs; suspicious but possible")
	}
}

// Termination: event count is bounded by what the stoichiometry permits.
// Each infection consumes one S, each recovery one I, so a closed SIR run
// can never fire more than 2N events.
func TestTerminationBound(t *testing.T) {
	m := sirModel(t)
	for seed := int64(0); seed < 20; seed++ {
		prob := sirProblem(m, 1e6)
		res, err := Run(prob, &Options{Seed: seed})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != Completed {
			t.Fatalf("seed %d: status = %v", seed, res.Status)
		}
		if res.Events > 200 {
			t.Errorf("seed %d: %d events, bound is 200", seed, res.Events)
		}
		// Epidemic over: no infectious individuals remain.
		if res.State["I"] != 0 {
			t.Errorf("seed %d: I = %g at horizon 1e6, want 0", seed, res.State["I"])
		}
	}
}

func TestZeroPropensityCompletes(t *testing.T) {
	m := sirModel(t)
	prob := sirProblem(m, 10)
	prob.Init = map[string]float64{"S": 100, "I": 0, "R": 0} // nothing can fire

	res, err := Run(prob, &Options{Grid: grid(0, 10, 1), Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Completed || res.Events != 0 {
		t.Fatalf("status=%v events=%d, want completed with 0 events", res.Status, res.Events)
	}
	for _, st := range res.Trajectory.States {
		if st["S"] != 100 {
			t.Error("state changed with zero propensity")
		}
	}
}

func TestStopPredicateRejects(t *testing.T) {
	m := sirModel(t)
	prob := sirProblem(m, 50)
	stop := expr.MustCompile("cases >= 5")

	rejected := 0
	for seed := int64(0); seed < 30; seed++ {
		opts := &Options{Stop: stop, Seed: seed}
		res, err := Run(prob, opts)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status == Rejected {
			rejected++
			if res.Aux["cases"] != 5 {
				t.Errorf("seed %d: rejected at cases=%g, want 5", seed, res.Aux["cases"])
			}
			if res.Time >= 50 {
				t.Errorf("seed %d: rejected at t=%g, should be before horizon", seed, res.Time)
			}
		}
	}
	// R0=2 epidemics nearly always exceed 5 cases.
	if rejected < 15 {
		t.Errorf("only %d/30 runs rejected; expected most", rejected)
	}
}

// Stop-predicate soundness: for the monotone statistic "cases", a run
// rejected under the predicate must, replayed without it, still exceed the
// same threshold by the horizon.
func TestStopPredicateSoundness(t *testing.T) {
	m := sirModel(t)
	prob := sirProblem(m, 50)
	stop := expr.MustCompile("cases >= 10")

	for seed := int64(0); seed < 25; seed++ {
		with, err := Run(prob, &Options{Stop: stop, Seed: seed})
		if err != nil {
			t.Fatal(err)
		}
		without, err := Run(prob, &Options{NoStop: true, Seed: seed})
		if err != nil {
			t.Fatal(err)
		}
		if with.Status == Rejected && without.Aux["cases"] < 10 {
			t.Errorf("seed %d: rejected run reached only %g cases unconstrained",
				seed, without.Aux["cases"])
		}
		if with.Status == Completed && without.Aux["cases"] >= 10 {
			t.Errorf("seed %d: completed under predicate but %g cases unconstrained",
				seed, without.Aux["cases"])
		}
	}
}

func TestNegativeRateError(t *testing.T) {
	def := model.SIR()
	def.Transitions[1].Rate = "-gamma * I"
	m, err := def.Compile()
	if err != nil {
		t.Fatal(err)
	}
	prob := sirProblem(m, 50)
	_, err = Run(prob, &Options{Seed: 3})
	if !errors.Is(err, ErrNegativeRate) {
		t.Fatalf("expected ErrNegativeRate, got %v", err)
	}
}

func TestMissingParam(t *testing.T) {
	m := sirModel(t)
	prob := sirProblem(m, 10)
	delete(prob.Params, "gamma")
	if _, err := Run(prob, nil); !errors.Is(err, ErrMissingParam) {
		t.Fatalf("expected ErrMissingParam, got %v", err)
	}
}

func TestMaxEvents(t *testing.T) {
	// Self-sustaining loop: I -> I at constant rate never terminates on its
	// own, so the event budget must trip.
	def := &model.Definition{
		Compartments: []string{"I"},
		Params:       []string{"r"},
		Transitions: []model.Transition{{
			Name:   "cycle",
			Source: map[string]int{"I": 1},
			Rate:   "r",
			Dest:   map[string]int{"I": 1},
		}},
	}
	m, err := def.Compile()
	if err != nil {
		t.Fatal(err)
	}
	prob := &Problem{
		Model:  m,
		Params: map[string]float64{"r": 1},
		Init:   map[string]float64{"I": 1},
		Tspan:  [2]float64{0, 1e18},
	}
	_, err = Run(prob, &Options{MaxEvents: 1000, Seed: 5})
	if !errors.Is(err, ErrMaxEvents) {
		t.Fatalf("expected ErrMaxEvents, got %v", err)
	}
}

func TestGridHoldSemantics(t *testing.T) {
	// Pure-death process from a single individual: one event, exponential
	// time. Grid points before the event must hold the initial state.
	def := &model.Definition{
		Compartments: []string{"A", "B"},
		Params:       []string{"k"},
		Transitions: []model.Transition{{
			Name:   "decay",
			Source: map[string]int{"A": 1},
			Rate:   "k * A",
			Dest:   map[string]int{"B": 1},
		}},
	}
	m, err := def.Compile()
	if err != nil {
		t.Fatal(err)
	}
	prob := &Problem{
		Model:  m,
		Params: map[string]float64{"k": 1},
		Init:   map[string]float64{"A": 1},
		Tspan:  [2]float64{0, 100},
	}
	res, err := Run(prob, &Options{Grid: grid(0, 100, 0.5), Seed: 8})
	if err != nil {
		t.Fatal(err)
	}

	// Find the event time: last snapshot with A=1 precedes it.
	seenDecay := false
	for i, st := range res.Trajectory.States {
		switch st["A"] {
		case 1:
			if seenDecay {
				t.Fatalf("A went back up at t=%g", res.Trajectory.Times[i])
			}
		case 0:
			seenDecay = true
		default:
			t.Fatalf("A = %g", st["A"])
		}
	}
	if !seenDecay {
		t.Error("decay never recorded over horizon 100 with rate 1")
	}
}

func TestObserve(t *testing.T) {
	def := model.SIR()
	def.Obs = []model.Observation{
		{Stream: "reported", Family: model.ObsPoisson, P1: "0.5 * I"},
		{Stream: "tested", Family: model.ObsBinomial, P1: "I", P2: "0.8"},
	}
	m, err := def.Compile()
	if err != nil {
		t.Fatal(err)
	}

	params := map[string]float64{"beta": 0.5, "gamma": 0.25, "N": 100}
	state := map[string]float64{"S": 80, "I": 20, "R": 0}
	rng := rand.New(rand.NewSource(4))

	obs, err := Observe(m, params, state, nil, 10, rng)
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(obs))
	}
	if obs["tested"] < 0 || obs["tested"] > 20 {
		t.Errorf("tested = %g outside [0, 20]", obs["tested"])
	}

	// Density of an observed value at the simulated state.
	lp, err := LogObsDensity(m, params, state, nil, 10, map[string]float64{"reported": 10})
	if err != nil {
		t.Fatal(err)
	}
	// Poisson(10) at 10.
	lg, _ := math.Lgamma(11)
	want := 10*math.Log(10) - 10 - lg
	if math.Abs(lp-want) > 1e-12 {
		t.Errorf("LogObsDensity = %g, want %g", lp, want)
	}

	// Impossible observation gives -Inf, not an error.
	lp, err = LogObsDensity(m, params, state, nil, 10, map[string]float64{"tested": 25})
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(lp, -1) {
		t.Errorf("impossible observation: got %g, want -Inf", lp)
	}
}

func TestTimeVaryingRate(t *testing.T) {
	// Transmission decays after an intervention at t=10. The run must
	// complete and remain conserved; the rate expression sees t directly.
	def := model.SIR()
	def.Params = append(def.Params, "k", "t0")
	def.Transitions[0].Rate = "if(t < t0, beta, beta * exp(-k * (t - t0))) * S * I / N"
	m, err := def.Compile()
	if err != nil {
		t.Fatal(err)
	}
	prob := &Problem{
		Model:  m,
		Params: map[string]float64{"beta": 0.5, "gamma": 0.25, "N": 100, "k": 0.2, "t0": 10},
		Init:   map[string]float64{"S": 99, "I": 1},
		Tspan:  [2]float64{0, 80},
	}
	res, err := Run(prob, &Options{Grid: grid(0, 80, 2), Seed: 21})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != Completed {
		t.Fatalf("status = %v", res.Status)
	}
	for _, st := range res.Trajectory.States {
		if st["S"]+st["I"]+st["R"] != 100 {
			t.Fatal("conservation violated with time-varying rate")
		}
	}
}
