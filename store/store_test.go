package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/pflow-xyz/go-outbreak/abc"
	"github.com/pflow-xyz/go-outbreak/pmcmc"
	"github.com/pflow-xyz/go-outbreak/results"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPopulationRoundTrip(t *testing.T) {
	s := openTestStore(t)

	pop := &abc.Population{
		Names:      []string{"beta", "gamma"},
		Thetas:     [][]float64{{0.5, 0.25}, {0.45, 0.3}},
		Weights:    []float64{0.6, 0.4},
		Generation: 3,
		Tolerance:  []float64{5},
		Seed:       42,
	}
	id, err := s.SavePopulation("sir", pop)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty artifact ID")
	}

	back, err := s.LoadPopulation(id)
	if err != nil {
		t.Fatal(err)
	}
	if back.Generation != 3 || back.Seed != 42 {
		t.Errorf("loaded population = %+v", back)
	}
	if len(back.Thetas) != 2 || back.Thetas[0][0] != 0.5 {
		t.Errorf("thetas lost: %v", back.Thetas)
	}
	if back.Weights[0] != 0.6 {
		t.Errorf("weights lost: %v", back.Weights)
	}
}

func TestChainRoundTrip(t *testing.T) {
	s := openTestStore(t)

	chain := &pmcmc.Chain{
		Names:     []string{"beta"},
		Thetas:    [][]float64{{0.4}, {0.5}},
		LogLiks:   []float64{-20, -18},
		Accepted:  1,
		Iters:     2,
		Current:   []float64{0.5},
		CurrentLL: -18,
		CurrentLP: 0.1,
		Seed:      7,
	}
	id, err := s.SaveChain("sir", chain)
	if err != nil {
		t.Fatal(err)
	}
	back, err := s.LoadChain(id)
	if err != nil {
		t.Fatal(err)
	}
	// The cached likelihood estimate must survive storage so a resumed
	// chain never recomputes it.
	if back.CurrentLL != -18 || back.Current[0] != 0.5 {
		t.Errorf("current state lost: %+v", back)
	}
	if back.Iters != 2 || back.Accepted != 1 {
		t.Errorf("counters lost: %+v", back)
	}
}

func TestResultsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	res := results.NewBuilder().WithChain(&pmcmc.Chain{
		Names:  []string{"beta"},
		Thetas: [][]float64{{0.5}},
		Iters:  1,
	}, 1.0).Build()

	id, err := s.SaveResults(res)
	if err != nil {
		t.Fatal(err)
	}
	if id != res.Metadata.RunID {
		t.Errorf("artifact ID %q, want run ID %q", id, res.Metadata.RunID)
	}
	back, err := s.LoadResults(id)
	if err != nil {
		t.Fatal(err)
	}
	if back.Metadata.Method != "pmcmc" || back.Data.Chain == nil {
		t.Errorf("results lost: %+v", back)
	}
}

func TestNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LoadChain("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestKindSeparation(t *testing.T) {
	s := openTestStore(t)
	id, err := s.SavePopulation("sir", &abc.Population{Generation: 1})
	if err != nil {
		t.Fatal(err)
	}
	// An artifact stored as a population is invisible to chain lookup.
	if _, err := s.LoadChain(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across kinds, got %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	s := openTestStore(t)

	idA, err := s.SavePopulation("sir", &abc.Population{Generation: 1})
	if err != nil {
		t.Fatal(err)
	}
	idB, err := s.SaveChain("seir", &pmcmc.Chain{Iters: 1})
	if err != nil {
		t.Fatal(err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("listed %d artifacts, want 2", len(all))
	}

	pops, err := s.List(KindPopulation)
	if err != nil {
		t.Fatal(err)
	}
	if len(pops) != 1 || pops[0].ID != idA || pops[0].Model != "sir" {
		t.Errorf("population listing = %+v", pops)
	}

	if err := s.Delete(idB); err != nil {
		t.Fatal(err)
	}
	rest, err := s.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != idA {
		t.Errorf("listing after delete = %+v", rest)
	}
}
