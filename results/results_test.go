package results

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pflow-xyz/go-outbreak/abc"
	"github.com/pflow-xyz/go-outbreak/forecast"
	"github.com/pflow-xyz/go-outbreak/model"
	"github.com/pflow-xyz/go-outbreak/pmcmc"
)

func testPopulation() *abc.Population {
	return &abc.Population{
		Names:      []string{"beta", "gamma"},
		Thetas:     [][]float64{{0.4, 0.2}, {0.5, 0.25}, {0.6, 0.3}},
		Weights:    []float64{0.2, 0.5, 0.3},
		Generation: 2,
		Tolerance:  []float64{10},
	}
}

func TestBuilderPopulationRoundTrip(t *testing.T) {
	m, err := model.SIR().Compile()
	if err != nil {
		t.Fatal(err)
	}
	pop := testPopulation()
	diags := []abc.GenStats{
		{Generation: 1, Tolerance: []float64{20}, Attempts: 120, ESS: 40},
		{Generation: 2, Tolerance: []float64{10}, Attempts: 310, ESS: 22},
	}

	res := NewBuilder().
		WithModel(m, "sir").
		WithPopulation(pop, diags, 1.25).
		AnalyzePopulation(pop).
		Build()

	if res.Version != SchemaVersion {
		t.Errorf("Version = %q", res.Version)
	}
	if res.Metadata.RunID == "" {
		t.Error("missing run ID")
	}
	if res.Metadata.Method != "abc-smc" || res.Metadata.Status != "success" {
		t.Errorf("metadata = %+v", res.Metadata)
	}
	if len(res.Model.Compartments) != 3 || len(res.Model.Transitions) != 2 {
		t.Errorf("model summary = %+v", res.Model)
	}
	if len(res.Data.Generations) != 2 {
		t.Errorf("generations = %d, want 2", len(res.Data.Generations))
	}

	path := filepath.Join(t.TempDir(), "run.json")
	if err := WriteJSON(res, path); err != nil {
		t.Fatal(err)
	}
	back, err := ReadJSON(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.Metadata.RunID != res.Metadata.RunID {
		t.Errorf("run ID changed across round trip")
	}
	if back.Data.Population.Generation != 2 || len(back.Data.Population.Thetas) != 3 {
		t.Errorf("population lost in round trip: %+v", back.Data.Population)
	}
	if back.Analysis == nil || back.Analysis.Parameters["beta"].Mean == 0 {
		t.Error("analysis lost in round trip")
	}
}

func TestBuilderChain(t *testing.T) {
	chain := &pmcmc.Chain{
		Names:    []string{"beta"},
		Thetas:   [][]float64{{0.4}, {0.4}, {0.5}, {0.5}, {0.6}, {0.55}},
		LogLiks:  []float64{-12, -12, -11, -11, -10.5, -10.8},
		Accepted: 3,
		Iters:    6,
	}
	res := NewBuilder().WithChain(chain, 3.5).AnalyzeChain(chain, 2, 1).Build()
	if res.Metadata.Method != "pmcmc" {
		t.Errorf("method = %q", res.Metadata.Method)
	}
	if res.Data.Chain.Iters != 6 {
		t.Errorf("chain lost: %+v", res.Data.Chain)
	}
	if res.Analysis == nil {
		t.Fatal("missing analysis")
	}
	if got := res.Analysis.Acceptance; got != 0.5 {
		t.Errorf("acceptance = %g, want 0.5", got)
	}
	stat := res.Analysis.Parameters["beta"]
	if stat.Mean <= 0.4 || stat.Mean >= 0.6 {
		t.Errorf("beta mean = %g", stat.Mean)
	}
}

func TestBuilderForecast(t *testing.T) {
	m, err := model.SIR().Compile()
	if err != nil {
		t.Fatal(err)
	}
	ens := &forecast.Ensemble{
		Times: []float64{10, 20, 30},
		Members: []*forecast.Member{
			{States: []map[string]float64{{"S": 90, "I": 8, "R": 2}, {"S": 80, "I": 12, "R": 8}, {"S": 70, "I": 10, "R": 20}}},
			{States: []map[string]float64{{"S": 92, "I": 6, "R": 2}, {"S": 85, "I": 9, "R": 6}, {"S": 75, "I": 8, "R": 17}}},
		},
	}
	res := NewBuilder().WithModel(m, "sir").WithForecast(ens, 0.5, 100).Build()
	fc := res.Data.Forecast
	if fc == nil || fc.Members != 2 {
		t.Fatalf("forecast = %+v", fc)
	}
	band, ok := fc.Bands["I"]
	if !ok {
		t.Fatal("missing band for I")
	}
	if len(band.Median) != len(fc.Times.Downsampled) {
		t.Errorf("band length %d, grid length %d", len(band.Median), len(fc.Times.Downsampled))
	}
	for k := range band.Median {
		if band.Lower[k] > band.Median[k] || band.Median[k] > band.Upper[k] {
			t.Errorf("band ordering violated at %d", k)
		}
	}
}

func TestBuilderError(t *testing.T) {
	res := NewBuilder().WithError(os.ErrNotExist).Build()
	if res.Metadata.Status != "error" || res.Metadata.Error == "" {
		t.Errorf("metadata = %+v", res.Metadata)
	}
}

func TestWeightedStat(t *testing.T) {
	stat := weightedStat([]float64{1, 2, 3}, []float64{0.25, 0.5, 0.25})
	if math.Abs(stat.Mean-2) > 1e-12 {
		t.Errorf("mean = %g, want 2", stat.Mean)
	}
	if stat.Median != 2 {
		t.Errorf("median = %g, want 2", stat.Median)
	}
	if math.Abs(stat.StdDev-math.Sqrt(0.5)) > 1e-12 {
		t.Errorf("sd = %g, want %g", stat.StdDev, math.Sqrt(0.5))
	}
}

func TestDownsample(t *testing.T) {
	data := make([]float64, 100)
	for i := range data {
		data[i] = float64(i)
	}
	down := downsample(data, 10)
	if len(down) != 10 {
		t.Fatalf("len = %d, want 10", len(down))
	}
	if down[0] != 0 || down[9] != 99 {
		t.Errorf("endpoints = %g, %g", down[0], down[9])
	}

	short := []float64{1, 2, 3}
	if got := downsample(short, 10); len(got) != 3 {
		t.Errorf("short input resized to %d", len(got))
	}
}
