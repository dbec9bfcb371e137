package results

import (
	"math"
	"sort"

	"github.com/pflow-xyz/go-outbreak/abc"
	"github.com/pflow-xyz/go-outbreak/pmcmc"
)

// Analysis contains automatically computed posterior summaries
type Analysis struct {
	Parameters map[string]Stat `json:"parameters,omitempty"`
	Acceptance float64         `json:"acceptance,omitempty"` // pmcmc only
	ESS        float64         `json:"ess,omitempty"`        // abc-smc only
}

// Stat summarizes one marginal posterior
type Stat struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Q05    float64 `json:"q05"`
	Median float64 `json:"median"`
	Q95    float64 `json:"q95"`
}

// AnalyzePopulation computes weighted marginal summaries for an ABC-SMC
// population and attaches them to the results
func (b *Builder) AnalyzePopulation(pop *abc.Population) *Builder {
	a := &Analysis{Parameters: make(map[string]Stat), ESS: abc.ESS(pop.Weights)}
	for j, name := range pop.Names {
		col := make([]float64, len(pop.Thetas))
		for i := range pop.Thetas {
			col[i] = pop.Thetas[i][j]
		}
		a.Parameters[name] = weightedStat(col, pop.Weights)
	}
	b.results.Analysis = a
	return b
}

// AnalyzeChain computes marginal summaries over the burned-in, thinned
// portion of a chain and attaches them to the results
func (b *Builder) AnalyzeChain(chain *pmcmc.Chain, burn, thin int) *Builder {
	draws := chain.Tail(burn, thin)
	if len(draws) == 0 {
		return b
	}
	a := &Analysis{Parameters: make(map[string]Stat), Acceptance: chain.AcceptanceRate()}
	for j, name := range chain.Names {
		col := make([]float64, len(draws))
		for i := range draws {
			col[i] = draws[i][j]
		}
		a.Parameters[name] = weightedStat(col, nil)
	}
	b.results.Analysis = a
	return b
}

// weightedStat computes summary statistics; nil weights means uniform
func weightedStat(vals, weights []float64) Stat {
	n := len(vals)
	if weights == nil {
		weights = make([]float64, n)
		for i := range weights {
			weights[i] = 1 / float64(n)
		}
	}

	mean := 0.0
	for i, v := range vals {
		mean += weights[i] * v
	}
	variance := 0.0
	for i, v := range vals {
		d := v - mean
		variance += weights[i] * d * d
	}

	type pair struct{ v, w float64 }
	pairs := make([]pair, n)
	for i := range vals {
		pairs[i] = pair{vals[i], weights[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].v < pairs[j].v })

	quantile := func(q float64) float64 {
		acc := 0.0
		for _, p := range pairs {
			acc += p.w
			if acc >= q {
				return p.v
			}
		}
		return pairs[n-1].v
	}

	return Stat{
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Q05:    quantile(0.05),
		Median: quantile(0.5),
		Q95:    quantile(0.95),
	}
}
