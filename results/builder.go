package results

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/pflow-xyz/go-outbreak/abc"
	"github.com/pflow-xyz/go-outbreak/forecast"
	"github.com/pflow-xyz/go-outbreak/model"
	"github.com/pflow-xyz/go-outbreak/pmcmc"
)

// Builder helps construct Results from calibration output
type Builder struct {
	results Results
}

// NewBuilder creates a new results builder with a fresh run ID
func NewBuilder() *Builder {
	return &Builder{
		results: Results{
			Version: SchemaVersion,
			Metadata: Metadata{
				RunID:     uuid.NewString(),
				Timestamp: time.Now(),
			},
		},
	}
}

// WithModel sets model information
func (b *Builder) WithModel(m *model.Model, name string) *Builder {
	names := make([]string, 0, len(m.Transitions))
	for i := range m.Transitions {
		names = append(names, m.Transitions[i].Name)
	}
	streams := make([]string, 0, len(m.Obs))
	for i := range m.Obs {
		streams = append(streams, m.Obs[i].Stream)
	}
	b.results.Model = Model{
		Name:         name,
		Compartments: append([]string(nil), m.Compartments...),
		Transitions:  names,
		Params:       append([]string(nil), m.Params...),
		Streams:      streams,
	}
	return b
}

// WithPopulation attaches an ABC-SMC population and its diagnostics
func (b *Builder) WithPopulation(pop *abc.Population, diags []abc.GenStats, computeTime float64) *Builder {
	b.results.Metadata.Method = "abc-smc"
	b.results.Metadata.Status = "success"
	b.results.Metadata.ComputeTime = computeTime
	b.results.Data.Population = pop
	for _, d := range diags {
		b.results.Data.Generations = append(b.results.Data.Generations, Generation{
			Generation: d.Generation,
			Tolerance:  d.Tolerance,
			Attempts:   d.Attempts,
			ESS:        d.ESS,
		})
	}
	return b
}

// WithChain attaches a PMCMC chain
func (b *Builder) WithChain(chain *pmcmc.Chain, computeTime float64) *Builder {
	b.results.Metadata.Method = "pmcmc"
	b.results.Metadata.Status = "success"
	b.results.Metadata.ComputeTime = computeTime
	b.results.Data.Chain = chain
	return b
}

// WithForecast summarizes an ensemble as per-compartment quantile bands,
// downsampled to approximately downsampleTarget grid points
func (b *Builder) WithForecast(ens *forecast.Ensemble, computeTime float64, downsampleTarget int) *Builder {
	b.results.Metadata.Method = "forecast"
	b.results.Metadata.Status = "success"
	b.results.Metadata.ComputeTime = computeTime

	timesDown := downsample(ens.Times, downsampleTarget)
	fc := &Forecast{
		Members: len(ens.Members),
		Times: TimeData{
			Full:        ens.Times,
			Downsampled: timesDown,
		},
		Bands: make(map[string]Bands),
	}
	for _, name := range b.results.Model.Compartments {
		fc.Bands[name] = Bands{
			Lower:  downsampleAligned(ens.Times, ens.Quantile(name, 0.05), timesDown),
			Median: downsampleAligned(ens.Times, ens.Quantile(name, 0.5), timesDown),
			Upper:  downsampleAligned(ens.Times, ens.Quantile(name, 0.95), timesDown),
		}
	}
	b.results.Data.Forecast = fc
	return b
}

// WithError sets error status
func (b *Builder) WithError(err error) *Builder {
	b.results.Metadata.Status = "error"
	b.results.Metadata.Error = err.Error()
	return b
}

// Build returns the constructed Results
func (b *Builder) Build() *Results {
	return &b.results
}

// downsample reduces data to approximately targetPoints
func downsample(data []float64, targetPoints int) []float64 {
	if targetPoints < 2 || len(data) <= targetPoints {
		return data
	}

	result := make([]float64, targetPoints)
	result[0] = data[0]
	result[targetPoints-1] = data[len(data)-1]

	step := float64(len(data)-1) / float64(targetPoints-1)
	for i := 1; i < targetPoints-1; i++ {
		idx := int(math.Round(float64(i) * step))
		result[i] = data[idx]
	}

	return result
}

// downsampleAligned downsamples varData to match the downsampled time points
func downsampleAligned(timeFull, varData, timeDownsampled []float64) []float64 {
	result := make([]float64, len(timeDownsampled))
	for i, targetTime := range timeDownsampled {
		result[i] = varData[findClosestIndex(timeFull, targetTime)]
	}
	return result
}

// findClosestIndex finds the index of the value closest to target
func findClosestIndex(data []float64, target float64) int {
	if len(data) == 0 {
		return 0
	}
	minDist := math.Abs(data[0] - target)
	minIdx := 0
	for i := 1; i < len(data); i++ {
		dist := math.Abs(data[i] - target)
		if dist < minDist {
			minDist = dist
			minIdx = i
		}
	}
	return minIdx
}
