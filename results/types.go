// Package results defines the structured output format for calibration runs
package results

import (
	"time"

	"github.com/pflow-xyz/go-outbreak/abc"
	"github.com/pflow-xyz/go-outbreak/pmcmc"
)

const SchemaVersion = "1.0.0"

// Results contains complete calibration output
type Results struct {
	Version  string    `json:"version"`
	Metadata Metadata  `json:"metadata"`
	Model    Model     `json:"model"`
	Data     Data      `json:"data"`
	Analysis *Analysis `json:"analysis,omitempty"`
}

// Metadata contains run execution information
type Metadata struct {
	RunID       string    `json:"runId"`
	Timestamp   time.Time `json:"timestamp"`
	Method      string    `json:"method"` // abc-smc, pmcmc, forecast
	Status      string    `json:"status"` // success, error
	Error       string    `json:"error,omitempty"`
	ComputeTime float64   `json:"computeTime"` // seconds
}

// Model summarizes the compiled model structure
type Model struct {
	Name         string   `json:"name,omitempty"`
	Compartments []string `json:"compartments"`
	Transitions  []string `json:"transitions"`
	Params       []string `json:"params"`
	Streams      []string `json:"streams,omitempty"`
}

// Data holds the method-specific payload; exactly one field is set.
type Data struct {
	Population  *abc.Population `json:"population,omitempty"`
	Generations []Generation    `json:"generations,omitempty"`
	Chain       *pmcmc.Chain    `json:"chain,omitempty"`
	Forecast    *Forecast       `json:"forecast,omitempty"`
}

// Generation mirrors per-generation sampler diagnostics
type Generation struct {
	Generation int       `json:"generation"`
	Tolerance  []float64 `json:"tolerance"`
	Attempts   int       `json:"attempts"`
	ESS        float64   `json:"ess"`
}

// Forecast holds downsampled ensemble summaries per compartment
type Forecast struct {
	Members int              `json:"members"`
	Times   TimeData         `json:"times"`
	Bands   map[string]Bands `json:"bands"`
}

// TimeData holds the grid at full and downsampled resolution
type TimeData struct {
	Full        []float64 `json:"full,omitempty"`
	Downsampled []float64 `json:"downsampled"`
}

// Bands holds ensemble quantile series aligned with the downsampled grid
type Bands struct {
	Lower  []float64 `json:"lower"`  // 5th percentile
	Median []float64 `json:"median"` // 50th percentile
	Upper  []float64 `json:"upper"`  // 95th percentile
}
