package dist

import (
	"fmt"
	"math"
	"math/rand"
)

// PriorEntry is one row of a priors table.
type PriorEntry struct {
	Name   string
	Family string
	A, B   float64
}

// PriorSet is an ordered joint prior over named parameters, assumed
// independent across components.
type PriorSet struct {
	Names []string
	Dists []Distribution
}

// NewPriorSet builds a PriorSet from a priors table. Order is preserved:
// parameter vectors used by the drivers are indexed in table order.
func NewPriorSet(entries []PriorEntry) (*PriorSet, error) {
	ps := &PriorSet{
		Names: make([]string, 0, len(entries)),
		Dists: make([]Distribution, 0, len(entries)),
	}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("prior with empty parameter name")
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("duplicate prior for parameter %s", e.Name)
		}
		seen[e.Name] = true
		d, err := NewPrior(e.Family, e.A, e.B)
		if err != nil {
			return nil, fmt.Errorf("prior for %s: %w", e.Name, err)
		}
		ps.Names = append(ps.Names, e.Name)
		ps.Dists = append(ps.Dists, d)
	}
	if len(ps.Names) == 0 {
		return nil, fmt.Errorf("empty priors table")
	}
	return ps, nil
}

// Dim returns the number of parameters.
func (ps *PriorSet) Dim() int { return len(ps.Names) }

// Sample draws a parameter vector from the joint prior.
func (ps *PriorSet) Sample(rng *rand.Rand) []float64 {
	theta := make([]float64, len(ps.Dists))
	for i, d := range ps.Dists {
		theta[i] = d.Sample(rng)
	}
	return theta
}

// LogDensity returns the joint log prior density at theta, or -Inf outside
// the support.
func (ps *PriorSet) LogDensity(theta []float64) float64 {
	total := 0.0
	for i, d := range ps.Dists {
		lp := d.LogDensity(theta[i])
		if math.IsInf(lp, -1) {
			return math.Inf(-1)
		}
		total += lp
	}
	return total
}

// InSupport reports whether theta lies inside the joint prior support.
func (ps *PriorSet) InSupport(theta []float64) bool {
	if len(theta) != len(ps.Dists) {
		return false
	}
	for i, d := range ps.Dists {
		if !d.Support(theta[i]) {
			return false
		}
	}
	return true
}

// Map converts a parameter vector to a name-keyed map in table order.
func (ps *PriorSet) Map(theta []float64) map[string]float64 {
	m := make(map[string]float64, len(ps.Names))
	for i, name := range ps.Names {
		m[name] = theta[i]
	}
	return m
}
