// Package model turns a declarative compartmental model definition into an
// immutable, validated, executable model. A model is a set of named
// compartments, transitions with rate expressions, optional auxiliary
// variables, an optional stop predicate, an optional output grid, and an
// optional stochastic observation process.
package model

import (
	"fmt"

	"github.com/pflow-xyz/go-outbreak/expr"
)

// ObsFamily identifies an observation distribution family.
type ObsFamily string

const (
	ObsUniform  ObsFamily = "uniform"
	ObsPoisson  ObsFamily = "poisson"
	ObsBinomial ObsFamily = "binomial"
)

// Transition declares one event type. Source and Dest are multisets over
// compartment names; Rate is an expression over compartments, parameters,
// auxiliaries, and t. Aux maps auxiliary-variable names to the constant
// increment applied when the transition fires.
type Transition struct {
	Name   string
	Source map[string]int
	Rate   string
	Dest   map[string]int
	Aux    map[string]float64
}

// Observation declares one observed stream. P1 and P2 are expressions over
// the simulated state; P2 is empty for single-parameter families.
type Observation struct {
	Stream string
	Family ObsFamily
	P1     string
	P2     string
}

// Definition is the declarative input to Compile.
type Definition struct {
	Compartments []string
	Transitions  []Transition
	Params       []string
	Aux          []string
	Stop         string      // optional stop predicate
	Grid         []float64   // optional ascending output grid
	Obs          []Observation
}

// CompiledTransition is a validated transition with its stoichiometry delta.
type CompiledTransition struct {
	Name     string
	Rate     *expr.Compiled
	Source   map[string]int
	Delta    []float64 // per-compartment change, indexed like Model.Compartments
	AuxDelta []float64 // per-auxiliary change, indexed like Model.Aux
}

// CompiledObservation is a validated observation stream.
type CompiledObservation struct {
	Stream string
	Family ObsFamily
	P1     *expr.Compiled
	P2     *expr.Compiled // nil for single-parameter families
}

// Model is an immutable compiled model, shared read-only by the engine and
// all calibration drivers.
type Model struct {
	Compartments []string
	Params       []string
	Aux          []string
	Transitions  []CompiledTransition
	Stop         *expr.Compiled // nil when no stop predicate declared
	Grid         []float64
	Obs          []CompiledObservation

	compIndex map[string]int
	auxIndex  map[string]int
}

// Compile validates the definition and builds the executable model.
func (def *Definition) Compile() (*Model, error) {
	if len(def.Compartments) == 0 {
		return nil, ErrNoCompartments
	}
	if len(def.Transitions) == 0 {
		return nil, ErrNoTransitions
	}

	m := &Model{
		Compartments: append([]string(nil), def.Compartments...),
		Params:       append([]string(nil), def.Params...),
		Aux:          append([]string(nil), def.Aux...),
		compIndex:    make(map[string]int),
		auxIndex:     make(map[string]int),
	}

	declared := make(map[string]bool)
	declared["t"] = true
	for i, name := range m.Compartments {
		if declared[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		declared[name] = true
		m.compIndex[name] = i
	}
	for _, name := range m.Params {
		if declared[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		declared[name] = true
	}
	for i, name := range m.Aux {
		if declared[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		declared[name] = true
		m.auxIndex[name] = i
	}

	for _, tr := range def.Transitions {
		ct, err := m.compileTransition(tr, declared)
		if err != nil {
			return nil, err
		}
		m.Transitions = append(m.Transitions, *ct)
	}

	if def.Stop != "" {
		stop, err := compileChecked(def.Stop, declared)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadStopPredicate, err)
		}
		m.Stop = stop
	}

	if len(def.Grid) > 0 {
		for i := 1; i < len(def.Grid); i++ {
			if def.Grid[i] <= def.Grid[i-1] {
				return nil, fmt.Errorf("%w: grid[%d]=%g after grid[%d]=%g",
					ErrBadGrid, i, def.Grid[i], i-1, def.Grid[i-1])
			}
		}
		m.Grid = append([]float64(nil), def.Grid...)
	}

	for _, obs := range def.Obs {
		co, err := m.compileObservation(obs, declared)
		if err != nil {
			return nil, err
		}
		m.Obs = append(m.Obs, *co)
	}

	return m, nil
}

func (m *Model) compileTransition(tr Transition, declared map[string]bool) (*CompiledTransition, error) {
	if len(tr.Source) == 0 {
		return nil, fmt.Errorf("%w: transition %s", ErrEmptySource, tr.Name)
	}

	rate, err := compileChecked(tr.Rate, declared)
	if err != nil {
		return nil, fmt.Errorf("transition %s rate: %w", tr.Name, err)
	}

	ct := &CompiledTransition{
		Name:     tr.Name,
		Rate:     rate,
		Source:   make(map[string]int, len(tr.Source)),
		Delta:    make([]float64, len(m.Compartments)),
		AuxDelta: make([]float64, len(m.Aux)),
	}

	for name, count := range tr.Source {
		idx, ok := m.compIndex[name]
		if !ok {
			return nil, fmt.Errorf("%w: transition %s source %s", ErrUnknownComponent, tr.Name, name)
		}
		if count <= 0 {
			return nil, fmt.Errorf("%w: transition %s source %s has multiplicity %d",
				ErrEmptySource, tr.Name, name, count)
		}
		ct.Source[name] = count
		ct.Delta[idx] -= float64(count)
	}
	for name, count := range tr.Dest {
		idx, ok := m.compIndex[name]
		if !ok {
			return nil, fmt.Errorf("%w: transition %s dest %s", ErrUnknownComponent, tr.Name, name)
		}
		ct.Delta[idx] += float64(count)
	}
	for name, inc := range tr.Aux {
		idx, ok := m.auxIndex[name]
		if !ok {
			return nil, fmt.Errorf("%w: transition %s auxiliary %s", ErrUnknownComponent, tr.Name, name)
		}
		ct.AuxDelta[idx] += inc
	}

	return ct, nil
}

func (m *Model) compileObservation(obs Observation, declared map[string]bool) (*CompiledObservation, error) {
	if obs.Stream == "" {
		return nil, fmt.Errorf("%w: empty stream name", ErrBadObservation)
	}

	co := &CompiledObservation{Stream: obs.Stream, Family: obs.Family}

	switch obs.Family {
	case ObsPoisson:
		if obs.P2 != "" {
			return nil, fmt.Errorf("%w: stream %s: poisson takes one parameter", ErrBadObservation, obs.Stream)
		}
	case ObsUniform, ObsBinomial:
		if obs.P2 == "" {
			return nil, fmt.Errorf("%w: stream %s: %s takes two parameters", ErrBadObservation, obs.Stream, obs.Family)
		}
	default:
		return nil, fmt.Errorf("%w: stream %s: unknown family %q", ErrBadObservation, obs.Stream, obs.Family)
	}

	p1, err := compileChecked(obs.P1, declared)
	if err != nil {
		return nil, fmt.Errorf("%w: stream %s: %v", ErrBadObservation, obs.Stream, err)
	}
	co.P1 = p1

	if obs.P2 != "" {
		p2, err := compileChecked(obs.P2, declared)
		if err != nil {
			return nil, fmt.Errorf("%w: stream %s: %v", ErrBadObservation, obs.Stream, err)
		}
		co.P2 = p2
	}

	return co, nil
}

// compileChecked compiles an expression and verifies every referenced symbol
// is declared.
func compileChecked(src string, declared map[string]bool) (*expr.Compiled, error) {
	c, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	for _, name := range c.Vars() {
		if !declared[name] {
			return nil, fmt.Errorf("%w: %s in %q", ErrUndeclaredSymbol, name, src)
		}
	}
	return c, nil
}

// CompartmentIndex returns the index of a compartment, or -1 if undeclared.
func (m *Model) CompartmentIndex(name string) int {
	if idx, ok := m.compIndex[name]; ok {
		return idx
	}
	return -1
}

// AuxIndex returns the index of an auxiliary variable, or -1 if undeclared.
func (m *Model) AuxIndex(name string) int {
	if idx, ok := m.auxIndex[name]; ok {
		return idx
	}
	return -1
}

// FindObs returns the observation stream with the given name, or nil.
func (m *Model) FindObs(stream string) *CompiledObservation {
	for i := range m.Obs {
		if m.Obs[i].Stream == stream {
			return &m.Obs[i]
		}
	}
	return nil
}
