package model

// SIR returns the standard SIR epidemic definition with frequency-dependent
// transmission: infection fires at beta*S*I/N, recovery at gamma*I. The
// auxiliary variable "cases" accumulates the infection count, which is the
// usual calibration target (final size or cumulative incidence).
func SIR() *Definition {
	return &Definition{
		Compartments: []string{"S", "I", "R"},
		Params:       []string{"beta", "gamma", "N"},
		Aux:          []string{"cases"},
		Transitions: []Transition{
			{
				Name:   "infection",
				Source: map[string]int{"S": 1, "I": 1},
				Rate:   "beta * S * I / N",
				Dest:   map[string]int{"I": 2},
				Aux:    map[string]float64{"cases": 1},
			},
			{
				Name:   "recovery",
				Source: map[string]int{"I": 1},
				Rate:   "gamma * I",
				Dest:   map[string]int{"R": 1},
			},
		},
	}
}

// SEIR returns the SEIR epidemic definition with an incubation stage.
func SEIR() *Definition {
	return &Definition{
		Compartments: []string{"S", "E", "I", "R"},
		Params:       []string{"beta", "sigma", "gamma", "N"},
		Aux:          []string{"cases"},
		Transitions: []Transition{
			{
				Name:   "exposure",
				Source: map[string]int{"S": 1, "I": 1},
				Rate:   "beta * S * I / N",
				Dest:   map[string]int{"E": 1, "I": 1},
				Aux:    map[string]float64{"cases": 1},
			},
			{
				Name:   "incubation",
				Source: map[string]int{"E": 1},
				Rate:   "sigma * E",
				Dest:   map[string]int{"I": 1},
			},
			{
				Name:   "recovery",
				Source: map[string]int{"I": 1},
				Rate:   "gamma * I",
				Dest:   map[string]int{"R": 1},
			},
		},
	}
}
