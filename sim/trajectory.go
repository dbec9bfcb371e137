package sim

// Trajectory is a sequence of (time, state) snapshots on the recording grid,
// piecewise-constant between events. Immutable once returned.
type Trajectory struct {
	Times  []float64
	States []map[string]float64
	Labels []string // compartment order
}

func newTrajectory(labels []string, capacity int) *Trajectory {
	return &Trajectory{
		Times:  make([]float64, 0, capacity),
		States: make([]map[string]float64, 0, capacity),
		Labels: labels,
	}
}

func (tr *Trajectory) record(t float64, env map[string]float64, labels []string) {
	if tr == nil {
		return
	}
	snap := make(map[string]float64, len(labels))
	for _, name := range labels {
		snap[name] = env[name]
	}
	tr.Times = append(tr.Times, t)
	tr.States = append(tr.States, snap)
}

// Len returns the number of recorded snapshots.
func (tr *Trajectory) Len() int {
	if tr == nil {
		return 0
	}
	return len(tr.Times)
}

// GetVariable extracts the time series for one compartment.
func (tr *Trajectory) GetVariable(label string) []float64 {
	out := make([]float64, 0, len(tr.States))
	for _, st := range tr.States {
		out = append(out, st[label])
	}
	return out
}

// GetFinalState returns the last recorded state, or nil when empty.
func (tr *Trajectory) GetFinalState() map[string]float64 {
	if tr == nil || len(tr.States) == 0 {
		return nil
	}
	return tr.States[len(tr.States)-1]
}
