// Package dist provides the probability distributions used by the simulation
// engine and the calibration drivers: observation families (uniform, Poisson,
// binomial) and prior families for model parameters. Every sampler takes an
// explicit *rand.Rand so runs are reproducible under parallel execution.
package dist

import (
	"fmt"
	"math"
	"math/rand"
)

// Distribution is a univariate distribution with a sampler and log-density.
type Distribution interface {
	// Sample draws one value using the given RNG.
	Sample(rng *rand.Rand) float64
	// LogDensity returns the log density (or log mass) at x.
	// Returns -Inf outside the support.
	LogDensity(x float64) float64
	// Support reports whether x is inside the support.
	Support(x float64) bool
}

// Uniform is the continuous uniform distribution on [Lo, Hi].
type Uniform struct {
	Lo, Hi float64
}

func (d Uniform) Sample(rng *rand.Rand) float64 {
	return d.Lo + rng.Float64()*(d.Hi-d.Lo)
}

func (d Uniform) LogDensity(x float64) float64 {
	if !d.Support(x) {
		return math.Inf(-1)
	}
	return -math.Log(d.Hi - d.Lo)
}

func (d Uniform) Support(x float64) bool {
	return x >= d.Lo && x <= d.Hi
}

// Normal is the normal distribution with mean Mu and standard deviation Sigma.
type Normal struct {
	Mu, Sigma float64
}

func (d Normal) Sample(rng *rand.Rand) float64 {
	return d.Mu + d.Sigma*rng.NormFloat64()
}

func (d Normal) LogDensity(x float64) float64 {
	z := (x - d.Mu) / d.Sigma
	return -0.5*z*z - math.Log(d.Sigma) - 0.5*math.Log(2*math.Pi)
}

func (d Normal) Support(x float64) bool { return true }

// LogNormal is the log-normal distribution: log(X) ~ Normal(Mu, Sigma).
type LogNormal struct {
	Mu, Sigma float64
}

func (d LogNormal) Sample(rng *rand.Rand) float64 {
	return math.Exp(d.Mu + d.Sigma*rng.NormFloat64())
}

func (d LogNormal) LogDensity(x float64) float64 {
	if x <= 0 {
		return math.Inf(-1)
	}
	z := (math.Log(x) - d.Mu) / d.Sigma
	return -0.5*z*z - math.Log(x*d.Sigma) - 0.5*math.Log(2*math.Pi)
}

func (d LogNormal) Support(x float64) bool { return x > 0 }

// Gamma is the gamma distribution with shape Shape and rate Rate.
type Gamma struct {
	Shape, Rate float64
}

// Sample draws from the gamma distribution using the Marsaglia-Tsang method,
// with the standard shape<1 boost.
func (d Gamma) Sample(rng *rand.Rand) float64 {
	shape := d.Shape
	boost := 1.0
	if shape < 1 {
		boost = math.Pow(rng.Float64(), 1/shape)
		shape++
	}

	dd := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*dd)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return boost * dd * v / d.Rate
		}
		if math.Log(u) < 0.5*x*x+dd*(1-v+math.Log(v)) {
			return boost * dd * v / d.Rate
		}
	}
}

func (d Gamma) LogDensity(x float64) float64 {
	if x <= 0 {
		return math.Inf(-1)
	}
	lg, _ := math.Lgamma(d.Shape)
	return d.Shape*math.Log(d.Rate) + (d.Shape-1)*math.Log(x) - d.Rate*x - lg
}

func (d Gamma) Support(x float64) bool { return x > 0 }

// Beta is the beta distribution on (0, 1).
type Beta struct {
	A, B float64
}

func (d Beta) Sample(rng *rand.Rand) float64 {
	x := Gamma{Shape: d.A, Rate: 1}.Sample(rng)
	y := Gamma{Shape: d.B, Rate: 1}.Sample(rng)
	return x / (x + y)
}

func (d Beta) LogDensity(x float64) float64 {
	if x <= 0 || x >= 1 {
		return math.Inf(-1)
	}
	la, _ := math.Lgamma(d.A)
	lb, _ := math.Lgamma(d.B)
	lab, _ := math.Lgamma(d.A + d.B)
	return (d.A-1)*math.Log(x) + (d.B-1)*math.Log(1-x) + lab - la - lb
}

func (d Beta) Support(x float64) bool { return x > 0 && x < 1 }

// Poisson is the Poisson distribution with mean Mean.
type Poisson struct {
	Mean float64
}

// Sample draws a Poisson count. Uses Knuth's multiplication method in chunks,
// which is exact for any mean (Poisson means are additive).
func (d Poisson) Sample(rng *rand.Rand) float64 {
	remaining := d.Mean
	if remaining <= 0 {
		return 0
	}
	count := 0.0
	const chunk = 25.0
	for remaining > 0 {
		mean := remaining
		if mean > chunk {
			mean = chunk
		}
		remaining -= mean
		limit := math.Exp(-mean)
		p := rng.Float64()
		for p > limit {
			count++
			p *= rng.Float64()
		}
	}
	return count
}

func (d Poisson) LogDensity(x float64) float64 {
	if !d.Support(x) {
		return math.Inf(-1)
	}
	if d.Mean <= 0 {
		if x == 0 {
			return 0
		}
		return math.Inf(-1)
	}
	lg, _ := math.Lgamma(x + 1)
	return x*math.Log(d.Mean) - d.Mean - lg
}

func (d Poisson) Support(x float64) bool {
	return x >= 0 && x == math.Floor(x)
}

// Binomial is the binomial distribution with N trials and success
// probability P.
type Binomial struct {
	N float64
	P float64
}

func (d Binomial) Sample(rng *rand.Rand) float64 {
	n := int(math.Floor(d.N + 0.5))
	count := 0.0
	for i := 0; i < n; i++ {
		if rng.Float64() < d.P {
			count++
		}
	}
	return count
}

func (d Binomial) LogDensity(x float64) float64 {
	if !d.Support(x) {
		return math.Inf(-1)
	}
	n := math.Floor(d.N + 0.5)
	if d.P <= 0 {
		if x == 0 {
			return 0
		}
		return math.Inf(-1)
	}
	if d.P >= 1 {
		if x == n {
			return 0
		}
		return math.Inf(-1)
	}
	ln1, _ := math.Lgamma(n + 1)
	lk, _ := math.Lgamma(x + 1)
	lnk, _ := math.Lgamma(n - x + 1)
	return ln1 - lk - lnk + x*math.Log(d.P) + (n-x)*math.Log(1-d.P)
}

func (d Binomial) Support(x float64) bool {
	n := math.Floor(d.N + 0.5)
	return x >= 0 && x <= n && x == math.Floor(x)
}

// NewPrior constructs a prior distribution from a family name and two
// hyperparameters, as given in a priors table.
func NewPrior(family string, a, b float64) (Distribution, error) {
	switch family {
	case "uniform":
		if b <= a {
			return nil, fmt.Errorf("uniform prior: upper bound %g <= lower bound %g", b, a)
		}
		return Uniform{Lo: a, Hi: b}, nil
	case "normal":
		if b <= 0 {
			return nil, fmt.Errorf("normal prior: non-positive sd %g", b)
		}
		return Normal{Mu: a, Sigma: b}, nil
	case "lognormal":
		if b <= 0 {
			return nil, fmt.Errorf("lognormal prior: non-positive sd %g", b)
		}
		return LogNormal{Mu: a, Sigma: b}, nil
	case "gamma":
		if a <= 0 || b <= 0 {
			return nil, fmt.Errorf("gamma prior: non-positive shape or rate")
		}
		return Gamma{Shape: a, Rate: b}, nil
	case "beta":
		if a <= 0 || b <= 0 {
			return nil, fmt.Errorf("beta prior: non-positive shape")
		}
		return Beta{A: a, B: b}, nil
	}
	return nil, fmt.Errorf("unknown prior family: %s", family)
}
