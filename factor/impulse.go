package factor

import (
	"fmt"
	"math"
)

// Parameter indices of impulse factors.
const (
	impulseMu  = 0
	impulseTau = 1
)

var fixedImpulseKind = &kind{
	name:     "fixed-impulse",
	mean:     fixedImpulseMean,
	variance: func(f *Factor, x []float64, p, i, j int) float64 { return fixedImpulseMean(f, x, p, i) },
	eval: func(f *Factor, x []float64, p, i int) float64 {
		if x[f.dim] == f.mu {
			return 1
		}
		return 0
	},
	diffMean: fixedImpulseDiff,
	diffVar:  func(f *Factor, x []float64, p, i, j int, df []float64) { fixedImpulseDiff(f, x, p, i, df) },
	div: func(f, g *Factor) float64 {
		return gaussDiv(f.mu, f.par[0], g.mu, g.par[0])
	},
	set: func(f *Factor, i int, v float64) error {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: fixed-impulse precision %g", ErrDomain, v)
		}
		f.par[0] = v
		f.inf.Set(0, 0, 0.75/(v*v))
		return nil
	},
	project: projectPositive,
	mfInit:  leafMeanfieldInit,
	mfStep:  leafMeanfieldStep,
	mfEnd:   leafMeanfieldEnd,
}

// NewFixedImpulse returns a Gaussian bump exp(-τ(x-μ)²/2) at the fixed
// location mu, with precision tau as its only parameter.
func NewFixedImpulse(mu, tau float64) (*Factor, error) {
	f := newFactor(fixedImpulseKind, 1, 1, 1)
	f.mu = mu
	if err := f.Set(0, tau); err != nil {
		return nil, err
	}
	return f, nil
}

// Location returns the fixed location of a fixed-impulse factor.
func (f *Factor) Location() float64 { return f.mu }

// SetLocation moves a fixed-impulse factor.
func (f *Factor) SetLocation(mu float64) error {
	if f.k != fixedImpulseKind {
		return fmt.Errorf("%w: %s has no fixed location", ErrInvalidArg, f.k.name)
	}
	if math.IsNaN(mu) || math.IsInf(mu, 0) {
		return fmt.Errorf("%w: location %g", ErrDomain, mu)
	}
	f.mu = mu
	return nil
}

func fixedImpulseMean(f *Factor, x []float64, p, i int) float64 {
	u := x[f.dim] - f.mu
	return math.Exp(-0.5 * f.par[0] * u * u)
}

func fixedImpulseDiff(f *Factor, x []float64, p, i int, df []float64) {
	u := x[f.dim] - f.mu
	df[0] = -0.5 * u * u * fixedImpulseMean(f, x, p, i)
}

var impulseKind = &kind{
	name:     "impulse",
	mean:     impulseMean,
	variance: func(f *Factor, x []float64, p, i, j int) float64 { return impulseMean(f, x, p, i) },
	eval: func(f *Factor, x []float64, p, i int) float64 {
		if x[f.dim] == f.par[impulseMu] {
			return 1
		}
		return 0
	},
	diffMean: impulseDiff,
	diffVar:  func(f *Factor, x []float64, p, i, j int, df []float64) { impulseDiff(f, x, p, i, df) },
	div: func(f, g *Factor) float64 {
		return gaussDiv(f.par[impulseMu], f.par[impulseTau], g.par[impulseMu], g.par[impulseTau])
	},
	set:     setLocationPrecision,
	project: projectLocationPrecision,
	mfInit:  leafMeanfieldInit,
	mfStep:  leafMeanfieldStep,
	mfEnd:   leafMeanfieldEnd,
}

// NewImpulse returns a Gaussian bump whose location has mean mu and
// precision tau.
func NewImpulse(mu, tau float64) (*Factor, error) {
	f := newFactor(impulseKind, 1, 2, 1)
	if err := f.Set(impulseMu, mu); err != nil {
		return nil, err
	}
	if err := f.Set(impulseTau, tau); err != nil {
		return nil, err
	}
	return f, nil
}

func impulseMean(f *Factor, x []float64, p, i int) float64 {
	u := x[f.dim] - f.par[impulseMu]
	return math.Exp(-0.5 * f.par[impulseTau] * u * u)
}

func impulseDiff(f *Factor, x []float64, p, i int, df []float64) {
	tau := f.par[impulseTau]
	u := x[f.dim] - f.par[impulseMu]
	G := impulseMean(f, x, p, i)
	df[impulseMu] = G * tau * u
	df[impulseTau] = -0.5 * u * u * G
}

// setLocationPrecision stores (μ, τ) parameters shared by the impulse and
// cosine kinds. The information matrix is diag(τ, 3/(4τ²)).
func setLocationPrecision(f *Factor, i int, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s parameter %d = %g", ErrDomain, f.k.name, i, v)
	}
	switch i {
	case impulseMu:
		f.par[impulseMu] = v
	case impulseTau:
		if v <= 0 {
			return fmt.Errorf("%w: %s precision %g", ErrDomain, f.k.name, v)
		}
		f.par[impulseTau] = v
		f.inf.Set(impulseMu, impulseMu, v)
		f.inf.Set(impulseTau, impulseTau, 0.75/(v*v))
	}
	return nil
}

func projectLocationPrecision(f *Factor, i int, v float64) float64 {
	if i == impulseTau {
		return projectPositive(f, i, v)
	}
	return v
}

// projectPositive halves a non-positive proposal towards zero from the
// current value.
func projectPositive(f *Factor, i int, v float64) float64 {
	if v > 0 {
		return v
	}
	return 0.5 * f.par[i]
}

// gaussDiv is the divergence between Gaussian location posteriors
// N(mu, 1/tau) and N(mu2, 1/tau2).
func gaussDiv(mu, tau, mu2, tau2 float64) float64 {
	return 0.5*tau2*(mu*mu+1/tau-2*mu*mu2+mu2*mu2) - 0.5*math.Log(tau2/tau) - 0.5
}
