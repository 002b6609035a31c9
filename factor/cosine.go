package factor

import (
	"fmt"
	"math"
)

var cosineKind = &kind{
	name: "cosine",
	eval: func(f *Factor, x []float64, p, i int) float64 {
		return math.Cos(f.par[impulseMu]*x[f.dim] + math.Pi/2*float64(i))
	},
	mean: func(f *Factor, x []float64, p, i int) float64 {
		xd := x[f.dim]
		mu, tau := f.par[impulseMu], f.par[impulseTau]
		return math.Exp(-0.5*xd*xd/tau) * math.Cos(mu*xd+math.Pi/2*float64(i))
	},
	variance: func(f *Factor, x []float64, p, i, j int) float64 {
		xd := x[f.dim]
		mu, tau := f.par[impulseMu], f.par[impulseTau]
		zp := math.Pi / 2 * float64(i+j)
		zm := math.Pi / 2 * float64(i-j)
		ep := math.Exp(-2*xd*xd/tau) * math.Cos(2*mu*xd+zp)
		return 0.5 * (ep + math.Cos(zm))
	},
	cov: func(f *Factor, x1, x2 []float64, p1, p2 int) float64 {
		mu, tau := f.par[impulseMu], f.par[impulseTau]
		xm := x1[f.dim] - x2[f.dim]
		return math.Exp(-0.5*xm*xm/tau) * math.Cos(mu*xm+cosinePhase(p1, p2))
	},
	diffMean: func(f *Factor, x []float64, p, i int, df []float64) {
		xd := x[f.dim]
		mu, tau := f.par[impulseMu], f.par[impulseTau]
		theta := mu*xd + math.Pi/2*float64(i)
		E := math.Exp(-0.5 * xd * xd / tau)
		df[impulseMu] = -xd * E * math.Sin(theta)
		df[impulseTau] = 0.5 * (xd * xd) / (tau * tau) * E * math.Cos(theta)
	},
	diffVar: func(f *Factor, x []float64, p, i, j int, df []float64) {
		xp := 2 * x[f.dim]
		mu, tau := f.par[impulseMu], f.par[impulseTau]
		theta := mu*xp + math.Pi/2*float64(i+j)
		E := math.Exp(-0.5 * xp * xp / tau)
		df[impulseMu] = -0.5 * xp * E * math.Sin(theta)
		df[impulseTau] = 0.25 * (xp * xp) / (tau * tau) * E * math.Cos(theta)
	},
	div: func(f, g *Factor) float64 {
		return gaussDiv(f.par[impulseMu], f.par[impulseTau], g.par[impulseMu], g.par[impulseTau])
	},
	kernel: func(f *Factor, p0 int) string {
		return fmt.Sprintf(`const double xd = x1[%d] - x2[%d];
const double mu = par[%d];
const double tau = par[%d];
const double zd = (p1 == p2 ? 0.0 : p1 ? -%f : %f);
cov = exp(-0.5 * xd * xd / tau) * cos(mu * xd + zd);
`, f.dim, f.dim, p0+impulseMu, p0+impulseTau, math.Pi/2, math.Pi/2)
	},
	set:     setLocationPrecision,
	project: projectLocationPrecision,
	mfInit:  leafMeanfieldInit,
	mfStep:  leafMeanfieldStep,
	mfEnd:   leafMeanfieldEnd,
}

// NewCosine returns a cosine/sine pair of basis elements whose frequency
// has mean mu and precision tau.
func NewCosine(mu, tau float64) (*Factor, error) {
	f := newFactor(cosineKind, 1, 2, 2)
	if err := f.Set(impulseMu, mu); err != nil {
		return nil, err
	}
	if err := f.Set(impulseTau, tau); err != nil {
		return nil, err
	}
	return f, nil
}

// cosinePhase is the phase offset between the outputs of a cosine kernel.
func cosinePhase(p1, p2 int) float64 {
	switch {
	case p1 == p2:
		return 0
	case p1 != 0:
		return -math.Pi / 2
	default:
		return math.Pi / 2
	}
}
