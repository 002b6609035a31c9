package factor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
)

// Parameter indices of decay factors.
const (
	decayAlpha = 0
	decayBeta  = 1
)

var decayKind = &kind{
	name: "decay",
	eval: func(f *Factor, x []float64, p, i int) float64 {
		rho := (f.par[decayAlpha] - 1) / f.par[decayBeta]
		return math.Exp(-rho * x[f.dim])
	},
	mean: func(f *Factor, x []float64, p, i int) float64 {
		return decayMoment(f, x[f.dim])
	},
	variance: func(f *Factor, x []float64, p, i, j int) float64 {
		return decayMoment(f, 2*x[f.dim])
	},
	cov: func(f *Factor, x1, x2 []float64, p1, p2 int) float64 {
		return decayMoment(f, x1[f.dim]+x2[f.dim])
	},
	diffMean: func(f *Factor, x []float64, p, i int, df []float64) {
		decayDiff(f, x[f.dim], df)
	},
	diffVar: func(f *Factor, x []float64, p, i, j int, df []float64) {
		decayDiff(f, 2*x[f.dim], df)
	},
	div: func(f, g *Factor) float64 {
		alpha, beta := f.par[decayAlpha], f.par[decayBeta]
		alpha2, beta2 := g.par[decayAlpha], g.par[decayBeta]
		lg1, _ := math.Lgamma(alpha)
		lg2, _ := math.Lgamma(alpha2)
		return alpha*math.Log(beta) - lg1 -
			alpha2*math.Log(beta2) + lg2 +
			(alpha-alpha2)*(mathext.Digamma(alpha)-math.Log(beta)) +
			(beta2-beta)*(alpha/beta)
	},
	kernel: func(f *Factor, p0 int) string {
		return fmt.Sprintf(`const double xd = x1[%d] + x2[%d];
const double alpha = par[%d];
const double beta  = par[%d];
cov = pow(beta / (beta + xd), alpha);
`, f.dim, f.dim, p0+decayAlpha, p0+decayBeta)
	},
	set: func(f *Factor, i int, v float64) error {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: decay parameter %d = %g", ErrDomain, i, v)
		}
		f.par[i] = v
		decayInfo(f)
		return nil
	},
	project: projectPositive,
	mfInit:  leafMeanfieldInit,
	mfStep:  leafMeanfieldStep,
	mfEnd:   leafMeanfieldEnd,
}

// NewDecay returns an exponential decay exp(-ρx) whose rate ρ follows a
// Gamma(alpha, beta) posterior.
func NewDecay(alpha, beta float64) (*Factor, error) {
	for _, v := range []float64{alpha, beta} {
		if !(v > 0) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: decay parameter %g", ErrDomain, v)
		}
	}
	f := newFactor(decayKind, 1, 2, 1)
	f.par[decayAlpha] = alpha
	f.par[decayBeta] = beta
	decayInfo(f)
	return f, nil
}

// decayMoment returns E[exp(-ρx)] = (β/(β+x))^α.
func decayMoment(f *Factor, x float64) float64 {
	beta := f.par[decayBeta]
	return math.Pow(beta/(beta+x), f.par[decayAlpha])
}

func decayDiff(f *Factor, x float64, df []float64) {
	alpha, beta := f.par[decayAlpha], f.par[decayBeta]
	X := beta / (beta + x)
	df[decayAlpha] = math.Pow(X, alpha) * math.Log(X)
	df[decayBeta] = alpha * math.Pow(X, alpha-1) * x / ((beta + x) * (beta + x))
}

// decayInfo refreshes the Gamma Fisher information matrix.
func decayInfo(f *Factor) {
	alpha, beta := f.par[decayAlpha], f.par[decayBeta]
	f.inf.Set(decayAlpha, decayAlpha, trigamma(alpha))
	f.inf.Set(decayAlpha, decayBeta, -1/beta)
	f.inf.Set(decayBeta, decayAlpha, -1/beta)
	f.inf.Set(decayBeta, decayBeta, alpha/(beta*beta))
}

// trigamma evaluates ψ₁(x) for x > 0 by recurrence up to x ≥ 10 followed
// by the asymptotic series.
func trigamma(x float64) float64 {
	var acc float64
	for x < 10 {
		acc += 1 / (x * x)
		x++
	}
	z := 1 / (x * x)
	tail := z / x * (1.0/6 + z*(-1.0/30+z*(1.0/42+z*(-1.0/30))))
	return acc + 1/x + z/2 + tail
}
