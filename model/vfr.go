package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// variant is the dispatch table of one inference variant.
type variant struct {
	fixedTau bool // τ is a hyper-parameter, not inferred
	halfMean bool // wbar = ½·Sinv⁻¹·h

	// assembly weight of observation i and projection target of y
	weight func(m *Model, i int) float64
	target func(y float64) float64

	// finish refreshes the variant state after the weight means changed
	finish func(m *Model) error

	bound   func(m *Model) float64
	predict func(m *Model, x []float64, p int, phi []float64, q *mat.Dense) (float64, float64)

	// coef returns the expected log-likelihood coefficients of observation
	// i as a·wᵀφ − ½·c·Σ_ab (Σ + s·wwᵀ)_ab·φ_a·φ_b
	coef func(m *Model, i int, y float64) (a, c, s float64)
}

var variants = map[Kind]*variant{
	KindVFR:    vfr,
	KindTauVFR: tauvfr,
	KindVFC:    vfc,
}

var vfr = &variant{
	weight:  unitWeight,
	target:  identity,
	finish:  vfrFinish,
	bound:   vfrBound,
	predict: regressionPredict,
	coef:    regressionCoef,
}

func unitWeight(*Model, int) float64 { return 1 }

func identity(y float64) float64 { return y }

// vfrFinish updates the Gamma posterior of the noise precision.
func vfrFinish(m *Model) error {
	var yy float64
	if m.ds != nil {
		yy = m.ds.Inner()
	}
	m.alpha = m.alpha0 + 0.5*float64(m.n())
	m.beta = m.beta0 + 0.5*(yy-m.explained())
	if math.IsNaN(m.beta) || math.IsInf(m.beta, 0) {
		return fmt.Errorf("%w: beta = %g", ErrNonFinite, m.beta)
	}
	m.tau = m.alpha / m.beta
	return nil
}

func vfrBound(m *Model) float64 {
	return -m.logDet() - m.alpha*math.Log(m.beta)
}

// noiseVar returns the predictive noise variance: the mean of 1/τ under
// its Gamma posterior, or 1/τ when the shape is too small for that mean.
func noiseVar(m *Model) float64 {
	if m.v.fixedTau {
		return 1 / m.tau
	}
	if m.alpha > 1 {
		return m.beta / (m.alpha - 1)
	}
	return m.beta / m.alpha
}

func regressionPredict(m *Model, x []float64, p int, phi []float64, q *mat.Dense) (float64, float64) {
	m.expect(x, p, phi, q)
	mu := floats.Dot(m.wbar, phi)
	// Σ is normalised by the noise precision and shares its 1/τ estimate
	tauinv := noiseVar(m)
	return mu, tauinv - mu*mu + m.secondMoment(tauinv, q)
}

func regressionCoef(m *Model, _ int, y float64) (a, c, s float64) {
	return m.tau * y, 1, m.tau
}
