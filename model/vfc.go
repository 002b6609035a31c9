package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var vfc = &variant{
	halfMean: true,
	weight:   vfcWeight,
	target:   func(y float64) float64 { return 2*y - 1 },
	finish:   vfcFinish,
	bound:    vfcBound,
	predict:  vfcPredict,
	coef:     vfcCoef,
}

// lambda is the Jaakkola-Jordan coefficient tanh(ξ/2)/(4ξ).
func lambda(xi float64) float64 {
	if math.Abs(xi) < 1e-8 {
		return 0.125
	}
	return math.Tanh(xi/2) / (4 * xi)
}

// logSigmoid returns log σ(x) without overflow.
func logSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func vfcWeight(m *Model, i int) float64 {
	return 2 * lambda(m.xiFit[i])
}

// vfcFinish moves every logistic parameter to its optimum under the
// current weight posterior, ξ² = E[(wᵀφ)²].
func vfcFinish(m *Model) error {
	for i, d := range m.data() {
		m.expect(d.X, d.P, m.phi, m.q)
		m.xi[i] = math.Sqrt(math.Max(m.secondMoment(1, m.q), 0))
	}
	return nil
}

func vfcBound(m *Model) float64 {
	b := -m.logDet() + 0.5*m.explained()
	for _, xi := range m.xiFit {
		b += logSigmoid(xi) - 0.5*xi + lambda(xi)*xi*xi
	}
	return b
}

func vfcPredict(m *Model, x []float64, p int, phi []float64, _ *mat.Dense) (float64, float64) {
	m.expect(x, p, phi, nil)
	rho := sigmoid(floats.Dot(m.wbar, phi))
	return rho, rho * (1 - rho)
}

func vfcCoef(m *Model, i int, y float64) (a, c, s float64) {
	return y - 0.5, 2 * lambda(m.xiFit[i]), 1
}
