package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/n0madic/go-vfl/data"
	"github.com/n0madic/go-vfl/factor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Mean returns E[φ_jk(x, p)].
func (m *Model) Mean(x []float64, p, j, k int) (float64, error) {
	if err := m.checkWeight(j, k); err != nil {
		return 0, err
	}
	if err := m.checkInput(x); err != nil {
		return 0, err
	}
	return m.factors[j].Unchecked().Mean(x, p, k), nil
}

// Var returns E[φ_j1k1(x, p)·φ_j2k2(x, p)]. Distinct factors are
// independent, so their second moment is the product of means.
func (m *Model) Var(x []float64, p, j1, j2, k1, k2 int) (float64, error) {
	if err := m.checkWeight(j1, k1); err != nil {
		return 0, err
	}
	if err := m.checkWeight(j2, k2); err != nil {
		return 0, err
	}
	if err := m.checkInput(x); err != nil {
		return 0, err
	}
	return m.variance(x, p, j1, j2, k1, k2), nil
}

func (m *Model) variance(x []float64, p, j1, j2, k1, k2 int) float64 {
	if j1 != j2 {
		return m.factors[j1].Unchecked().Mean(x, p, k1) * m.factors[j2].Unchecked().Mean(x, p, k2)
	}
	return m.factors[j1].Unchecked().Var(x, p, k1, k2)
}

// Cov returns the model covariance function between (x1, p1) and
// (x2, p2), including the noise term on the diagonal.
func (m *Model) Cov(x1, x2 []float64, p1, p2 int) (float64, error) {
	if err := m.checkInput(x1); err != nil {
		return 0, err
	}
	if err := m.checkInput(x2); err != nil {
		return 0, err
	}
	return m.cov(x1, x2, p1, p2), nil
}

func (m *Model) cov(x1, x2 []float64, p1, p2 int) float64 {
	var c float64
	for _, f := range m.factors {
		c += f.Unchecked().Cov(x1, x2, p1, p2)
	}
	c /= m.nu
	if slices.Equal(x1, x2) {
		c++
	}
	return c / m.tau
}

// Eval returns the model output at the weight means and factor modes.
func (m *Model) Eval(x []float64, p int) (float64, error) {
	if err := m.checkInput(x); err != nil {
		return 0, err
	}
	var y float64
	for j, f := range m.factors {
		for k := 0; k < f.Weights(); k++ {
			y += m.wbar[m.offsets[j]+k] * f.Unchecked().Eval(x, p, k)
		}
	}
	return y, nil
}

// EvalAll replaces the value of every observation of ds by Eval.
func (m *Model) EvalAll(ds *data.Dataset) error {
	if err := m.checkDataset(ds); err != nil {
		return err
	}
	for i, d := range ds.Data() {
		y, err := m.Eval(d.X, d.P)
		if err != nil {
			return err
		}
		if err := ds.SetValue(i, y); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) checkDataset(ds *data.Dataset) error {
	if ds == nil {
		return fmt.Errorf("%w: nil dataset", factor.ErrInvalidArg)
	}
	if ds.Dims() < m.dims {
		return fmt.Errorf("%w: model reads %d inputs, dataset has %d", ErrDimMismatch, m.dims, ds.Dims())
	}
	return nil
}

// expect fills phi with E[φ(x, p)] and, when q is not nil, q with
// E[φ(x, p)·φ(x, p)ᵀ], both indexed by weight.
func (m *Model) expect(x []float64, p int, phi []float64, q *mat.Dense) {
	for j, f := range m.factors {
		u := f.Unchecked()
		for k := 0; k < f.Weights(); k++ {
			phi[m.offsets[j]+k] = u.Mean(x, p, k)
		}
	}
	if q == nil {
		return
	}
	for j, f := range m.factors {
		u := f.Unchecked()
		k0, Kj := m.offsets[j], f.Weights()
		for a := 0; a < m.weights; a++ {
			for k := 0; k < Kj; k++ {
				b := k0 + k
				if a >= k0 && a < k0+Kj {
					q.Set(a, b, u.Var(x, p, a-k0, k))
				} else {
					q.Set(a, b, phi[a]*phi[b])
				}
			}
		}
	}
}

// expectRows fills phi with E[φ(x, p)] and rows with the Kj×K block of
// E[φφᵀ] belonging to factor j.
func (m *Model) expectRows(x []float64, p, j int, phi []float64, rows *mat.Dense) {
	m.expect(x, p, phi, nil)
	u := m.factors[j].Unchecked()
	k0, Kj := m.offsets[j], m.factors[j].Weights()
	for k := 0; k < Kj; k++ {
		for b := 0; b < m.weights; b++ {
			if b >= k0 && b < k0+Kj {
				rows.Set(k, b, u.Var(x, p, k, b-k0))
			} else {
				rows.Set(k, b, phi[k0+k]*phi[b])
			}
		}
	}
}

// secondMoment returns Σ_ab (s·Σ + wwᵀ)_ab·q_ab.
func (m *Model) secondMoment(s float64, q *mat.Dense) float64 {
	sr := m.sigma.RawMatrix()
	qr := q.RawMatrix()
	var v float64
	for a := 0; a < m.weights; a++ {
		srow := sr.Data[a*sr.Stride : a*sr.Stride+m.weights]
		qrow := qr.Data[a*qr.Stride : a*qr.Stride+m.weights]
		v += s*floats.Dot(srow, qrow) + m.wbar[a]*floats.Dot(m.wbar, qrow)
	}
	return v
}

// Predict returns the posterior predictive mean and variance at (x, p).
// A model without weights predicts (0, 0).
func (m *Model) Predict(x []float64, p int) (mean, variance float64, err error) {
	if err := m.checkInput(x); err != nil {
		return 0, 0, err
	}
	if m.weights == 0 {
		return 0, 0, nil
	}
	phi := make([]float64, m.weights)
	q := mat.NewDense(m.weights, m.weights, nil)
	mean, variance = m.v.predict(m, x, p, phi, q)
	return mean, variance, nil
}

// PredictAll stores predicted means into the values of mean and predicted
// variances into the values of variance. Either may be nil; when both are
// given they must hold the same inputs.
func (m *Model) PredictAll(mean, variance *data.Dataset) error {
	xs := mean
	if xs == nil {
		xs = variance
	}
	if err := m.checkDataset(xs); err != nil {
		return err
	}
	if mean != nil && variance != nil {
		if mean.Dims() != variance.Dims() || mean.Len() != variance.Len() {
			return fmt.Errorf("%w: prediction datasets differ in size", ErrDimMismatch)
		}
		vs := variance.Data()
		for i, d := range mean.Data() {
			if data.Compare(d, vs[i]) != 0 {
				return fmt.Errorf("%w: prediction datasets differ at observation %d", ErrDimMismatch, i)
			}
		}
	}

	var (
		phi []float64
		q   *mat.Dense
	)
	if m.weights > 0 {
		phi = make([]float64, m.weights)
		q = mat.NewDense(m.weights, m.weights, nil)
	}
	for i, d := range xs.Data() {
		var mu, eta float64
		if m.weights > 0 {
			mu, eta = m.v.predict(m, d.X, d.P, phi, q)
		}
		if mean != nil {
			if err := mean.SetValue(i, mu); err != nil {
				return err
			}
		}
		if variance != nil {
			if err := variance.SetValue(i, eta); err != nil {
				return err
			}
		}
	}
	return nil
}

// Kernel returns the covariance-function code of the model: one block per
// factor adding its covariance into sum. Factor parameters are read from
// par starting at index 1.
func (m *Model) Kernel() (string, error) {
	var sb strings.Builder
	p0 := 1
	for j, f := range m.factors {
		code, err := f.Kernel(p0)
		if err != nil {
			return "", fmt.Errorf("factor %d: %w", j, err)
		}
		fmt.Fprintf(&sb, "{\n%s}\nsum += cov;\n", code)
		p0 += f.Parms()
	}
	return sb.String(), nil
}
