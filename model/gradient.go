package model

import (
	"fmt"

	"github.com/n0madic/go-vfl/data"
	"github.com/n0madic/go-vfl/factor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// coefficients writes the coefficients (b, B) of observation i for factor
// j: as a function of factor j alone, the expected log-likelihood of the
// observation is Σ_k b_k·E[φ_jk] + Σ_kk' B_kk'·E[φ_jk·φ_jk'] plus a
// constant. Distinct factors enter b through their means.
func (m *Model) coefficients(i int, d data.Datum, j int, b []float64, B *mat.Dense) {
	a, c, s := m.v.coef(m, i, d.Y)
	m.expect(d.X, d.P, m.phi, nil)

	k0, Kj := m.offsets[j], m.factors[j].Weights()
	for k := 0; k < Kj; k++ {
		r := k0 + k
		wr := m.wbar[r]

		bk := a * wr
		for col := 0; col < m.weights; col++ {
			if col >= k0 && col < k0+Kj {
				continue
			}
			bk -= c * (m.sigma.At(r, col) + s*wr*m.wbar[col]) * m.phi[col]
		}
		b[k] = bk

		for kk := 0; kk < Kj; kk++ {
			B.Set(k, kk, -0.5*c*(m.sigma.At(r, k0+kk)+s*wr*m.wbar[k0+kk]))
		}
	}
}

func (m *Model) checkObservation(i int) error {
	if m.ds == nil {
		return ErrNoData
	}
	if i < 0 || i >= m.ds.Len() {
		return fmt.Errorf("%w: observation index %d of %d", factor.ErrInvalidArg, i, m.ds.Len())
	}
	if m.layoutStale() || len(m.xiFit) != m.ds.Len() {
		return fmt.Errorf("%w: model changed since inference", ErrDimMismatch)
	}
	return nil
}

// Gradient writes into grad the gradient of the expected log-likelihood
// of observation i with respect to the parameters of factor j, at the
// current weight posterior. Fixed factors have a zero gradient.
func (m *Model) Gradient(i, j int, grad []float64) error {
	if err := m.checkFactor(j); err != nil {
		return err
	}
	f := m.factors[j]
	if len(grad) != f.Parms() {
		return &factor.InputError{Expected: f.Parms(), Got: len(grad), Type: "gradient vector"}
	}
	if err := m.checkObservation(i); err != nil {
		return err
	}

	clear(grad)
	if f.Parms() == 0 || f.Fixed() {
		return nil
	}

	Kj := f.Weights()
	b := make([]float64, Kj)
	B := mat.NewDense(Kj, Kj, nil)
	df := make([]float64, f.Parms())

	d := m.ds.Data()[i]
	m.coefficients(i, d, j, b, B)

	u := f.Unchecked()
	for k := 0; k < Kj; k++ {
		u.DiffMean(d.X, d.P, k, df)
		floats.AddScaled(grad, b[k], df)
		for kk := 0; kk < Kj; kk++ {
			u.DiffVar(d.X, d.P, k, kk, df)
			floats.AddScaled(grad, B.At(k, kk), df)
		}
	}
	return nil
}

// Meanfield runs the mean-field update of factor j: the factor receives
// the coefficients of every observation and then commits new parameters.
// Call Update(j) afterwards to refresh the weight posterior.
func (m *Model) Meanfield(j int) error {
	if err := m.checkFactor(j); err != nil {
		return err
	}
	f, prior := m.factors[j], m.priors[j]
	if f.Parms() == 0 || f.Fixed() {
		return nil
	}
	if m.layoutStale() || len(m.xiFit) != m.n() {
		return fmt.Errorf("%w: model changed since inference", ErrDimMismatch)
	}

	if err := f.MeanfieldInit(); err != nil {
		return fmt.Errorf("factor %d: %w", j, err)
	}

	Kj := f.Weights()
	b := make([]float64, Kj)
	B := mat.NewDense(Kj, Kj, nil)
	for i, d := range m.data() {
		m.coefficients(i, d, j, b, B)
		if err := f.MeanfieldStep(prior, d.X, d.P, b, B); err != nil {
			return fmt.Errorf("factor %d: %w", j, err)
		}
	}

	if err := f.MeanfieldEnd(prior); err != nil {
		return fmt.Errorf("factor %d: %w", j, err)
	}
	return nil
}
