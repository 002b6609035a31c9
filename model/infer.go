package model

import (
	"fmt"
	"math"

	"github.com/n0madic/go-vfl/chol"
	"github.com/n0madic/go-vfl/data"
	"gonum.org/v1/gonum/floats"
)

// Infer recomputes the weight posterior from every observation. Without
// data the posterior equals the prior.
func (m *Model) Infer() error {
	if len(m.factors) == 0 {
		return ErrEmpty
	}
	if m.layoutStale() {
		m.layout()
	}
	if len(m.xi) != m.n() {
		m.resetXi()
	}

	m.assemble()
	if err := m.factorize(); err != nil {
		return err
	}
	return m.solve()
}

// assemble rebuilds h and the precision from all observations.
func (m *Model) assemble() {
	K := m.weights
	clear(m.h)
	m.sinv.Zero()
	copy(m.xiFit, m.xi)

	sr := m.sinv.RawMatrix()
	qr := m.q.RawMatrix()
	for i, d := range m.data() {
		w := m.v.weight(m, i)
		m.expect(d.X, d.P, m.phi, m.q)
		floats.AddScaled(m.h, m.v.target(d.Y), m.phi)
		for a := 0; a < K; a++ {
			floats.AddScaled(sr.Data[a*sr.Stride:a*sr.Stride+K], w, qr.Data[a*qr.Stride:a*qr.Stride+K])
		}
	}
	for k := 0; k < K; k++ {
		m.sinv.Set(k, k, m.sinv.At(k, k)+m.nu)
	}
}

// factorize recomputes L and Σ from the precision.
func (m *Model) factorize() error {
	m.l.Copy(m.sinv)
	if err := chol.Decompose(m.l); err != nil {
		return fmt.Errorf("weight precision: %w", err)
	}
	if err := chol.Invert(m.l, m.sigma); err != nil {
		return fmt.Errorf("weight covariance: %w", err)
	}
	return nil
}

// solve recomputes the weight means from L and h and refreshes the
// variant state.
func (m *Model) solve() error {
	if err := chol.Solve(m.l, m.h, m.wbar); err != nil {
		return fmt.Errorf("weight means: %w", err)
	}
	if m.v.halfMean {
		floats.Scale(0.5, m.wbar)
	}
	return m.v.finish(m)
}

func (m *Model) data() []data.Datum {
	if m.ds == nil {
		return nil
	}
	return m.ds.Data()
}

// layoutStale reports whether a factor changed its size since layout.
func (m *Model) layoutStale() bool {
	for j, f := range m.factors {
		if f.Weights() != m.offsets[j+1]-m.offsets[j] || f.Width() > m.dims {
			return true
		}
	}
	return false
}

// Bound returns the variational lower bound of the model evidence, less
// the divergence of every factor from its prior.
func (m *Model) Bound() float64 {
	if len(m.factors) == 0 {
		return 0
	}
	b := m.v.bound(m)
	for j, f := range m.factors {
		b -= f.Unchecked().Div(m.priors[j])
	}
	return b
}

// logDet returns Σ log L_kk, half the log-determinant of the precision.
func (m *Model) logDet() float64 {
	var s float64
	for k := 0; k < m.weights; k++ {
		s += math.Log(m.l.At(k, k))
	}
	return s
}

// explained returns ‖Lᵀ·wbar‖², the squared norm of the weight means in
// the precision metric.
func (m *Model) explained() float64 {
	var s float64
	for c := 0; c < m.weights; c++ {
		var z float64
		for r := c; r < m.weights; r++ {
			z += m.l.At(r, c) * m.wbar[r]
		}
		s += z * z
	}
	return s
}

// Reset restores every factor to its prior parameters and re-infers.
func (m *Model) Reset() error {
	for j, f := range m.factors {
		if f.Parms() == 0 {
			continue
		}
		if err := f.SetParms(m.priors[j].Par()); err != nil {
			return fmt.Errorf("factor %d: %w", j, err)
		}
	}
	return m.Infer()
}
