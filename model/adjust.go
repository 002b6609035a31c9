package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/n0madic/go-vfl/chol"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var errUnchanged = errors.New("model: precision unchanged")

// Update refreshes the weight posterior after the parameters of factor j
// changed. Only the precision rows of factor j are reassembled; L and Σ
// absorb the change through rank-1 updates and downdates. Whenever that
// adjustment fails the posterior is recomputed by Infer.
func (m *Model) Update(j int) error {
	if err := m.checkFactor(j); err != nil {
		return err
	}
	if m.layoutStale() || len(m.xi) != m.n() {
		return m.Infer()
	}

	err := m.adjust(j)
	if errors.Is(err, errUnchanged) {
		err = m.solve()
	}
	if err == nil {
		return nil
	}

	m.logger.Debug("low-rank update failed, running full inference", zap.Int("factor", j), zap.Error(err))
	return m.Infer()
}

// adjust reassembles the precision rows of factor j and applies the change
// to L and Σ.
func (m *Model) adjust(j int) error {
	K := m.weights
	k0, Kj := m.offsets[j], m.factors[j].Weights()

	// rows before the change
	U := mat.DenseCopyOf(m.sinv.Slice(k0, k0+Kj, 0, K))

	V := mat.NewDense(Kj, K, nil)
	rows := mat.NewDense(Kj, K, nil)
	hj := make([]float64, Kj)
	for i, d := range m.data() {
		w := m.v.weight(m, i)
		t := m.v.target(d.Y)
		m.expectRows(d.X, d.P, j, m.phi, rows)
		for k := 0; k < Kj; k++ {
			hj[k] += t * m.phi[k0+k]
			floats.AddScaled(V.RawRowView(k), w, rows.RawRowView(k))
		}
	}
	for k := 0; k < Kj; k++ {
		V.Set(k, k0+k, V.At(k, k0+k)+m.nu)
	}

	copy(m.h[k0:k0+Kj], hj)
	for k := 0; k < Kj; k++ {
		for c := 0; c < K; c++ {
			m.sinv.Set(k0+k, c, V.At(k, c))
			m.sinv.Set(c, k0+k, V.At(k, c))
		}
	}

	V.Sub(V, U)
	if mat.Norm(V, 2) == 0 {
		return errUnchanged
	}

	// Row k of the change contributes e·vᵀ + v·eᵀ = x·xᵀ − y·yᵀ. Entries
	// shared with earlier rows are already covered by their columns.
	var xs, ys [][]float64
	for k := 0; k < Kj; k++ {
		v := append([]float64(nil), V.RawRowView(k)...)
		v[k0+k] *= 0.5
		for kk := 0; kk < k; kk++ {
			v[k0+kk] = 0
		}

		vnrm := floats.Norm(v, 2)
		if vnrm == 0 {
			continue
		}
		alpha := math.Sqrt(vnrm / 2)
		beta := 1 / vnrm

		x := make([]float64, K)
		y := make([]float64, K)
		for i, vi := range v {
			x[i] = alpha * beta * vi
			y[i] = -alpha * beta * vi
		}
		x[k0+k] += alpha
		y[k0+k] += alpha
		xs = append(xs, x)
		ys = append(ys, y)
	}

	for _, x := range xs {
		if err := chol.Update(m.l, x); err != nil {
			return err
		}
		if err := m.rankOneCov(x, 1); err != nil {
			return err
		}
	}
	for _, y := range ys {
		if err := chol.Downdate(m.l, y); err != nil {
			return err
		}
		if err := m.rankOneCov(y, -1); err != nil {
			return err
		}
	}

	return m.solve()
}

// rankOneCov applies the Sherman-Morrison update of Σ for the precision
// change sign·x·xᵀ.
func (m *Model) rankOneCov(x []float64, sign float64) error {
	xv := mat.NewVecDense(len(x), x)
	var z mat.VecDense
	z.MulVec(m.sigma, xv)

	d := 1 + sign*mat.Dot(&z, xv)
	if !(d > 0) {
		return fmt.Errorf("%w: covariance update denominator %g", chol.ErrNotPositiveDefinite, d)
	}
	m.sigma.RankOne(m.sigma, -sign/d, &z, &z)
	return nil
}
