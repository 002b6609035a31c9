// Package chol implements Cholesky factorization primitives on dense gonum
// storage: decomposition, solves, inversion and the rank-1 update/downdate
// pair used to absorb low-rank changes of a precision matrix.
//
// All factors are lower triangular and stored in a square *mat.Dense whose
// strictly upper triangle is kept at zero.
package chol

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrNotPositiveDefinite is returned when a pivot of a decomposition,
// inversion or downdate is not strictly positive.
var ErrNotPositiveDefinite = errors.New("chol: matrix is not positive definite")

// ErrShape is returned for non-square factors or vectors of the wrong length.
var ErrShape = errors.New("chol: dimension mismatch")

// downdateTol is the relative size below which a downdated pivot is treated
// as lost positive-definiteness.
const downdateTol = 1e-12

func order(a *mat.Dense) (int, error) {
	r, c := a.Dims()
	if r != c {
		return 0, fmt.Errorf("%w: non-square matrix %dx%d", ErrShape, r, c)
	}
	return r, nil
}

// Decompose overwrites a with its lower Cholesky factor L such that
// L·Lᵀ equals the original matrix. Only the lower triangle of a is read.
// On failure a is left unchanged.
func Decompose(a *mat.Dense) error {
	n, err := order(a)
	if err != nil {
		return err
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, a.At(i, j))
		}
	}

	var c mat.Cholesky
	if ok := c.Factorize(sym); !ok {
		return ErrNotPositiveDefinite
	}

	lt := mat.NewTriDense(n, mat.Lower, nil)
	c.LTo(lt)
	a.Copy(lt)
	return nil
}

// Solve computes x such that L·Lᵀ·x = b by forward then back substitution.
// x may alias b.
func Solve(l *mat.Dense, b, x []float64) error {
	n, err := order(l)
	if err != nil {
		return err
	}
	if len(b) != n || len(x) != n {
		return fmt.Errorf("%w: solve with %d/%d elements for order %d", ErrShape, len(b), len(x), n)
	}

	raw := l.RawMatrix()
	ld := raw.Data
	s := raw.Stride

	// Forward substitution: L·z = b
	for i := 0; i < n; i++ {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= ld[i*s+k] * x[k]
		}
		lii := ld[i*s+i]
		if lii == 0 {
			return fmt.Errorf("%w: zero pivot at %d", ErrNotPositiveDefinite, i)
		}
		x[i] = sum / lii
	}

	// Back substitution: Lᵀ·x = z
	for i := n - 1; i >= 0; i-- {
		sum := x[i]
		for k := i + 1; k < n; k++ {
			sum -= ld[k*s+i] * x[k]
		}
		x[i] = sum / ld[i*s+i]
	}

	return nil
}

// Invert writes the inverse of L·Lᵀ into dst, which must have the order of l.
func Invert(l *mat.Dense, dst *mat.Dense) error {
	n, err := order(l)
	if err != nil {
		return err
	}
	if r, c := dst.Dims(); r != n || c != n {
		return fmt.Errorf("%w: inverse destination %dx%d for order %d", ErrShape, r, c, n)
	}

	raw := l.RawMatrix()
	ld := raw.Data
	s := raw.Stride

	// M = L⁻¹, lower triangular, row-major n×n
	m := make([]float64, n*n)
	for j := 0; j < n; j++ {
		ljj := ld[j*s+j]
		if ljj <= 0 {
			return fmt.Errorf("%w: pivot %e at %d", ErrNotPositiveDefinite, ljj, j)
		}
		m[j*n+j] = 1 / ljj
		for i := j + 1; i < n; i++ {
			sum := 0.0
			for k := j; k < i; k++ {
				sum -= ld[i*s+k] * m[k*n+j]
			}
			m[i*n+j] = sum / ld[i*s+i]
		}
	}

	// dst = Mᵀ·M
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := 0.0
			for k := i; k < n; k++ {
				sum += m[k*n+i] * m[k*n+j]
			}
			dst.Set(i, j, sum)
			dst.Set(j, i, sum)
		}
	}

	return nil
}

// Update performs the rank-1 update L·Lᵀ ← L·Lᵀ + x·xᵀ in place.
// x is not modified.
func Update(l *mat.Dense, x []float64) error {
	n, err := order(l)
	if err != nil {
		return err
	}
	if len(x) != n {
		return fmt.Errorf("%w: update vector has %d elements for order %d", ErrShape, len(x), n)
	}

	raw := l.RawMatrix()
	ld := raw.Data
	s := raw.Stride

	v := make([]float64, n)
	copy(v, x)

	for k := 0; k < n; k++ {
		lkk := ld[k*s+k]
		if lkk == 0 {
			return fmt.Errorf("%w: zero diagonal element at k=%d", ErrNotPositiveDefinite, k)
		}

		// Givens rotation to eliminate v[k]
		r := math.Sqrt(lkk*lkk + v[k]*v[k])
		c := r / lkk
		sn := v[k] / lkk
		ld[k*s+k] = r

		for i := k + 1; i < n; i++ {
			ld[i*s+k] = (ld[i*s+k] + sn*v[i]) / c
			v[i] = c*v[i] - sn*ld[i*s+k]
		}
	}

	return nil
}

// Downdate performs the rank-1 downdate L·Lᵀ ← L·Lᵀ − y·yᵀ in place.
// It fails with ErrNotPositiveDefinite when a column pivot L[k,k]² − y[k]²
// becomes non-positive; l is then left unchanged.
func Downdate(l *mat.Dense, y []float64) error {
	n, err := order(l)
	if err != nil {
		return err
	}
	if len(y) != n {
		return fmt.Errorf("%w: downdate vector has %d elements for order %d", ErrShape, len(y), n)
	}

	// Work on a copy so a rejected downdate leaves l intact
	w := mat.DenseCopyOf(l)
	raw := w.RawMatrix()
	wd := raw.Data
	s := raw.Stride

	v := make([]float64, n)
	copy(v, y)

	for k := 0; k < n; k++ {
		lkk := wd[k*s+k]
		d := lkk*lkk - v[k]*v[k]
		if d <= downdateTol*lkk*lkk || math.IsNaN(d) {
			return fmt.Errorf("%w: downdate would destroy SPD property at k=%d", ErrNotPositiveDefinite, k)
		}

		// Hyperbolic rotation to eliminate v[k]
		r := math.Sqrt(d)
		c := r / lkk
		sn := v[k] / lkk
		wd[k*s+k] = r

		for i := k + 1; i < n; i++ {
			wd[i*s+k] = (wd[i*s+k] - sn*v[i]) / c
			v[i] = c*v[i] - sn*wd[i*s+k]
		}
	}

	l.Copy(w)
	return nil
}
