package data

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Grid is a regular lattice of inputs described by one [min step max] row
// per dimension. Points are ordered with dimension 0 varying fastest.
type Grid struct {
	min, step []float64
	size      []int
}

// NewGrid builds a grid from [min step max] rows.
func NewGrid(rows ...[3]float64) (Grid, error) {
	if len(rows) == 0 {
		return Grid{}, fmt.Errorf("%w: grid without dimensions", ErrDimMismatch)
	}

	g := Grid{
		min:  make([]float64, len(rows)),
		step: make([]float64, len(rows)),
		size: make([]int, len(rows)),
	}
	for d, r := range rows {
		lo, dx, hi := r[0], r[1], r[2]
		if !(dx > 0) || !(hi >= lo) || math.IsInf(hi-lo, 0) {
			return Grid{}, fmt.Errorf("data: invalid grid row %d: [%g %g %g]", d, lo, dx, hi)
		}
		g.min[d] = lo
		g.step[d] = dx
		g.size[d] = int(math.Floor((hi-lo)/dx)) + 1
	}
	return g, nil
}

// GridFromMatrix builds a grid from a D×3 matrix of [min step max] rows.
func GridFromMatrix(m mat.Matrix) (Grid, error) {
	r, c := m.Dims()
	if c != 3 {
		return Grid{}, fmt.Errorf("%w: grid matrix has %d columns, want 3", ErrDimMismatch, c)
	}
	rows := make([][3]float64, r)
	for d := range rows {
		rows[d] = [3]float64{m.At(d, 0), m.At(d, 1), m.At(d, 2)}
	}
	return NewGrid(rows...)
}

// Dims returns the grid dimensionality.
func (g Grid) Dims() int { return len(g.size) }

// Len returns the number of grid points.
func (g Grid) Len() int {
	if len(g.size) == 0 {
		return 0
	}
	n := 1
	for _, s := range g.size {
		n *= s
	}
	return n
}

// Point writes grid point n into x.
func (g Grid) Point(n int, x []float64) {
	for d, s := range g.size {
		x[d] = g.min[d] + float64(n%s)*g.step[d]
		n /= s
	}
}

// Each calls fn for every grid point in order until fn returns false.
// The slice passed to fn is reused between calls.
func (g Grid) Each(fn func(n int, x []float64) bool) {
	if len(g.size) == 0 {
		return
	}

	idx := make([]int, len(g.size))
	x := make([]float64, len(g.size))
	copy(x, g.min)

	for n := 0; ; n++ {
		if !fn(n, x) {
			return
		}

		d := 0
		for ; d < len(idx); d++ {
			idx[d]++
			if idx[d] < g.size[d] {
				x[d] = g.min[d] + float64(idx[d])*g.step[d]
				break
			}
			idx[d] = 0
			x[d] = g.min[d]
		}
		if d == len(idx) {
			return
		}
	}
}
