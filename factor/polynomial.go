package factor

import (
	"fmt"
	"math"
)

var polynomialKind = &kind{
	name: "polynomial",
	mean: func(f *Factor, x []float64, p, i int) float64 {
		return math.Pow(x[f.dim], float64(i))
	},
	variance: func(f *Factor, x []float64, p, i, j int) float64 {
		xd := x[f.dim]
		return math.Pow(xd, float64(i)) * math.Pow(xd, float64(j))
	},
	cov: func(f *Factor, x1, x2 []float64, p1, p2 int) float64 {
		u := x1[f.dim] * x2[f.dim]
		cov, term := 0.0, 1.0
		for i := 0; i < f.weights; i++ {
			cov += term
			term *= u
		}
		return cov
	},
	kernel: func(f *Factor, p0 int) string {
		return fmt.Sprintf(`const double xd = x1[%d] * x2[%d];
double term = 1.0;
cov = 0.0;
for (unsigned int i = 0; i < %d; i++) {
  cov += term;
  term *= xd;
}
`, f.dim, f.dim, f.weights)
	},
}

// NewPolynomial returns the monomials 1, x, ..., x^order of one input.
func NewPolynomial(order int) (*Factor, error) {
	if order < 0 {
		return nil, fmt.Errorf("%w: polynomial order %d", ErrInvalidArg, order)
	}
	f := newFactor(polynomialKind, 1, 0, order+1)
	f.fixed = true
	return f, nil
}

// Order returns the degree of a polynomial factor.
func (f *Factor) Order() int {
	return f.weights - 1
}

// SetOrder resizes a polynomial factor to the given degree.
func (f *Factor) SetOrder(order int) error {
	if f.k != polynomialKind {
		return fmt.Errorf("%w: %s has no order", ErrInvalidArg, f.k.name)
	}
	if order < 0 {
		return fmt.Errorf("%w: polynomial order %d", ErrInvalidArg, order)
	}
	return f.resize(f.dims, f.parms, order+1)
}

var linearKind = &kind{
	name: "linear",
	mean: func(f *Factor, x []float64, p, i int) float64 {
		return x[f.dim+i]
	},
	cov: func(f *Factor, x1, x2 []float64, p1, p2 int) float64 {
		cov := 0.0
		for i := 0; i < f.dims; i++ {
			cov += x1[f.dim+i] * x2[f.dim+i]
		}
		return cov
	},
}

// NewLinear returns the identity features x_d, ..., x_{d+dims-1}.
func NewLinear(dims int) (*Factor, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: linear factor over %d inputs", ErrInvalidArg, dims)
	}
	f := newFactor(linearKind, dims, 0, dims)
	f.fixed = true
	return f, nil
}

var quadraticKind = &kind{
	name: "quadratic",
	resize: func(f *Factor, D, P, K int) {
		f.pairs = quadraticPairs(D)
	},
	mean: func(f *Factor, x []float64, p, i int) float64 {
		ab := f.pairs[i]
		return x[f.dim+ab[0]] * x[f.dim+ab[1]]
	},
	cov: func(f *Factor, x1, x2 []float64, p1, p2 int) float64 {
		cov := 0.0
		for _, ab := range f.pairs {
			cov += x1[f.dim+ab[0]] * x1[f.dim+ab[1]] * x2[f.dim+ab[0]] * x2[f.dim+ab[1]]
		}
		return cov
	},
}

// NewQuadratic returns the products x_a·x_b, a ≤ b, of dims inputs.
func NewQuadratic(dims int) (*Factor, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: quadratic factor over %d inputs", ErrInvalidArg, dims)
	}
	f := newFactor(quadraticKind, dims, 0, dims*(dims+1)/2)
	f.fixed = true
	return f, nil
}

func quadraticPairs(dims int) [][2]int {
	pairs := make([][2]int, 0, dims*(dims+1)/2)
	for a := 0; a < dims; a++ {
		for b := a; b < dims; b++ {
			pairs = append(pairs, [2]int{a, b})
		}
	}
	return pairs
}
