package optim

import (
	"fmt"
	"math"

	"github.com/n0madic/go-vfl/model"
	"gonum.org/v1/gonum/mat"
)

// NewFullGradient returns an optimizer that moves each factor along the
// segment between its current parameters and its prior shifted by the
// natural gradient of the bound. The initial position on the segment is
// set by the smallest eigenvalue of the Fisher information and shrinks by
// the Lipschitz step until the bound increases.
func NewFullGradient(m *model.Model, options ...Option) (*Optimizer, error) {
	return newOptimizer(m, "fullgradient", fullGradientIterate, options...)
}

func fullGradientIterate(o *Optimizer) (bool, error) {
	bound, err := o.refresh()
	if err != nil {
		return false, err
	}
	initial := bound

	for j := 0; j < o.mdl.Len(); j++ {
		prev := bound
		P := o.factorParms(j)
		if P == 0 {
			continue
		}
		f, _ := o.mdl.Factor(j)
		prior, _ := o.mdl.Prior(j)

		xa, xb, x, g := o.xa[:P], o.xb[:P], o.x[:P], o.g[:P]
		copy(xa, f.Par())
		copy(xb, prior.Par())

		if err := o.gradient(j, g); err != nil {
			return false, fmt.Errorf("factor %d: %w", j, err)
		}
		step, err := f.NaturalStep(g)
		if err != nil {
			return false, fmt.Errorf("factor %d: %w", j, err)
		}
		for q := range xb {
			xb[q] += step[q]
		}

		gamma := eigenMin(f.Inf()) / o.l0

		valid := false
		for steps := 0; !valid && steps < o.maxSteps; steps++ {
			fa := 1 / (gamma + 1)
			fb := gamma / (gamma + 1)
			for q := range x {
				x[q] = fa*xa[q] + fb*xb[q]
			}

			if b, ok := o.trial(j, x); ok && b > prev {
				bound = b
				valid = true
			}
			o.metrics.observeStep(o.name, valid)
			gamma *= o.dl
		}

		if !valid {
			if err := o.restore(j, xa); err != nil {
				return false, err
			}
			bound = prev
		}
	}

	o.bound = bound
	return bound != initial, nil
}

// eigenMin returns the smallest eigenvalue of the symmetric matrix a.
func eigenMin(a *mat.Dense) float64 {
	n, _ := a.Dims()
	if n == 1 {
		return a.At(0, 0)
	}

	sym := mat.NewSymDense(n, nil)
	for r := 0; r < n; r++ {
		for c := r; c < n; c++ {
			sym.SetSym(r, c, a.At(r, c))
		}
	}

	var es mat.EigenSym
	if !es.Factorize(sym, false) {
		return gershgorinMin(a)
	}
	return es.Values(nil)[0]
}

// gershgorinMin returns the Gershgorin lower bound on the eigenvalues of a.
func gershgorinMin(a *mat.Dense) float64 {
	n, _ := a.Dims()
	lb := 0.0
	for r := 0; r < n; r++ {
		radius := 0.0
		for c := 0; c < n; c++ {
			if c != r {
				radius += math.Abs(a.At(r, c))
			}
		}
		if v := a.At(r, r) - radius; r == 0 || v < lb {
			lb = v
		}
	}
	return lb
}
