package optim

import (
	"fmt"
	"math"
	"slices"

	"github.com/n0madic/go-vfl/model"
)

// momentum is the extrapolation state of one factor.
type momentum struct {
	prev []float64
	t    float64
}

type fista struct {
	state []momentum
}

// NewFISTA returns an accelerated projected-gradient optimizer. Each factor
// in turn takes a step of length 1/L along the bound gradient from an
// extrapolated point, with L starting at the initial Lipschitz constant
// and divided by the Lipschitz step until the bound does not decrease. A
// rejected factor restarts its momentum.
func NewFISTA(m *model.Model, options ...Option) (*Optimizer, error) {
	s := &fista{}
	return newOptimizer(m, "fista", s.iterate, options...)
}

func (s *fista) reset(j int, x []float64) {
	s.state[j].prev = append(s.state[j].prev[:0], x...)
	s.state[j].t = 1
}

func (s *fista) iterate(o *Optimizer) (bool, error) {
	bound, err := o.refresh()
	if err != nil {
		return false, err
	}
	initial := bound

	M := o.mdl.Len()
	if len(s.state) != M {
		s.state = make([]momentum, M)
	}

	for j := 0; j < M; j++ {
		prev := bound
		P := o.factorParms(j)
		if P == 0 {
			continue
		}
		f, _ := o.mdl.Factor(j)

		xa, y, x, g := o.xa[:P], o.xb[:P], o.x[:P], o.g[:P]
		copy(xa, f.Par())
		st := &s.state[j]
		if len(st.prev) != P {
			s.reset(j, xa)
		}

		// extrapolate from the previous accepted point
		tNext := 0.5 * (1 + math.Sqrt(1+4*st.t*st.t))
		beta := (st.t - 1) / tNext
		for q := range y {
			y[q] = f.Project(q, xa[q]+beta*(xa[q]-st.prev[q]))
		}
		if !slices.Equal(y, xa) {
			if _, ok := o.trial(j, y); !ok {
				if err := o.restore(j, xa); err != nil {
					return false, err
				}
				copy(y, xa)
				s.reset(j, xa)
				tNext = 1
			}
		}

		if err := o.gradient(j, g); err != nil {
			return false, fmt.Errorf("factor %d: %w", j, err)
		}

		L := o.l0
		valid := false
		for steps := 0; !valid && steps < o.maxSteps; steps++ {
			for q := range x {
				x[q] = f.Project(q, y[q]+g[q]/L)
			}
			if b, ok := o.trial(j, x); ok && b >= prev {
				bound = b
				valid = true
			}
			o.metrics.observeStep(o.name, valid)
			L /= o.dl
		}

		if !valid {
			if err := o.restore(j, xa); err != nil {
				return false, err
			}
			bound = prev
			s.reset(j, xa)
			continue
		}
		st.prev = append(st.prev[:0], xa...)
		st.t = tNext
	}

	o.bound = bound
	return bound != initial, nil
}
