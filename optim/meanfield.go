package optim

import (
	"fmt"

	"github.com/n0madic/go-vfl/model"
)

// NewMeanField returns an optimizer that applies the mean-field update of
// every factor in turn. Only the leading factors whose weights together
// stay below the observation count are updated.
func NewMeanField(m *model.Model, options ...Option) (*Optimizer, error) {
	return newOptimizer(m, "meanfield", meanFieldIterate, options...)
}

func meanFieldIterate(o *Optimizer) (bool, error) {
	bound, err := o.refresh()
	if err != nil {
		return false, err
	}
	initial := bound

	N := 0
	if ds := o.mdl.Data(); ds != nil {
		N = ds.Len()
	}
	M, K := 0, 0
	for j := 0; j < o.mdl.Len(); j++ {
		f, _ := o.mdl.Factor(j)
		if K+f.Weights() >= N {
			break
		}
		K += f.Weights()
		M++
	}

	for j := 0; j < M; j++ {
		if o.factorParms(j) == 0 {
			continue
		}
		if err := o.mdl.Meanfield(j); err != nil {
			return false, fmt.Errorf("factor %d: %w", j, err)
		}
		if err := o.mdl.Update(j); err != nil {
			return false, fmt.Errorf("factor %d: %w", j, err)
		}
		bound = o.mdl.Bound()
	}

	o.bound = bound
	return bound != initial, nil
}
