package factor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Leaf factors share one mean-field update. Each observation contributes
// the gradient of Σ_k b_k E[φ_k] + Σ_kk' B_kk' E[φ_k φ_k'] with respect to
// the parameters; the sweep ends with a natural-gradient step from the
// prior, projected into the parameter domain.

func leafMeanfieldInit(f *Factor) error {
	if len(f.grad) != f.parms {
		f.grad = make([]float64, f.parms)
	}
	clear(f.grad)
	return nil
}

func leafMeanfieldStep(f, fp *Factor, x []float64, p int, b []float64, B *mat.Dense) error {
	if len(f.grad) != f.parms {
		return fmt.Errorf("%w: mean-field step before init", ErrInvalidArg)
	}

	df := make([]float64, f.parms)
	for k := 0; k < f.weights; k++ {
		f.k.diffMean(f, x, p, k, df)
		for q, v := range df {
			f.grad[q] += b[k] * v
		}
		for k2 := 0; k2 < f.weights; k2++ {
			f.k.diffVar(f, x, p, k, k2, df)
			Bkk := B.At(k, k2)
			for q, v := range df {
				f.grad[q] += Bkk * v
			}
		}
	}
	return nil
}

func leafMeanfieldEnd(f, fp *Factor) error {
	if len(f.grad) != f.parms {
		return fmt.Errorf("%w: mean-field end before init", ErrInvalidArg)
	}

	step, err := f.NaturalStep(f.grad)
	if err != nil {
		return err
	}

	v := make([]float64, f.parms)
	for q := range v {
		v[q] = f.Project(q, fp.par[q]+step[q])
	}
	f.grad = nil
	return f.SetParms(v)
}

// NaturalStep returns the natural-gradient direction F⁻¹·g, where F is the
// Fisher information of the factor.
func (f *Factor) NaturalStep(g []float64) ([]float64, error) {
	if len(g) != f.parms {
		return nil, &InputError{Expected: f.parms, Got: len(g), Type: "gradient vector"}
	}
	if f.parms == 0 {
		return nil, nil
	}

	var s mat.VecDense
	err := s.SolveVec(f.inf, mat.NewVecDense(len(g), append([]float64(nil), g...)))
	var cond mat.Condition
	if err != nil && !errors.As(err, &cond) {
		return nil, fmt.Errorf("%w: singular information matrix: %v", ErrDomain, err)
	}
	return s.RawVector().Data, nil
}
