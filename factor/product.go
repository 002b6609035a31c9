package factor

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var productKind = &kind{
	name: "product",
	resize: func(f *Factor, D, P, K int) {
		f.b0 = make([]float64, K)
		f.B0 = mat.NewDense(K, K, nil)
	},
	width: func(f *Factor) int {
		w := 0
		for _, c := range f.children {
			w = max(w, c.Width())
		}
		return w
	},
	eval: func(f *Factor, x []float64, p, i int) float64 {
		v := 1.0
		for _, c := range f.children {
			v *= c.eval(x, p, i%c.weights)
		}
		return v
	},
	mean: func(f *Factor, x []float64, p, i int) float64 {
		v := 1.0
		for _, c := range f.children {
			v *= c.mean(x, p, i%c.weights)
		}
		return v
	},
	variance: func(f *Factor, x []float64, p, i, j int) float64 {
		v := 1.0
		for _, c := range f.children {
			v *= c.variance(x, p, i%c.weights, j%c.weights)
		}
		return v
	},
	cov: func(f *Factor, x1, x2 []float64, p1, p2 int) float64 {
		v := 1.0
		for _, c := range f.children {
			v *= c.covariance(x1, x2, p1, p2)
		}
		return v
	},
	diffMean: func(f *Factor, x []float64, p, i int, df []float64) {
		productDiff(f, df,
			func(c *Factor, dc []float64) { c.diffMean(x, p, i%c.weights, dc) },
			func(c *Factor) float64 { return c.mean(x, p, i%c.weights) })
	},
	diffVar: func(f *Factor, x []float64, p, i, j int, df []float64) {
		productDiff(f, df,
			func(c *Factor, dc []float64) { c.diffVar(x, p, i%c.weights, j%c.weights, dc) },
			func(c *Factor) float64 { return c.variance(x, p, i%c.weights, j%c.weights) })
	},
	div: func(f, g *Factor) float64 {
		div := 0.0
		for n, c := range f.children {
			div += c.divergence(g.children[n])
		}
		return div
	},
	set: func(f *Factor, i int, v float64) error {
		c, n, p0 := f.locate(i)
		if err := c.Set(i-p0, v); err != nil {
			return err
		}
		f.sync(n, p0)
		return nil
	},
	project: func(f *Factor, i int, v float64) float64 {
		c, _, p0 := f.locate(i)
		return c.Project(i-p0, v)
	},
	kernel: func(f *Factor, p0 int) string {
		var sb strings.Builder
		sb.WriteString("double prod = 1.0;\n")
		for _, c := range f.children {
			fmt.Fprintf(&sb, "{\n%s}\nprod *= cov;\n", c.k.kernel(c, p0))
			p0 += c.parms
		}
		sb.WriteString("cov = prod;\n")
		return sb.String()
	},
	copy: func(src, dst *Factor) {
		dst.children = make([]*Factor, len(src.children))
		for n, c := range src.children {
			dst.children[n] = c.Copy()
			dst.children[n].owned = true
		}
	},
	mfInit: func(f *Factor) error {
		for n, c := range f.children {
			if err := c.MeanfieldInit(); err != nil {
				return fmt.Errorf("product factor %d: %w", n, err)
			}
		}
		return nil
	},
	mfStep: productMeanfieldStep,
	mfEnd: func(f, fp *Factor) error {
		for n, c := range f.children {
			if err := c.MeanfieldEnd(fp.children[n]); err != nil {
				return fmt.Errorf("product factor %d: %w", n, err)
			}
		}
		f.Refresh()
		return nil
	},
}

// NewProduct returns the elementwise product of the given factors. Basis
// element i of the product uses element i mod K of each child. The product
// takes ownership of its children; a factor can belong to one product only.
// The empty product is the constant 1.
func NewProduct(children ...*Factor) (*Factor, error) {
	D, P, K := 1, 0, 1
	for n, c := range children {
		if c == nil {
			return nil, fmt.Errorf("%w: product factor %d is nil", ErrInvalidArg, n)
		}
		if c.owned {
			return nil, fmt.Errorf("%w: product factor %d already belongs to a product", ErrInvalidArg, n)
		}
		for m := 0; m < n; m++ {
			if children[m] == c {
				return nil, fmt.Errorf("%w: product factor %d repeated", ErrInvalidArg, n)
			}
		}
		D = max(D, c.Width())
		P += c.parms
		K = max(K, c.weights)
	}

	f := newFactor(productKind, D, P, K)
	f.children = append([]*Factor(nil), children...)
	for _, c := range f.children {
		c.owned = true
	}
	f.Refresh()
	return f, nil
}

// Len returns the number of children of a product factor.
func (f *Factor) Len() int { return len(f.children) }

// Child returns child n of a product factor. Parameters changed directly on
// a child are not seen by the product until Refresh is called.
func (f *Factor) Child(n int) (*Factor, error) {
	if n < 0 || n >= len(f.children) {
		return nil, fmt.Errorf("%w: product child %d of %d", ErrInvalidArg, n, len(f.children))
	}
	return f.children[n], nil
}

// Refresh copies the parameters and information matrices of every child
// into the combined blocks of a product factor.
func (f *Factor) Refresh() {
	for n, p0 := 0, 0; n < len(f.children); n++ {
		c := f.children[n]
		c.Refresh()
		f.sync(n, p0)
		p0 += c.parms
	}
}

// locate returns the child owning combined parameter i, its index and its
// parameter offset.
func (f *Factor) locate(i int) (*Factor, int, int) {
	p0 := 0
	for n, c := range f.children {
		if i < p0+c.parms {
			return c, n, p0
		}
		p0 += c.parms
	}
	panic("factor: parameter index outside product")
}

// sync copies child n's blocks into the combined blocks at offset p0.
func (f *Factor) sync(n, p0 int) {
	c := f.children[n]
	if c.parms == 0 {
		return
	}
	copy(f.par[p0:p0+c.parms], c.par)
	f.inf.Slice(p0, p0+c.parms, p0, p0+c.parms).(*mat.Dense).Copy(c.inf)
}

// productDiff computes the gradient of a product moment: each child's block
// holds its own gradient scaled by the moments of every other child.
func productDiff(f *Factor, df []float64, diff func(*Factor, []float64), moment func(*Factor) float64) {
	p0 := 0
	for _, c := range f.children {
		diff(c, df[p0:p0+c.parms])
		p0 += c.parms
	}
	for n1, c1 := range f.children {
		m := moment(c1)
		p0 = 0
		for n2, c2 := range f.children {
			if n2 != n1 {
				block := df[p0 : p0+c2.parms]
				for q := range block {
					block[q] *= m
				}
			}
			p0 += c2.parms
		}
	}
}

// productMeanfieldStep scales the incoming coefficients by the moments of
// the other children, folds them onto each child's basis and recurses.
func productMeanfieldStep(f, fp *Factor, x []float64, p int, b []float64, B *mat.Dense) error {
	K := f.weights
	for n, c := range f.children {
		if c.fixed || c.parms == 0 {
			continue
		}

		copy(f.b0, b)
		f.B0.Copy(B)
		for n2, c2 := range f.children {
			if n2 == n {
				continue
			}
			for k := 0; k < K; k++ {
				f.b0[k] *= c2.mean(x, p, k%c2.weights)
				for k2 := 0; k2 < K; k2++ {
					f.B0.Set(k, k2, f.B0.At(k, k2)*c2.variance(x, p, k%c2.weights, k2%c2.weights))
				}
			}
		}

		Kc := c.weights
		bc := make([]float64, Kc)
		Bc := mat.NewDense(Kc, Kc, nil)
		for k := 0; k < K; k++ {
			bc[k%Kc] += f.b0[k]
			for k2 := 0; k2 < K; k2++ {
				Bc.Set(k%Kc, k2%Kc, Bc.At(k%Kc, k2%Kc)+f.B0.At(k, k2))
			}
		}

		if err := c.MeanfieldStep(fp.children[n], x, p, bc, Bc); err != nil {
			return fmt.Errorf("product factor %d: %w", n, err)
		}
	}
	return nil
}
