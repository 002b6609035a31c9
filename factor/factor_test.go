package factor

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// mustFactor returns a constructor check that stops the test on error.
func mustFactor(t *testing.T) func(*Factor, error) *Factor {
	return func(f *Factor, err error) *Factor {
		t.Helper()
		if err != nil {
			t.Fatalf("Failed to create factor: %v", err)
		}
		return f
	}
}

func TestConstructorSizes(t *testing.T) {
	tests := []struct {
		name    string
		f       func() (*Factor, error)
		D, P, K int
		wantErr bool
	}{
		{"fixed impulse", func() (*Factor, error) { return NewFixedImpulse(0.5, 2) }, 1, 1, 1, false},
		{"impulse", func() (*Factor, error) { return NewImpulse(0, 1) }, 1, 2, 1, false},
		{"cosine", func() (*Factor, error) { return NewCosine(1, 1) }, 1, 2, 2, false},
		{"decay", func() (*Factor, error) { return NewDecay(2, 3) }, 1, 2, 1, false},
		{"polynomial", func() (*Factor, error) { return NewPolynomial(3) }, 1, 0, 4, false},
		{"linear", func() (*Factor, error) { return NewLinear(3) }, 3, 0, 3, false},
		{"quadratic", func() (*Factor, error) { return NewQuadratic(3) }, 3, 0, 6, false},
		{"impulse zero precision", func() (*Factor, error) { return NewImpulse(0, 0) }, 0, 0, 0, true},
		{"decay negative shape", func() (*Factor, error) { return NewDecay(-1, 1) }, 0, 0, 0, true},
		{"negative order", func() (*Factor, error) { return NewPolynomial(-1) }, 0, 0, 0, true},
		{"zero linear inputs", func() (*Factor, error) { return NewLinear(0) }, 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := tt.f()
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if f.Dims() != tt.D || f.Parms() != tt.P || f.Weights() != tt.K {
				t.Errorf("sizes = (%d, %d, %d), want (%d, %d, %d)",
					f.Dims(), f.Parms(), f.Weights(), tt.D, tt.P, tt.K)
			}
			if inf := f.Inf(); (inf == nil) != (tt.P == 0) {
				t.Errorf("Inf() nil = %v for P = %d", inf == nil, tt.P)
			}
		})
	}
}

func TestSetGet(t *testing.T) {
	f := mustFactor(t)(NewImpulse(0.25, 4))

	if err := f.Set(impulseMu, -1.5); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, _ := f.Get(impulseMu); v != -1.5 {
		t.Errorf("Get(mu) = %f, want -1.5", v)
	}

	if err := f.Set(impulseTau, 2); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	inf := f.Inf()
	if inf.At(0, 0) != 2 || math.Abs(inf.At(1, 1)-0.75/4) > 1e-15 {
		t.Errorf("Fisher information not refreshed: %v", mat.Formatted(inf))
	}

	before := f.Par()
	if err := f.Set(impulseTau, -1); !errors.Is(err, ErrDomain) {
		t.Errorf("Expected ErrDomain, got %v", err)
	}
	if got := f.Par(); got[0] != before[0] || got[1] != before[1] {
		t.Errorf("Rejected Set modified parameters: %v -> %v", before, got)
	}

	// SetParms is all or nothing
	if err := f.SetParms([]float64{3, -2}); !errors.Is(err, ErrDomain) {
		t.Errorf("Expected ErrDomain, got %v", err)
	}
	if got := f.Par(); got[0] != before[0] {
		t.Errorf("Rejected SetParms modified mu: %f -> %f", before[0], got[0])
	}
}

func TestInvalidArguments(t *testing.T) {
	f := mustFactor(t)(NewCosine(1, 1))
	x := []float64{0.3}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"get out of range", func() error { _, err := f.Get(2); return err }},
		{"set negative index", func() error { return f.Set(-1, 0) }},
		{"mean basis index", func() error { _, err := f.Mean(x, 0, 2); return err }},
		{"var basis index", func() error { _, err := f.Var(x, 0, 0, 5); return err }},
		{"short input", func() error { _, err := f.Mean(nil, 0, 0); return err }},
		{"gradient length", func() error { return f.DiffMean(x, 0, 0, make([]float64, 1)) }},
		{"parameter vector length", func() error { return f.SetParms([]float64{1}) }},
		{"negative dim", func() error { return f.SetDim(-1) }},
		{"div across kinds", func() error { _, err := f.Div(mustFactor(t)(NewImpulse(0, 1))); return err }},
		{"kernel unsupported", func() error { _, err := mustFactor(t)(NewImpulse(0, 1)).Kernel(0); return err }},
		{"set without parameters", func() error { return mustFactor(t)(NewPolynomial(2)).Set(0, 1) }},
		{"resize product", func() error { return mustFactor(t)(NewProduct()).Resize(1, 0, 2) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrInvalidArg) {
				t.Errorf("Expected ErrInvalidArg, got %v", err)
			}
		})
	}

	var inputErr *InputError
	if err := f.SetParms([]float64{1}); !errors.As(err, &inputErr) {
		t.Errorf("Expected *InputError, got %T", err)
	} else if inputErr.Expected != 2 || inputErr.Got != 1 {
		t.Errorf("InputError = %+v", inputErr)
	}
}

func TestDivergenceOfCopyIsZero(t *testing.T) {
	const tol = 1e-12

	factors := map[string]*Factor{
		"fixed impulse": mustFactor(t)(NewFixedImpulse(1, 3)),
		"impulse":       mustFactor(t)(NewImpulse(-0.5, 2)),
		"cosine":        mustFactor(t)(NewCosine(4, 0.5)),
		"decay":         mustFactor(t)(NewDecay(2.5, 0.7)),
		"product":       mustFactor(t)(NewProduct(mustFactor(t)(NewImpulse(0, 1)), mustFactor(t)(NewDecay(3, 1)))),
	}

	for name, f := range factors {
		t.Run(name, func(t *testing.T) {
			g := f.Copy()
			div, err := f.Div(g)
			if err != nil {
				t.Fatalf("Div failed: %v", err)
			}
			if math.Abs(div) > tol {
				t.Errorf("Div(copy) = %e, want 0", div)
			}

			// moving away from the copy gives a positive divergence
			v := f.Par()
			v[len(v)-1] *= 1.5
			if err := g.SetParms(v); err != nil {
				t.Fatalf("SetParms failed: %v", err)
			}
			if div, _ := f.Div(g); !(div > 0) {
				t.Errorf("Div after perturbation = %e, want > 0", div)
			}
		})
	}
}

// checkGradient compares analytic moment gradients against central
// differences.
func checkGradient(t *testing.T, f *Factor, x []float64) {
	t.Helper()

	const (
		h   = 1e-6
		tol = 1e-5
	)

	par := f.Par()
	moment := func(v []float64, i, j int, second bool) float64 {
		g := f.Copy()
		if err := g.SetParms(v); err != nil {
			t.Fatalf("SetParms failed: %v", err)
		}
		if second {
			m, _ := g.Var(x, 0, i, j)
			return m
		}
		m, _ := g.Mean(x, 0, i)
		return m
	}

	df := make([]float64, f.Parms())
	for i := 0; i < f.Weights(); i++ {
		for j := -1; j < f.Weights(); j++ {
			second := j >= 0
			var err error
			if second {
				err = f.DiffVar(x, 0, i, j, df)
			} else {
				err = f.DiffMean(x, 0, i, df)
			}
			if err != nil {
				t.Fatalf("gradient failed: %v", err)
			}

			for q := range par {
				step := h * math.Max(1, math.Abs(par[q]))
				up := append([]float64(nil), par...)
				dn := append([]float64(nil), par...)
				up[q] += step
				dn[q] -= step
				want := (moment(up, i, j, second) - moment(dn, i, j, second)) / (2 * step)
				if math.Abs(df[q]-want) > tol*math.Max(1, math.Abs(want)) {
					t.Errorf("%s i=%d j=%d param %d: gradient %e, numeric %e", f.Kind(), i, j, q, df[q], want)
				}
			}
		}
	}
}

func TestGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(12357))

	factors := []*Factor{
		mustFactor(t)(NewFixedImpulse(0.2, 3)),
		mustFactor(t)(NewImpulse(-0.3, 2)),
		mustFactor(t)(NewCosine(2, 1.5)),
		mustFactor(t)(NewDecay(2, 1.5)),
		mustFactor(t)(NewProduct(mustFactor(t)(NewImpulse(0.1, 4)), mustFactor(t)(NewCosine(1, 2)))),
	}

	for _, f := range factors {
		t.Run(f.Kind(), func(t *testing.T) {
			for n := 0; n < 5; n++ {
				x := []float64{rng.Float64() + 0.1}
				checkGradient(t, f, x)
			}
		})
	}
}

func TestFixedFactorGradientIsZero(t *testing.T) {
	f := mustFactor(t)(NewImpulse(0, 1))
	f.SetFixed(true)

	df := []float64{7, 7}
	if err := f.DiffMean([]float64{0.5}, 0, 0, df); err != nil {
		t.Fatalf("DiffMean failed: %v", err)
	}
	if df[0] != 0 || df[1] != 0 {
		t.Errorf("Fixed factor gradient = %v, want zeros", df)
	}
}

func TestProductIdentities(t *testing.T) {
	const tol = 1e-14

	empty := mustFactor(t)(NewProduct())
	if empty.Parms() != 0 || empty.Weights() != 1 {
		t.Errorf("Empty product sizes P=%d K=%d, want 0, 1", empty.Parms(), empty.Weights())
	}
	if m, _ := empty.Mean([]float64{3}, 0, 0); m != 1 {
		t.Errorf("Empty product mean = %f, want 1", m)
	}

	a := mustFactor(t)(NewCosine(1.5, 2))
	single := mustFactor(t)(NewProduct(a.Copy()))
	x := []float64{0.7}
	for i := 0; i < 2; i++ {
		want, _ := a.Mean(x, 0, i)
		if got, _ := single.Mean(x, 0, i); math.Abs(got-want) > tol {
			t.Errorf("Single product mean %d = %f, want %f", i, got, want)
		}
		for j := 0; j < 2; j++ {
			want, _ := a.Var(x, 0, i, j)
			if got, _ := single.Var(x, 0, i, j); math.Abs(got-want) > tol {
				t.Errorf("Single product var (%d,%d) = %f, want %f", i, j, got, want)
			}
		}
	}

	b := mustFactor(t)(NewImpulse(0.2, 3))
	c := mustFactor(t)(NewPolynomial(2))
	c.SetDim(1)
	p := mustFactor(t)(NewProduct(b, c))
	if p.Parms() != 2 || p.Weights() != 3 || p.Width() != 2 {
		t.Fatalf("Product sizes P=%d K=%d width=%d", p.Parms(), p.Weights(), p.Width())
	}

	xy := []float64{0.4, -1.2}
	for i := 0; i < 3; i++ {
		mb, _ := b.Mean(xy, 0, 0)
		mc, _ := c.Mean(xy, 0, i)
		if got, _ := p.Mean(xy, 0, i); math.Abs(got-mb*mc) > tol {
			t.Errorf("Product mean %d = %f, want %f", i, got, mb*mc)
		}
	}

	// parameters are delegated to the owning child
	if err := p.Set(1, 5); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, _ := b.Get(1); v != 5 {
		t.Errorf("Child precision = %f, want 5", v)
	}
	if inf := p.Inf(); math.Abs(inf.At(1, 1)-0.75/25) > tol || inf.At(0, 0) != 5 {
		t.Errorf("Product information block not synced: %v", mat.Formatted(inf))
	}

	if _, err := NewProduct(b); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("Expected ErrInvalidArg reusing an owned child, got %v", err)
	}

	dup := p.Copy()
	if err := dup.Set(0, 9); err != nil {
		t.Fatalf("Set on copy failed: %v", err)
	}
	if v, _ := b.Get(0); v != 0.2 {
		t.Errorf("Copy shares children with original: mu = %f", v)
	}
}

func TestDecayDivergence(t *testing.T) {
	const tol = 1e-12

	f := mustFactor(t)(NewDecay(2.5, 0.7))
	g := mustFactor(t)(NewDecay(2.5, 1.05))
	want := 2.5*math.Log(0.7/1.05) + 2.5*(1.05-0.7)/0.7
	if got, _ := f.Div(g); math.Abs(got-want) > tol {
		t.Errorf("Div = %.15f, want %.15f", got, want)
	}

	rng := rand.New(rand.NewSource(12357))
	for n := 0; n < 50; n++ {
		f := mustFactor(t)(NewDecay(0.5+4*rng.Float64(), 0.2+3*rng.Float64()))
		g := mustFactor(t)(NewDecay(0.5+4*rng.Float64(), 0.2+3*rng.Float64()))
		if div, _ := f.Div(g); div < 0 {
			t.Errorf("Div(%v, %v) = %e, want >= 0", f.Par(), g.Par(), div)
		}
	}
}

// randomProduct builds an impulse on input 0 times a decay on input 1.
func randomProduct(t *testing.T, rng *rand.Rand) (*Factor, *Factor, *Factor) {
	t.Helper()
	a := mustFactor(t)(NewImpulse(2*rng.Float64()-1, 0.5+2.5*rng.Float64()))
	b := mustFactor(t)(NewDecay(1+3*rng.Float64(), 0.5+2.5*rng.Float64()))
	if err := b.SetDim(1); err != nil {
		t.Fatalf("SetDim failed: %v", err)
	}
	p := mustFactor(t)(NewProduct(a.Copy(), b.Copy()))
	return p, a, b
}

func TestProductMoments(t *testing.T) {
	const tol = 1e-14

	a := mustFactor(t)(NewCosine(1.5, 2))
	b := mustFactor(t)(NewPolynomial(2))
	if err := b.SetDim(1); err != nil {
		t.Fatalf("SetDim failed: %v", err)
	}
	p := mustFactor(t)(NewProduct(a.Copy(), b.Copy()))
	if p.Weights() != 3 {
		t.Fatalf("Product K = %d, want 3", p.Weights())
	}

	rng := rand.New(rand.NewSource(12357))
	for n := 0; n < 10; n++ {
		x := []float64{2*rng.Float64() - 1, 2*rng.Float64() - 1}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				va, _ := a.Var(x, 0, i%2, j%2)
				vb, _ := b.Var(x, 0, i, j)
				got, err := p.Var(x, 0, i, j)
				if err != nil {
					t.Fatalf("Var failed: %v", err)
				}
				if want := va * vb; math.Abs(got-want) > tol*math.Max(1, math.Abs(want)) {
					t.Errorf("Product var (%d,%d) at %v = %e, want %e", i, j, x, got, want)
				}
			}
		}
	}
}

func TestProductDivergence(t *testing.T) {
	const tol = 1e-14

	rng := rand.New(rand.NewSource(12357))
	for n := 0; n < 20; n++ {
		p, a, b := randomProduct(t, rng)
		q, a2, b2 := randomProduct(t, rng)

		da, _ := a.Div(a2)
		db, _ := b.Div(b2)
		got, err := p.Div(q)
		if err != nil {
			t.Fatalf("Div failed: %v", err)
		}
		if want := da + db; math.Abs(got-want) > tol*math.Max(1, math.Abs(want)) {
			t.Errorf("Product div = %.17g, want %.17g", got, want)
		}
		if got < 0 {
			t.Errorf("Product div = %e, want >= 0", got)
		}
	}
}

func TestImpulseSecondMoment(t *testing.T) {
	const tol = 1e-15

	for _, f := range []*Factor{
		mustFactor(t)(NewFixedImpulse(0.3, 4)),
		mustFactor(t)(NewImpulse(0.3, 4)),
	} {
		x := []float64{-0.2}
		mean, _ := f.Mean(x, 0, 0)
		v, _ := f.Var(x, 0, 0, 0)
		if math.Abs(v-mean) > tol {
			t.Errorf("%s var = %e, want mean %e", f.Kind(), v, mean)
		}
		if want := math.Exp(-0.5 * 4 * 0.25); math.Abs(mean-want) > tol {
			t.Errorf("%s mean = %e, want %e", f.Kind(), mean, want)
		}
	}
}

func TestCovariance(t *testing.T) {
	const tol = 1e-12

	poly := mustFactor(t)(NewPolynomial(3))
	x1, x2 := []float64{0.5}, []float64{-2}
	want := 0.0
	for i := 0; i < 4; i++ {
		want += math.Pow(x1[0]*x2[0], float64(i))
	}
	if got, _ := poly.Cov(x1, x2, 0, 0); math.Abs(got-want) > tol {
		t.Errorf("Polynomial cov = %f, want %f", got, want)
	}

	cos := mustFactor(t)(NewCosine(2, 1))
	same, _ := cos.Cov(x1, x1, 0, 0)
	if math.Abs(same-1) > tol {
		t.Errorf("Cosine cov at zero distance = %f, want 1", same)
	}
	// outputs in quadrature are antisymmetric
	c01, _ := cos.Cov(x1, x2, 0, 1)
	c10, _ := cos.Cov(x1, x2, 1, 0)
	xm := x1[0] - x2[0]
	if math.Abs(c01-math.Exp(-0.5*xm*xm)*math.Cos(2*xm+math.Pi/2)) > tol {
		t.Errorf("Cosine cov(0,1) = %f", c01)
	}
	if math.Abs(c10-math.Exp(-0.5*xm*xm)*math.Cos(2*xm-math.Pi/2)) > tol {
		t.Errorf("Cosine cov(1,0) = %f", c10)
	}

	if got, _ := mustFactor(t)(NewImpulse(0, 1)).Cov(x1, x2, 0, 0); got != 0 {
		t.Errorf("Impulse cov = %f, want 0", got)
	}
}

func TestKernel(t *testing.T) {
	cos := mustFactor(t)(NewCosine(1, 1))
	cos.SetDim(2)
	k, err := cos.Kernel(3)
	if err != nil {
		t.Fatalf("Kernel failed: %v", err)
	}
	for _, want := range []string{"x1[2] - x2[2]", "par[3]", "par[4]", "cov = exp("} {
		if !strings.Contains(k, want) {
			t.Errorf("Cosine kernel missing %q:\n%s", want, k)
		}
	}

	p := mustFactor(t)(NewProduct(mustFactor(t)(NewDecay(1, 2)), mustFactor(t)(NewCosine(0, 1))))
	k, err = p.Kernel(1)
	if err != nil {
		t.Fatalf("Product kernel failed: %v", err)
	}
	if !strings.HasPrefix(k, "double prod = 1.0;\n{\n") || !strings.HasSuffix(k, "}\nprod *= cov;\ncov = prod;\n") {
		t.Errorf("Malformed product kernel:\n%s", k)
	}
	for _, want := range []string{"par[1]", "par[2]", "par[3]", "par[4]"} {
		if !strings.Contains(k, want) {
			t.Errorf("Product kernel missing %q:\n%s", want, k)
		}
	}

	bad := mustFactor(t)(NewProduct(mustFactor(t)(NewImpulse(0, 1))))
	if _, err := bad.Kernel(0); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("Expected ErrInvalidArg for product of impulse, got %v", err)
	}
}

func TestSpec(t *testing.T) {
	const tol = 1e-15

	inner := mustFactor(t)(NewPolynomial(2))
	inner.SetDim(1)
	orig := mustFactor(t)(NewProduct(mustFactor(t)(NewFixedImpulse(0.3, 2)), inner))

	f, err := FromSpec(orig.ToSpec())
	if err != nil {
		t.Fatalf("FromSpec failed: %v", err)
	}
	if f.Kind() != "product" || f.Len() != 2 || f.Weights() != 3 {
		t.Fatalf("Rebuilt factor %s with %d children and K=%d", f.Kind(), f.Len(), f.Weights())
	}

	x := []float64{0.1, 0.9}
	for i := 0; i < 3; i++ {
		want, _ := orig.Mean(x, 0, i)
		if got, _ := f.Mean(x, 0, i); math.Abs(got-want) > tol {
			t.Errorf("Rebuilt mean %d = %f, want %f", i, got, want)
		}
	}

	for _, name := range Kinds() {
		if _, err := New(name); err != nil {
			t.Errorf("New(%q) failed: %v", name, err)
		}
	}
	if _, err := New("bogus"); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("Expected ErrInvalidArg for unknown kind, got %v", err)
	}
}

func TestTrigamma(t *testing.T) {
	const tol = 1e-10

	tests := []struct {
		x, want float64
	}{
		{1, math.Pi * math.Pi / 6},
		{0.5, math.Pi * math.Pi / 2},
		{2, math.Pi*math.Pi/6 - 1},
		{25, 0.040810663257227},
	}

	for _, tt := range tests {
		if got := trigamma(tt.x); math.Abs(got-tt.want) > tol {
			t.Errorf("trigamma(%g) = %.15f, want %.15f", tt.x, got, tt.want)
		}
	}
}

func TestMeanfieldStep(t *testing.T) {
	const tol = 1e-12

	f := mustFactor(t)(NewImpulse(0.1, 2))
	prior := f.Copy()
	x := []float64{0.4}
	b := []float64{0.8}
	B := mat.NewDense(1, 1, []float64{0})

	if err := f.MeanfieldInit(); err != nil {
		t.Fatalf("MeanfieldInit failed: %v", err)
	}
	if err := f.MeanfieldStep(prior, x, 0, b, B); err != nil {
		t.Fatalf("MeanfieldStep failed: %v", err)
	}

	g := make([]float64, 2)
	if err := prior.DiffMean(x, 0, 0, g); err != nil {
		t.Fatalf("DiffMean failed: %v", err)
	}
	g[0] *= b[0]
	g[1] *= b[0]
	step, err := prior.NaturalStep(g)
	if err != nil {
		t.Fatalf("NaturalStep failed: %v", err)
	}

	if err := f.MeanfieldEnd(prior); err != nil {
		t.Fatalf("MeanfieldEnd failed: %v", err)
	}
	par := f.Par()
	pp := prior.Par()
	for q := range par {
		if math.Abs(par[q]-(pp[q]+step[q])) > tol {
			t.Errorf("Parameter %d = %f, want %f", q, par[q], pp[q]+step[q])
		}
	}

	fixed := mustFactor(t)(NewImpulse(0.1, 2))
	fixed.SetFixed(true)
	if err := fixed.MeanfieldStep(nil, nil, 0, nil, nil); err != nil {
		t.Errorf("Fixed factor mean-field step: %v", err)
	}
}
