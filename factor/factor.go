// Package factor implements parameterized basis functions ("factors") for
// variational feature models.
//
// A factor contributes K basis elements, each receiving one linear weight in
// a model. Its P parameters carry a variational posterior summarized by the
// parameter vector and its Fisher information. Behaviour is selected by a
// closed set of kinds; each kind is a dispatch table whose missing entries
// fall back to the defaults documented on the corresponding methods.
package factor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidArg reports an out-of-range index, a wrong vector length or
	// a capability the factor kind does not provide.
	ErrInvalidArg = errors.New("factor: invalid argument")

	// ErrDomain reports a parameter value rejected by the factor kind.
	ErrDomain = errors.New("factor: parameter out of domain")
)

// InputError represents an input validation error.
type InputError struct {
	Expected int
	Got      int
	Type     string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("%s must have size %d, got %d", e.Type, e.Expected, e.Got)
}

// Unwrap allows errors.Is(err, ErrInvalidArg).
func (e *InputError) Unwrap() error {
	return ErrInvalidArg
}

// kind is the dispatch table of one factor type.
type kind struct {
	name string

	eval     func(f *Factor, x []float64, p, i int) float64
	mean     func(f *Factor, x []float64, p, i int) float64
	variance func(f *Factor, x []float64, p, i, j int) float64
	cov      func(f *Factor, x1, x2 []float64, p1, p2 int) float64
	diffMean func(f *Factor, x []float64, p, i int, df []float64)
	diffVar  func(f *Factor, x []float64, p, i, j int, df []float64)
	div      func(f, g *Factor) float64
	set      func(f *Factor, i int, v float64) error
	project  func(f *Factor, i int, v float64) float64
	kernel   func(f *Factor, p0 int) string
	resize   func(f *Factor, D, P, K int)
	copy     func(src, dst *Factor)
	width    func(f *Factor) int

	mfInit func(f *Factor) error
	mfStep func(f, fp *Factor, x []float64, p int, b []float64, B *mat.Dense) error
	mfEnd  func(f, fp *Factor) error
}

// Factor is a basis-function node of a variational feature model.
type Factor struct {
	k *kind

	dims    int // D: input dimensions consumed
	parms   int // P: parameter count
	weights int // K: basis elements

	dim   int // first input index read
	fixed bool

	par []float64
	inf *mat.Dense // P×P, nil when P == 0

	// fixed-impulse location
	mu float64

	// quadratic index pairs
	pairs [][2]int

	// product children and mean-field scratch
	children []*Factor
	owned    bool
	b0       []float64
	B0       *mat.Dense

	// leaf mean-field accumulator
	grad []float64
}

func newFactor(k *kind, D, P, K int) *Factor {
	f := &Factor{k: k}
	if err := f.resize(D, P, K); err != nil {
		panic(err) // constructor sizes are constants
	}
	return f
}

// resize atomically changes (D, P, K) and zeroes par and inf.
func (f *Factor) resize(D, P, K int) error {
	if D <= 0 || K <= 0 || P < 0 {
		return fmt.Errorf("%w: resize to D=%d P=%d K=%d", ErrInvalidArg, D, P, K)
	}

	f.par = make([]float64, P)
	f.inf = nil
	if P > 0 {
		f.inf = mat.NewDense(P, P, nil)
	}
	f.grad = nil

	if f.k.resize != nil {
		f.k.resize(f, D, P, K)
	}
	f.dims, f.parms, f.weights = D, P, K
	return nil
}

// Resize changes the sizes of the factor. Parameters and information are
// cleared, so the caller is expected to set them again.
func (f *Factor) Resize(D, P, K int) error {
	ok := P == f.parms
	switch f.k {
	case productKind:
		ok = false
	case linearKind:
		ok = ok && K == D
	case quadraticKind:
		ok = ok && K == D*(D+1)/2
	}
	if !ok {
		return fmt.Errorf("%w: %s cannot take sizes D=%d P=%d K=%d", ErrInvalidArg, f.k.name, D, P, K)
	}
	return f.resize(D, P, K)
}

// Kind returns the registry name of the factor type.
func (f *Factor) Kind() string { return f.k.name }

// Dims returns the number of input dimensions consumed.
func (f *Factor) Dims() int { return f.dims }

// Parms returns the number of parameters.
func (f *Factor) Parms() int { return f.parms }

// Weights returns the number of basis elements.
func (f *Factor) Weights() int { return f.weights }

// Dim returns the first input index read by the factor.
func (f *Factor) Dim() int { return f.dim }

// SetDim sets the first input index read by the factor.
func (f *Factor) SetDim(d int) error {
	if d < 0 {
		return fmt.Errorf("%w: negative input index %d", ErrInvalidArg, d)
	}
	f.dim = d
	return nil
}

// Width returns the minimum input length the factor reads from.
func (f *Factor) Width() int {
	if f.k.width != nil {
		return f.k.width(f)
	}
	return f.dim + f.dims
}

// Fixed reports whether gradients of the factor are suppressed.
func (f *Factor) Fixed() bool { return f.fixed }

// SetFixed toggles gradient suppression.
func (f *Factor) SetFixed(fixed bool) { f.fixed = fixed }

// Par returns a copy of the parameter vector.
func (f *Factor) Par() []float64 {
	return append([]float64(nil), f.par...)
}

// Inf returns a copy of the Fisher information matrix, or nil when P == 0.
func (f *Factor) Inf() *mat.Dense {
	if f.inf == nil {
		return nil
	}
	return mat.DenseCopyOf(f.inf)
}

// Get returns parameter i.
func (f *Factor) Get(i int) (float64, error) {
	if i < 0 || i >= f.parms {
		return 0, fmt.Errorf("%w: parameter index %d of %d", ErrInvalidArg, i, f.parms)
	}
	return f.par[i], nil
}

// Set assigns parameter i and refreshes the affected Fisher information.
// A rejected value leaves the factor untouched.
func (f *Factor) Set(i int, v float64) error {
	if i < 0 || i >= f.parms {
		return fmt.Errorf("%w: parameter index %d of %d", ErrInvalidArg, i, f.parms)
	}
	if f.k.set == nil {
		return fmt.Errorf("%w: %s has no settable parameters", ErrInvalidArg, f.k.name)
	}
	return f.k.set(f, i, v)
}

// SetParms assigns every parameter in order. Values are validated before
// any is stored, so the factor is either fully updated or untouched.
func (f *Factor) SetParms(v []float64) error {
	if len(v) != f.parms {
		return &InputError{Expected: f.parms, Got: len(v), Type: "parameter vector"}
	}
	if f.parms == 0 {
		return nil
	}

	g := f.Copy()
	for i, vi := range v {
		if err := g.Set(i, vi); err != nil {
			return err
		}
	}
	f.take(g)
	return nil
}

// take moves the parameter state of g into f.
func (f *Factor) take(g *Factor) {
	copy(f.par, g.par)
	if f.inf != nil {
		f.inf.Copy(g.inf)
	}
	for n, c := range f.children {
		c.take(g.children[n])
	}
}

// Project clamps a proposed value of parameter i into its domain.
func (f *Factor) Project(i int, v float64) float64 {
	if i < 0 || i >= f.parms || f.k.project == nil {
		return v
	}
	return f.k.project(f, i, v)
}

func (f *Factor) checkInput(x []float64, idx ...int) error {
	if w := f.Width(); len(x) < w {
		return &InputError{Expected: w, Got: len(x), Type: "input vector"}
	}
	for _, i := range idx {
		if i < 0 || i >= f.weights {
			return fmt.Errorf("%w: basis index %d of %d", ErrInvalidArg, i, f.weights)
		}
	}
	return nil
}

// Eval returns basis element i at the mode of the parameter distribution.
// Kinds without a mode evaluation use Mean.
func (f *Factor) Eval(x []float64, p, i int) (float64, error) {
	if err := f.checkInput(x, i); err != nil {
		return 0, err
	}
	return f.eval(x, p, i), nil
}

// Mean returns E[φ_i(x, p)].
func (f *Factor) Mean(x []float64, p, i int) (float64, error) {
	if err := f.checkInput(x, i); err != nil {
		return 0, err
	}
	return f.mean(x, p, i), nil
}

// Var returns E[φ_i(x, p)·φ_j(x, p)]. Kinds without a closed form use the
// product of means.
func (f *Factor) Var(x []float64, p, i, j int) (float64, error) {
	if err := f.checkInput(x, i, j); err != nil {
		return 0, err
	}
	return f.variance(x, p, i, j), nil
}

// Cov returns the cross-input second moment used by covariance kernels.
// Kinds without one contribute zero.
func (f *Factor) Cov(x1, x2 []float64, p1, p2 int) (float64, error) {
	if err := f.checkInput(x1); err != nil {
		return 0, err
	}
	if err := f.checkInput(x2); err != nil {
		return 0, err
	}
	return f.covariance(x1, x2, p1, p2), nil
}

// DiffMean writes the parameter gradient of Mean into df.
// Fixed factors yield the zero vector.
func (f *Factor) DiffMean(x []float64, p, i int, df []float64) error {
	if err := f.checkInput(x, i); err != nil {
		return err
	}
	if len(df) != f.parms {
		return &InputError{Expected: f.parms, Got: len(df), Type: "gradient vector"}
	}
	if !f.fixed && f.parms > 0 && f.k.diffMean == nil {
		return fmt.Errorf("%w: %s has no mean gradient", ErrInvalidArg, f.k.name)
	}
	f.diffMean(x, p, i, df)
	return nil
}

// DiffVar writes the parameter gradient of Var into df.
// Fixed factors yield the zero vector.
func (f *Factor) DiffVar(x []float64, p, i, j int, df []float64) error {
	if err := f.checkInput(x, i, j); err != nil {
		return err
	}
	if len(df) != f.parms {
		return &InputError{Expected: f.parms, Got: len(df), Type: "gradient vector"}
	}
	if !f.fixed && f.parms > 0 && f.k.diffVar == nil {
		return fmt.Errorf("%w: %s has no variance gradient", ErrInvalidArg, f.k.name)
	}
	f.diffVar(x, p, i, j, df)
	return nil
}

// Div returns the Kullback-Leibler divergence D(f ‖ g) between factors of
// the same kind and parameter count.
func (f *Factor) Div(g *Factor) (float64, error) {
	if !f.compatible(g) {
		return 0, fmt.Errorf("%w: divergence between incompatible factors", ErrInvalidArg)
	}
	return f.divergence(g), nil
}

// compatible reports whether g has the kind and parameter layout of f.
func (f *Factor) compatible(g *Factor) bool {
	if g == nil || g.k != f.k || g.parms != f.parms || len(g.children) != len(f.children) {
		return false
	}
	for n, c := range f.children {
		if !c.compatible(g.children[n]) {
			return false
		}
	}
	return true
}

// Kernel returns the covariance-function code fragment of the factor,
// reading its parameters from par[p0...].
func (f *Factor) Kernel(p0 int) (string, error) {
	if p0 < 0 {
		return "", fmt.Errorf("%w: negative parameter offset %d", ErrInvalidArg, p0)
	}
	if name, ok := f.hasKernel(); !ok {
		return "", fmt.Errorf("%w: %s has no kernel", ErrInvalidArg, name)
	}
	return f.k.kernel(f, p0), nil
}

func (f *Factor) hasKernel() (string, bool) {
	if f.k.kernel == nil {
		return f.k.name, false
	}
	for _, c := range f.children {
		if name, ok := c.hasKernel(); !ok {
			return name, false
		}
	}
	return "", true
}

// Copy returns a deep copy of the factor, including product children.
func (f *Factor) Copy() *Factor {
	g := &Factor{k: f.k}
	_ = g.resize(f.dims, f.parms, f.weights)
	g.dim = f.dim
	g.fixed = f.fixed
	copy(g.par, f.par)
	if f.inf != nil {
		g.inf.Copy(f.inf)
	}
	g.mu = f.mu
	if f.k.copy != nil {
		f.k.copy(f, g)
	}
	return g
}

// MeanfieldInit starts a mean-field sweep.
func (f *Factor) MeanfieldInit() error {
	if f.fixed || f.parms == 0 {
		return nil
	}
	if f.k.mfInit == nil {
		return fmt.Errorf("%w: %s has no mean-field update", ErrInvalidArg, f.k.name)
	}
	return f.k.mfInit(f)
}

// MeanfieldStep forwards the model-side coefficients (b, B) of one
// observation to the factor.
func (f *Factor) MeanfieldStep(prior *Factor, x []float64, p int, b []float64, B *mat.Dense) error {
	if f.fixed || f.parms == 0 {
		return nil
	}
	if f.k.mfStep == nil {
		return fmt.Errorf("%w: %s has no mean-field update", ErrInvalidArg, f.k.name)
	}
	if err := f.checkMeanfield(prior); err != nil {
		return err
	}
	if err := f.checkInput(x); err != nil {
		return err
	}
	if len(b) != f.weights {
		return &InputError{Expected: f.weights, Got: len(b), Type: "mean-field vector"}
	}
	if B == nil {
		return fmt.Errorf("%w: nil mean-field matrix", ErrInvalidArg)
	}
	if r, c := B.Dims(); r != f.weights || c != f.weights {
		return &InputError{Expected: f.weights, Got: r, Type: "mean-field matrix"}
	}
	return f.k.mfStep(f, prior, x, p, b, B)
}

// MeanfieldEnd commits the sweep.
func (f *Factor) MeanfieldEnd(prior *Factor) error {
	if f.fixed || f.parms == 0 {
		return nil
	}
	if f.k.mfEnd == nil {
		return fmt.Errorf("%w: %s has no mean-field update", ErrInvalidArg, f.k.name)
	}
	if err := f.checkMeanfield(prior); err != nil {
		return err
	}
	return f.k.mfEnd(f, prior)
}

func (f *Factor) checkMeanfield(prior *Factor) error {
	if !f.compatible(prior) {
		return fmt.Errorf("%w: mean-field prior does not match factor", ErrInvalidArg)
	}
	return nil
}

// Unchecked dispatch, used after the caller has validated its inputs once.

func (f *Factor) eval(x []float64, p, i int) float64 {
	if f.k.eval != nil {
		return f.k.eval(f, x, p, i)
	}
	return f.mean(x, p, i)
}

func (f *Factor) mean(x []float64, p, i int) float64 {
	if f.k.mean == nil {
		return 0
	}
	return f.k.mean(f, x, p, i)
}

func (f *Factor) variance(x []float64, p, i, j int) float64 {
	if f.k.variance != nil {
		return f.k.variance(f, x, p, i, j)
	}
	return f.mean(x, p, i) * f.mean(x, p, j)
}

func (f *Factor) covariance(x1, x2 []float64, p1, p2 int) float64 {
	if f.k.cov == nil {
		return 0
	}
	return f.k.cov(f, x1, x2, p1, p2)
}

func (f *Factor) diffMean(x []float64, p, i int, df []float64) {
	if f.fixed || f.k.diffMean == nil {
		clear(df)
		return
	}
	f.k.diffMean(f, x, p, i, df)
}

func (f *Factor) diffVar(x []float64, p, i, j int, df []float64) {
	if f.fixed || f.k.diffVar == nil {
		clear(df)
		return
	}
	f.k.diffVar(f, x, p, i, j, df)
}

func (f *Factor) divergence(g *Factor) float64 {
	if f.k.div == nil {
		return 0
	}
	return f.k.div(f, g)
}

// Moments bundles the unchecked moment evaluations for callers that
// validate their inputs once per dataset.
type Moments struct{ f *Factor }

// Unchecked returns the unchecked moment view of f.
func (f *Factor) Unchecked() Moments { return Moments{f} }

// Eval is Factor.Eval without validation.
func (m Moments) Eval(x []float64, p, i int) float64 { return m.f.eval(x, p, i) }

// Mean is Factor.Mean without validation.
func (m Moments) Mean(x []float64, p, i int) float64 { return m.f.mean(x, p, i) }

// Var is Factor.Var without validation.
func (m Moments) Var(x []float64, p, i, j int) float64 { return m.f.variance(x, p, i, j) }

// Cov is Factor.Cov without validation.
func (m Moments) Cov(x1, x2 []float64, p1, p2 int) float64 { return m.f.covariance(x1, x2, p1, p2) }

// DiffMean is Factor.DiffMean without validation.
func (m Moments) DiffMean(x []float64, p, i int, df []float64) { m.f.diffMean(x, p, i, df) }

// DiffVar is Factor.DiffVar without validation.
func (m Moments) DiffVar(x []float64, p, i, j int, df []float64) { m.f.diffVar(x, p, i, j, df) }

// Div is Factor.Div without validation.
func (m Moments) Div(g *Factor) float64 { return m.f.divergence(g) }
