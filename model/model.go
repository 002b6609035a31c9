// Package model implements variational feature models: weighted sums of
// factors whose weights carry a Gaussian posterior inferred in closed form.
//
// Three inference variants share one assembly of the weight precision:
// VFR (regression with a Gamma posterior on the noise precision), TauVFR
// (regression with fixed noise precision) and VFC (binary classification
// through the Jaakkola-Jordan logistic bound).
//
// A Model is not safe for concurrent mutation. Read-only evaluations such
// as Cov and Predict may run concurrently once inference is done.
package model

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/n0madic/go-vfl/data"
	"github.com/n0madic/go-vfl/factor"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNonFinite reports a non-finite noise rate after inference.
	ErrNonFinite = errors.New("model: non-finite noise rate")

	// ErrDimMismatch reports a dataset narrower than the model inputs.
	ErrDimMismatch = errors.New("model: dimension mismatch")

	// ErrNoData reports an operation that needs observations.
	ErrNoData = errors.New("model: no dataset")

	// ErrEmpty reports inference on a model without factors.
	ErrEmpty = errors.New("model: no factors")
)

// Kind selects the inference variant of a model.
type Kind int

const (
	// KindVFR is regression with an inferred noise precision.
	KindVFR Kind = iota
	// KindTauVFR is regression with a fixed noise precision.
	KindTauVFR
	// KindVFC is binary classification.
	KindVFC
)

func (k Kind) String() string {
	switch k {
	case KindVFR:
		return "vfr"
	case KindTauVFR:
		return "tauvfr"
	case KindVFC:
		return "vfc"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Model is a variational feature model.
type Model struct {
	kind   Kind
	v      *variant
	logger *zap.Logger

	factors []*factor.Factor
	priors  []*factor.Factor
	offsets []int // weight offset of each factor, len M+1

	dims    int // D
	parms   int // P
	weights int // K

	ds *data.Dataset

	alpha0, beta0 float64
	alpha, beta   float64
	tau, nu       float64

	wbar  []float64
	h     []float64
	sigma *mat.Dense // K×K, nil when K == 0
	sinv  *mat.Dense
	l     *mat.Dense

	// logistic parameters, current and used for the last assembly
	xi, xiFit []float64

	// scratch
	phi []float64
	q   *mat.Dense

	pending struct {
		tau     float64
		hasTau  bool
		factors []*factor.Factor
		ds      *data.Dataset
	}
}

// Option is a function type for configuring a Model
type Option func(*Model)

// WithAlpha0 sets the prior shape of the noise precision
func WithAlpha0(alpha0 float64) Option {
	return func(m *Model) {
		m.alpha0 = alpha0
	}
}

// WithBeta0 sets the prior rate of the noise precision
func WithBeta0(beta0 float64) Option {
	return func(m *Model) {
		m.beta0 = beta0
	}
}

// WithNu sets the prior precision of the weights
func WithNu(nu float64) Option {
	return func(m *Model) {
		m.nu = nu
	}
}

// WithTau fixes the noise precision of a TauVFR model
func WithTau(tau float64) Option {
	return func(m *Model) {
		m.pending.tau = tau
		m.pending.hasTau = true
	}
}

// WithFactors adds factors in order
func WithFactors(fs ...*factor.Factor) Option {
	return func(m *Model) {
		m.pending.factors = append(m.pending.factors, fs...)
	}
}

// WithData attaches a dataset
func WithData(ds *data.Dataset) Option {
	return func(m *Model) {
		m.pending.ds = ds
	}
}

// WithLogger sets the diagnostics logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Model) {
		m.logger = logger
	}
}

// New creates a model of the given kind. Hyper-parameters default to
// α₀ = β₀ = ν = 1; TauVFR models default to τ = 1.
func New(kind Kind, options ...Option) (*Model, error) {
	v, ok := variants[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model kind %d", factor.ErrInvalidArg, int(kind))
	}

	m := &Model{
		kind:   kind,
		v:      v,
		alpha0: 1,
		beta0:  1,
		nu:     1,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	pending := m.pending
	m.pending.factors, m.pending.ds = nil, nil

	for _, hp := range []struct {
		name string
		v    float64
	}{{"alpha0", m.alpha0}, {"beta0", m.beta0}, {"nu", m.nu}} {
		if err := positive(hp.name, hp.v); err != nil {
			return nil, err
		}
	}
	m.alpha, m.beta = m.alpha0, m.beta0
	m.tau = m.alpha / m.beta

	switch {
	case v.fixedTau:
		tau := 1.0
		if pending.hasTau {
			tau = pending.tau
		}
		if err := m.SetTau(tau); err != nil {
			return nil, err
		}
	case pending.hasTau:
		return nil, fmt.Errorf("%w: %s infers its noise precision", factor.ErrInvalidArg, kind)
	}

	m.layout()
	for _, f := range pending.factors {
		if err := m.Add(f); err != nil {
			return nil, err
		}
	}
	if pending.ds != nil {
		if err := m.SetData(pending.ds); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func positive(name string, v float64) error {
	if !(v > 0) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s must be positive and finite, got %g", factor.ErrDomain, name, v)
	}
	return nil
}

// layout recomputes sizes and offsets from the factors and resets the
// weight posterior to its prior.
func (m *Model) layout() {
	M := len(m.factors)
	m.offsets = make([]int, M+1)
	m.dims, m.parms = 0, 0
	for j, f := range m.factors {
		m.offsets[j+1] = m.offsets[j] + f.Weights()
		m.parms += f.Parms()
		m.dims = max(m.dims, f.Width())
	}
	m.weights = m.offsets[M]

	K := m.weights
	m.wbar = make([]float64, K)
	m.h = make([]float64, K)
	m.phi = make([]float64, K)
	m.sigma, m.sinv, m.l, m.q = nil, nil, nil, nil
	if K > 0 {
		m.sigma = mat.NewDense(K, K, nil)
		m.sinv = mat.NewDense(K, K, nil)
		m.l = mat.NewDense(K, K, nil)
		m.q = mat.NewDense(K, K, nil)
	}
	m.resetWeights()
}

// resetWeights restores the weight prior: zero mean and precision ν·I.
func (m *Model) resetWeights() {
	clear(m.wbar)
	clear(m.h)
	if m.weights == 0 {
		return
	}
	m.sigma.Zero()
	m.sinv.Zero()
	m.l.Zero()
	for k := 0; k < m.weights; k++ {
		m.sinv.Set(k, k, m.nu)
		m.l.Set(k, k, math.Sqrt(m.nu))
		m.sigma.Set(k, k, 1/m.nu)
	}
}

// Add appends a factor. Its current parameters are snapshotted as the
// prior of the factor. The model keeps a reference to f.
func (m *Model) Add(f *factor.Factor) error {
	if f == nil {
		return fmt.Errorf("%w: nil factor", factor.ErrInvalidArg)
	}
	if slices.Contains(m.factors, f) {
		return fmt.Errorf("%w: factor added twice", factor.ErrInvalidArg)
	}
	if err := m.fitsData(f); err != nil {
		return err
	}

	m.factors = append(m.factors, f)
	m.priors = append(m.priors, f.Copy())
	m.layout()
	return nil
}

// SetFactor replaces factor j and its prior.
func (m *Model) SetFactor(j int, f *factor.Factor) error {
	if err := m.checkFactor(j); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: nil factor", factor.ErrInvalidArg)
	}
	for j2, g := range m.factors {
		if g == f && j2 != j {
			return fmt.Errorf("%w: factor already at index %d", factor.ErrInvalidArg, j2)
		}
	}
	if err := m.fitsData(f); err != nil {
		return err
	}

	m.factors[j] = f
	m.priors[j] = f.Copy()
	m.layout()
	return nil
}

// ClearFactors removes every factor.
func (m *Model) ClearFactors() {
	m.factors = nil
	m.priors = nil
	m.layout()
}

func (m *Model) fitsData(f *factor.Factor) error {
	if m.ds != nil && m.ds.Len() > 0 && f.Width() > m.ds.Dims() {
		return fmt.Errorf("%w: factor reads %d inputs, data has %d", ErrDimMismatch, f.Width(), m.ds.Dims())
	}
	return nil
}

// SetData attaches a dataset and resets the logistic parameters to one.
// The model keeps a reference to ds; changing it requires another
// SetData call. A nil dataset detaches the data.
func (m *Model) SetData(ds *data.Dataset) error {
	if ds != nil && m.dims > 0 && ds.Len() > 0 && ds.Dims() < m.dims {
		return fmt.Errorf("%w: model reads %d inputs, data has %d", ErrDimMismatch, m.dims, ds.Dims())
	}
	m.ds = ds
	m.resetXi()
	return nil
}

func (m *Model) resetXi() {
	n := m.n()
	m.xi = make([]float64, n)
	m.xiFit = make([]float64, n)
	for i := range m.xi {
		m.xi[i] = 1
		m.xiFit[i] = 1
	}
}

// n returns the observation count.
func (m *Model) n() int {
	if m.ds == nil {
		return 0
	}
	return m.ds.Len()
}

// SetAlpha0 sets the prior shape of the noise precision and resets the
// posterior shape to it.
func (m *Model) SetAlpha0(alpha0 float64) error {
	if err := positive("alpha0", alpha0); err != nil {
		return err
	}
	m.alpha0, m.alpha = alpha0, alpha0
	m.tau = m.alpha / m.beta
	return nil
}

// SetBeta0 sets the prior rate of the noise precision and resets the
// posterior rate to it.
func (m *Model) SetBeta0(beta0 float64) error {
	if err := positive("beta0", beta0); err != nil {
		return err
	}
	m.beta0, m.beta = beta0, beta0
	m.tau = m.alpha / m.beta
	return nil
}

// SetNu sets the prior precision of the weights. It takes effect on the
// next Infer.
func (m *Model) SetNu(nu float64) error {
	if err := positive("nu", nu); err != nil {
		return err
	}
	m.nu = nu
	return nil
}

// SetTau fixes the noise precision of a TauVFR model. The Gamma
// parameters are set to a sharp distribution with mean τ.
func (m *Model) SetTau(tau float64) error {
	if !m.v.fixedTau {
		return fmt.Errorf("%w: %s infers its noise precision", factor.ErrInvalidArg, m.kind)
	}
	if err := positive("tau", tau); err != nil {
		return err
	}
	m.alpha0, m.alpha = tauShape, tauShape
	m.beta0, m.beta = tauShape/tau, tauShape/tau
	m.tau = tau
	return nil
}

// SetParms assigns the parameters of factor j. Call Update(j) or Infer
// afterwards to refresh the weight posterior.
func (m *Model) SetParms(j int, v []float64) error {
	if err := m.checkFactor(j); err != nil {
		return err
	}
	return m.factors[j].SetParms(v)
}

// Kind returns the inference variant.
func (m *Model) Kind() Kind { return m.kind }

// Len returns the number of factors.
func (m *Model) Len() int { return len(m.factors) }

// Dims returns the input dimensionality read by the factors.
func (m *Model) Dims() int { return m.dims }

// Parms returns the total parameter count.
func (m *Model) Parms() int { return m.parms }

// Weights returns the total weight count.
func (m *Model) Weights() int { return m.weights }

// Data returns the attached dataset, or nil.
func (m *Model) Data() *data.Dataset { return m.ds }

// Factor returns factor j. Parameter changes made through it must be
// followed by Update(j) or Infer.
func (m *Model) Factor(j int) (*factor.Factor, error) {
	if err := m.checkFactor(j); err != nil {
		return nil, err
	}
	return m.factors[j], nil
}

// Prior returns a copy of the prior of factor j.
func (m *Model) Prior(j int) (*factor.Factor, error) {
	if err := m.checkFactor(j); err != nil {
		return nil, err
	}
	return m.priors[j].Copy(), nil
}

func (m *Model) Alpha0() float64 { return m.alpha0 }
func (m *Model) Beta0() float64  { return m.beta0 }
func (m *Model) Alpha() float64  { return m.alpha }
func (m *Model) Beta() float64   { return m.beta }
func (m *Model) Tau() float64    { return m.tau }
func (m *Model) Nu() float64     { return m.nu }

// Xi returns a copy of the logistic parameters, one per observation.
func (m *Model) Xi() []float64 { return slices.Clone(m.xi) }

// WeightMean returns a copy of the posterior weight means.
func (m *Model) WeightMean() []float64 { return slices.Clone(m.wbar) }

// WeightCov returns a copy of the posterior weight covariance Σ, or nil
// for a model without weights.
func (m *Model) WeightCov() *mat.Dense { return copyDense(m.sigma) }

// Precision returns a copy of the posterior weight precision.
func (m *Model) Precision() *mat.Dense { return copyDense(m.sinv) }

// Cholesky returns a copy of the lower Cholesky factor of the precision.
func (m *Model) Cholesky() *mat.Dense { return copyDense(m.l) }

// Projection returns a copy of the data projection vector h.
func (m *Model) Projection() []float64 { return slices.Clone(m.h) }

func copyDense(a *mat.Dense) *mat.Dense {
	if a == nil {
		return nil
	}
	return mat.DenseCopyOf(a)
}

// WeightIndex returns the position of weight k of factor j in the weight
// vector.
func (m *Model) WeightIndex(j, k int) (int, error) {
	if err := m.checkWeight(j, k); err != nil {
		return 0, err
	}
	return m.offsets[j] + k, nil
}

func (m *Model) checkFactor(j int) error {
	if j < 0 || j >= len(m.factors) {
		return fmt.Errorf("%w: factor index %d of %d", factor.ErrInvalidArg, j, len(m.factors))
	}
	return nil
}

func (m *Model) checkWeight(j, k int) error {
	if err := m.checkFactor(j); err != nil {
		return err
	}
	if K := m.factors[j].Weights(); k < 0 || k >= K {
		return fmt.Errorf("%w: weight index %d of %d", factor.ErrInvalidArg, k, K)
	}
	return nil
}

func (m *Model) checkInput(x []float64) error {
	if len(x) < m.dims {
		return &factor.InputError{Expected: m.dims, Got: len(x), Type: "input vector"}
	}
	return nil
}
