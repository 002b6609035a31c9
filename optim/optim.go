// Package optim learns the factor parameters of a model by climbing its
// variational lower bound, one factor at a time.
package optim

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/n0madic/go-vfl/model"
	"go.uber.org/zap"
)

// ErrInvalidArg reports an invalid optimizer setting.
var ErrInvalidArg = errors.New("optim: invalid argument")

// Optimizer holds the state shared by all optimization methods.
type Optimizer struct {
	mdl  *model.Model
	name string
	step func(o *Optimizer) (bool, error)

	// proximal step endpoints and scratch, sized by the largest factor
	xa, xb, x, g, gi []float64

	maxSteps, maxIters int
	l0, dl             float64

	logIters int
	logParms bool
	logW     io.Writer
	logger   *zap.Logger
	metrics  *Metrics

	iters         int
	bound0, bound float64

	err error
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithMaxSteps sets the number of trial steps per factor and iteration
func WithMaxSteps(n int) Option {
	return func(o *Optimizer) {
		if n <= 0 {
			o.fail("max steps", n)
			return
		}
		o.maxSteps = n
	}
}

// WithMaxIters sets the iteration cap of Execute
func WithMaxIters(n int) Option {
	return func(o *Optimizer) {
		if n <= 0 {
			o.fail("max iters", n)
			return
		}
		o.maxIters = n
	}
}

// WithLipschitzInit sets the initial Lipschitz constant
func WithLipschitzInit(l0 float64) Option {
	return func(o *Optimizer) {
		if !(l0 > 0) {
			o.fail("lipschitz init", l0)
			return
		}
		o.l0 = l0
	}
}

// WithLipschitzStep sets the Lipschitz adjustment factor applied after
// every rejected step
func WithLipschitzStep(dl float64) Option {
	return func(o *Optimizer) {
		if !(dl > 0) {
			o.fail("lipschitz step", dl)
			return
		}
		o.dl = dl
	}
}

// WithLogIters sets how often iterations are written to the log writer
func WithLogIters(n int) Option {
	return func(o *Optimizer) {
		if n <= 0 {
			o.fail("log iters", n)
			return
		}
		o.logIters = n
	}
}

// WithLogParms enables logging of every factor parameter
func WithLogParms(enabled bool) Option {
	return func(o *Optimizer) {
		o.logParms = enabled
	}
}

// WithLogWriter sets the iteration log sink
func WithLogWriter(w io.Writer) Option {
	return func(o *Optimizer) {
		o.logW = w
	}
}

// WithLogger sets the diagnostics logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *Optimizer) {
		o.logger = logger
	}
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *Metrics) Option {
	return func(o *Optimizer) {
		o.metrics = m
	}
}

func (o *Optimizer) fail(name string, v any) {
	if o.err == nil {
		o.err = fmt.Errorf("%w: %s = %v", ErrInvalidArg, name, v)
	}
}

func newOptimizer(m *model.Model, name string, step func(*Optimizer) (bool, error), options ...Option) (*Optimizer, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil model", ErrInvalidArg)
	}

	o := &Optimizer{
		mdl:      m,
		name:     name,
		step:     step,
		maxSteps: 10,
		maxIters: 1000,
		l0:       1,
		dl:       0.1,
		logIters: 1,
	}
	for _, opt := range options {
		opt(o)
	}
	if o.err != nil {
		return nil, o.err
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	// The model must be capable of inference
	if err := m.Infer(); err != nil {
		return nil, fmt.Errorf("optim: initial inference: %w", err)
	}

	pmax := 0
	for j := 0; j < m.Len(); j++ {
		f, _ := m.Factor(j)
		pmax = max(pmax, f.Parms())
	}
	o.xa = make([]float64, pmax)
	o.xb = make([]float64, pmax)
	o.x = make([]float64, pmax)
	o.g = make([]float64, pmax)
	o.gi = make([]float64, pmax)

	o.bound0 = m.Bound()
	o.bound = o.bound0
	return o, nil
}

// Model returns the optimized model.
func (o *Optimizer) Model() *model.Model { return o.mdl }

// Bound returns the lower bound after the last iteration.
func (o *Optimizer) Bound() float64 { return o.bound }

// InitialBound returns the lower bound when the optimizer was created.
func (o *Optimizer) InitialBound() float64 { return o.bound0 }

// Iterations returns the number of iterations since the last Execute.
func (o *Optimizer) Iterations() int { return o.iters }

// Iterate runs one sweep over the factors and reports whether the bound
// changed.
func (o *Optimizer) Iterate() (bool, error) {
	changed, err := o.step(o)
	if err != nil {
		return false, fmt.Errorf("%s iteration %d: %w", o.name, o.iters+1, err)
	}
	o.iters++

	o.metrics.observeIteration(o.name, o.bound)
	o.logger.Debug("optimizer iteration",
		zap.String("method", o.name),
		zap.Int("iter", o.iters),
		zap.Float64("bound", o.bound),
		zap.Bool("changed", changed))
	if err := o.writeLog(); err != nil {
		return changed, err
	}
	return changed, nil
}

func (o *Optimizer) writeLog() error {
	if o.logW == nil || o.iters%o.logIters != 0 {
		return nil
	}
	if _, err := fmt.Fprintf(o.logW, "%6d %16.9e", o.iters, o.bound); err != nil {
		return fmt.Errorf("optim: write log: %w", err)
	}
	if o.logParms {
		for j := 0; j < o.mdl.Len(); j++ {
			f, _ := o.mdl.Factor(j)
			for _, v := range f.Par() {
				if _, err := fmt.Fprintf(o.logW, " %16.9e", v); err != nil {
					return fmt.Errorf("optim: write log: %w", err)
				}
			}
		}
	}
	if _, err := io.WriteString(o.logW, "\n"); err != nil {
		return fmt.Errorf("optim: write log: %w", err)
	}
	return nil
}

// Execute iterates until the bound stops changing, the bound decreases,
// the iteration cap is reached or ctx is cancelled. It reports whether the
// final iteration still raised the bound, a sign that optimization may be
// incomplete.
func (o *Optimizer) Execute(ctx context.Context) (bool, error) {
	o.iters = 0
	prev := o.bound
	for iter := 0; iter < o.maxIters; iter++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		prev = o.bound
		changed, err := o.Iterate()
		if err != nil {
			return false, err
		}
		if !changed || o.bound < prev {
			break
		}
	}
	return o.bound > prev, nil
}

// factorParms returns the parameter count of factor j, or zero when the
// factor is fixed.
func (o *Optimizer) factorParms(j int) int {
	f, _ := o.mdl.Factor(j)
	if f.Fixed() {
		return 0
	}
	return f.Parms()
}

// gradient sums the bound gradient of factor j over every observation
// into g.
func (o *Optimizer) gradient(j int, g []float64) error {
	clear(g)
	ds := o.mdl.Data()
	if ds == nil {
		return nil
	}
	gi := o.gi[:len(g)]
	for i := 0; i < ds.Len(); i++ {
		if err := o.mdl.Gradient(i, j, gi); err != nil {
			return err
		}
		for q, v := range gi {
			g[q] += v
		}
	}
	return nil
}

// trial sets the parameters of factor j to x and refreshes the model. It
// reports false when x lies outside the factor domain or the refreshed
// model is unusable.
func (o *Optimizer) trial(j int, x []float64) (float64, bool) {
	if err := o.mdl.SetParms(j, x); err != nil {
		return 0, false
	}
	if err := o.mdl.Update(j); err != nil {
		o.logger.Debug("trial step rejected", zap.String("method", o.name), zap.Int("factor", j), zap.Error(err))
		return 0, false
	}
	return o.mdl.Bound(), true
}

// refresh runs a full inference and returns the resulting bound.
func (o *Optimizer) refresh() (float64, error) {
	if err := o.mdl.Infer(); err != nil {
		return 0, err
	}
	o.bound = o.mdl.Bound()
	return o.bound, nil
}

// restore commits x to factor j after a rejected search.
func (o *Optimizer) restore(j int, x []float64) error {
	if err := o.mdl.SetParms(j, x); err != nil {
		return fmt.Errorf("restore factor %d: %w", j, err)
	}
	if err := o.mdl.Update(j); err != nil {
		return fmt.Errorf("restore factor %d: %w", j, err)
	}
	return nil
}
