// Package search locates the grid input where the Gaussian process implied
// by a model is least certain.
package search

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"

	"github.com/n0madic/go-vfl/chol"
	"github.com/n0madic/go-vfl/data"
	"github.com/n0madic/go-vfl/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// chunkSize is the number of grid points evaluated by one task.
const chunkSize = 512

var (
	// ErrNoData reports a search over a model without observations.
	ErrNoData = errors.New("search: model has no data")

	// ErrNoCandidate reports a grid without an unobserved point of
	// positive variance.
	ErrNoCandidate = errors.New("search: no candidate point")
)

// Candidate is one evaluated grid point.
type Candidate struct {
	Index    int       // position in grid order
	X        []float64 // grid input
	Variance float64   // posterior predictive variance summed over outputs
	Observed bool      // an observation on output 0 exists at X
}

// Search evaluates posterior predictive variances over a grid.
type Search struct {
	mdl     *model.Model
	grid    data.Grid
	outputs int
	workers int
	logger  *zap.Logger

	// inverse data covariance, rebuilt by every run
	cinv *mat.SymDense
}

// Option configures a Search.
type Option func(*Search)

// WithOutputs sets the number of function outputs summed into the variance
func WithOutputs(n int) Option {
	return func(s *Search) {
		s.outputs = n
	}
}

// WithWorkers sets the number of concurrent evaluation tasks
func WithWorkers(n int) Option {
	return func(s *Search) {
		s.workers = n
	}
}

// WithLogger sets the diagnostics logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Search) {
		s.logger = logger
	}
}

// New creates a search of grid under model m.
func New(m *model.Model, grid data.Grid, options ...Option) (*Search, error) {
	if m == nil {
		return nil, errors.New("search: nil model")
	}
	s := &Search{
		mdl:     m,
		grid:    grid,
		outputs: 1,
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.outputs <= 0 {
		return nil, fmt.Errorf("search: invalid output count %d", s.outputs)
	}
	if s.workers <= 0 {
		return nil, fmt.Errorf("search: invalid worker count %d", s.workers)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if grid.Dims() < m.Dims() {
		return nil, fmt.Errorf("%w: grid has %d dimensions, model reads %d", data.ErrDimMismatch, grid.Dims(), m.Dims())
	}
	return s, nil
}

// prepare builds the inverse covariance of the observations. The noise
// estimate of the current fit is added to its diagonal.
func (s *Search) prepare() error {
	ds := s.mdl.Data()
	if ds == nil || ds.Len() == 0 {
		return ErrNoData
	}
	if ds.Dims() != s.grid.Dims() {
		return fmt.Errorf("%w: grid has %d dimensions, data has %d", data.ErrDimMismatch, s.grid.Dims(), ds.Dims())
	}

	n := ds.Len()
	obs := ds.Data()
	c := mat.NewDense(n, n, nil)
	for i, di := range obs {
		for j := 0; j <= i; j++ {
			dj := obs[j]
			cij, err := s.mdl.Cov(di.X, dj.X, di.P, dj.P)
			if err != nil {
				return err
			}
			c.Set(i, j, cij)
			c.Set(j, i, cij)
		}
	}

	tauinv := s.noise()
	for i := 0; i < n; i++ {
		c.Set(i, i, c.At(i, i)+tauinv)
	}

	if err := chol.Decompose(c); err != nil {
		return fmt.Errorf("search: data covariance: %w", err)
	}
	inv := mat.NewDense(n, n, nil)
	if err := chol.Invert(c, inv); err != nil {
		return fmt.Errorf("search: data covariance: %w", err)
	}

	s.cinv = mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.cinv.SetSym(i, j, inv.At(i, j))
		}
	}
	return nil
}

// noise estimates the noise variance from the residual of the fit.
func (s *Search) noise() float64 {
	ds := s.mdl.Data()
	var wSw float64
	if L := s.mdl.Cholesky(); L != nil {
		var z mat.VecDense
		z.MulVec(L.T(), mat.NewVecDense(s.mdl.Weights(), s.mdl.WeightMean()))
		wSw = mat.Dot(&z, &z)
	}
	alpha := s.mdl.Alpha0() + float64(ds.Len())
	beta := s.mdl.Beta0() + (ds.Inner() - wSw)
	return beta / alpha
}

// variance returns Σ_p [k(x,x) − cᵀ·C⁻¹·c] over the outputs. c is scratch.
func (s *Search) variance(obs []data.Datum, x []float64, c *mat.VecDense) (float64, error) {
	var sum float64
	for p := 0; p < s.outputs; p++ {
		kxx, err := s.mdl.Cov(x, x, p, p)
		if err != nil {
			return 0, err
		}
		for j, d := range obs {
			v, err := s.mdl.Cov(d.X, x, d.P, p)
			if err != nil {
				return 0, err
			}
			c.SetVec(j, v)
		}
		sum += kxx - mat.Inner(c, s.cinv, c)
	}
	return sum, nil
}

// Rank evaluates every grid point and returns them sorted by decreasing
// variance. Equal variances keep grid order.
func (s *Search) Rank(ctx context.Context) ([]Candidate, error) {
	if err := s.prepare(); err != nil {
		return nil, err
	}
	ds := s.mdl.Data()
	obs := ds.Data()

	N := s.grid.Len()
	out := make([]Candidate, N)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for start := 0; start < N; start += chunkSize {
		end := min(start+chunkSize, N)
		g.Go(func() error {
			c := mat.NewVecDense(len(obs), nil)
			for n := start; n < end; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				x := make([]float64, s.grid.Dims())
				s.grid.Point(n, x)
				v, err := s.variance(obs, x, c)
				if err != nil {
					return fmt.Errorf("search: grid point %d: %w", n, err)
				}
				_, seen := ds.Find(data.Datum{X: x})
				out[n] = Candidate{Index: n, X: x, Variance: v, Observed: seen}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b Candidate) int {
		switch {
		case a.Variance > b.Variance:
			return -1
		case a.Variance < b.Variance:
			return 1
		}
		return 0
	})
	return out, nil
}

// Run returns the unobserved grid point of largest positive variance and
// that variance.
func (s *Search) Run(ctx context.Context) (data.Datum, float64, error) {
	ranked, err := s.Rank(ctx)
	if err != nil {
		return data.Datum{}, 0, err
	}
	for _, c := range ranked {
		if c.Variance <= 0 {
			break
		}
		if c.Observed {
			continue
		}
		s.logger.Debug("search complete", zap.Int("points", len(ranked)), zap.Int("index", c.Index), zap.Float64("variance", c.Variance))
		return data.Datum{X: c.X}, c.Variance, nil
	}
	return data.Datum{}, 0, ErrNoCandidate
}
