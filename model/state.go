package model

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/n0madic/go-vfl/factor"
)

// State represents the serializable state of a Model. Data is not part of
// the state.
type State struct {
	Version int           `gob:"version"`
	Kind    int           `gob:"kind"`
	Alpha0  float64       `gob:"alpha0"`
	Beta0   float64       `gob:"beta0"`
	Alpha   float64       `gob:"alpha"`
	Beta    float64       `gob:"beta"`
	Tau     float64       `gob:"tau"`
	Nu      float64       `gob:"nu"`
	Factors []factor.Spec `gob:"factors"`
	Priors  []factor.Spec `gob:"priors"`
	Wbar    []float64     `gob:"wbar"`
	H       []float64     `gob:"h"`
	Sigma   []float64     `gob:"sigma"` // row-major K×K
	Sinv    []float64     `gob:"sinv"`
	L       []float64     `gob:"l"`
	Xi      []float64     `gob:"xi"`
	XiFit   []float64     `gob:"xi_fit"`
}

// Save serializes the model state to gob format
func (m *Model) Save(w io.Writer) error {
	state := State{
		Version: 1, // Gob version
		Kind:    int(m.kind),
		Alpha0:  m.alpha0,
		Beta0:   m.beta0,
		Alpha:   m.alpha,
		Beta:    m.beta,
		Tau:     m.tau,
		Nu:      m.nu,
		Factors: make([]factor.Spec, len(m.factors)),
		Priors:  make([]factor.Spec, len(m.priors)),
		Wbar:    slices.Clone(m.wbar),
		H:       slices.Clone(m.h),
		Xi:      slices.Clone(m.xi),
		XiFit:   slices.Clone(m.xiFit),
	}
	for j, f := range m.factors {
		state.Factors[j] = f.ToSpec()
		state.Priors[j] = m.priors[j].ToSpec()
	}
	if m.weights > 0 {
		state.Sigma = rawCopy(m.sigma.RawMatrix().Data, m.weights)
		state.Sinv = rawCopy(m.sinv.RawMatrix().Data, m.weights)
		state.L = rawCopy(m.l.RawMatrix().Data, m.weights)
	}

	encoder := gob.NewEncoder(w)
	return encoder.Encode(state)
}

func rawCopy(data []float64, K int) []float64 {
	return slices.Clone(data[:K*K])
}

// Load deserializes a model from gob format. Options are applied before
// the saved state is restored; WithData keeps the saved logistic
// parameters when the dataset size matches.
func Load(r io.Reader, options ...Option) (*Model, error) {
	decoder := gob.NewDecoder(r)

	var state State
	if err := decoder.Decode(&state); err != nil {
		return nil, err
	}

	if state.Version != 1 {
		return nil, errors.New("unsupported gob version")
	}
	if len(state.Priors) != len(state.Factors) {
		return nil, errors.New("invalid prior count")
	}

	kind := Kind(state.Kind)
	opts := []Option{
		WithAlpha0(state.Alpha0),
		WithBeta0(state.Beta0),
		WithNu(state.Nu),
	}
	if kind == KindTauVFR {
		opts = append(opts, WithTau(state.Tau))
	}
	for j, s := range state.Factors {
		f, err := factor.FromSpec(s)
		if err != nil {
			return nil, fmt.Errorf("factor %d: %w", j, err)
		}
		opts = append(opts, WithFactors(f))
	}

	m, err := New(kind, append(opts, options...)...)
	if err != nil {
		return nil, err
	}

	for j, s := range state.Priors {
		p, err := factor.FromSpec(s)
		if err != nil {
			return nil, fmt.Errorf("prior %d: %w", j, err)
		}
		if p.Kind() != m.factors[j].Kind() || p.Parms() != m.factors[j].Parms() {
			return nil, fmt.Errorf("prior %d does not match its factor", j)
		}
		m.priors[j] = p
	}

	K := m.weights
	if len(state.Wbar) != K || len(state.H) != K {
		return nil, errors.New("invalid weight data length")
	}
	for _, raw := range [][]float64{state.Sigma, state.Sinv, state.L} {
		if len(raw) != K*K {
			return nil, errors.New("invalid matrix data length")
		}
	}

	copy(m.wbar, state.Wbar)
	copy(m.h, state.H)
	if K > 0 {
		copy(m.sigma.RawMatrix().Data, state.Sigma)
		copy(m.sinv.RawMatrix().Data, state.Sinv)
		copy(m.l.RawMatrix().Data, state.L)
	}
	m.alpha, m.beta, m.tau = state.Alpha, state.Beta, state.Tau

	if n := m.n(); len(state.Xi) == n && len(state.XiFit) == n {
		copy(m.xi, state.Xi)
		copy(m.xiFit, state.XiFit)
	}
	return m, nil
}
