package model

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"slices"
	"testing"

	"github.com/n0madic/go-vfl/factor"
)

func TestSaveLoad(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		opts []Option
	}{
		{"vfr", KindVFR, []Option{WithAlpha0(5), WithBeta0(2)}},
		{"tauvfr", KindTauVFR, []Option{WithTau(3), WithNu(0.1)}},
		{"vfc", KindVFC, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(12357))
			ds := bumpData(t, rng, 25)
			if tt.kind == KindVFC {
				for i, d := range ds.Data() {
					if d.Y > 0.2 {
						ds.SetValue(i, 1)
					} else {
						ds.SetValue(i, 0)
					}
				}
			}

			f0 := mustFactor(t)(factor.NewImpulse(1, 1))
			f1 := mustFactor(t)(factor.NewCosine(1, 2))
			m, err := New(tt.kind, append(tt.opts, WithData(ds), WithFactors(f0, f1))...)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			for i := 0; i < 3; i++ {
				if err := m.Infer(); err != nil {
					t.Fatalf("Infer failed: %v", err)
				}
			}
			// move a factor away from its prior so the divergence is saved
			f0.Set(0, 0.8)
			if err := m.Update(0); err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			var buf bytes.Buffer
			if err := m.Save(&buf); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(&buf, WithData(ds))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if loaded.Kind() != m.Kind() || loaded.Weights() != m.Weights() || loaded.Parms() != m.Parms() {
				t.Fatalf("Loaded sizes differ")
			}
			if loaded.Bound() != m.Bound() {
				t.Errorf("Bound: loaded %g, original %g", loaded.Bound(), m.Bound())
			}
			if !slices.Equal(loaded.Xi(), m.Xi()) {
				t.Errorf("Logistic parameters not restored")
			}
			if loaded.Tau() != m.Tau() || loaded.Alpha() != m.Alpha() || loaded.Beta() != m.Beta() {
				t.Errorf("Noise posterior not restored")
			}

			for _, x := range []float64{-2, -0.3, 0, 1.7} {
				m1, v1, _ := m.Predict([]float64{x}, 0)
				m2, v2, _ := loaded.Predict([]float64{x}, 0)
				if m1 != m2 || v1 != v2 {
					t.Errorf("Predict(%g): loaded (%g, %g), original (%g, %g)", x, m2, v2, m1, v1)
				}
			}

			// the restored model keeps inferring
			if err := loaded.Update(0); err != nil {
				t.Errorf("Update after Load failed: %v", err)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	encode := func(s State) *bytes.Buffer {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(s); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return &buf
	}
	imp := mustFactor(t)(factor.NewImpulse(0, 1)).ToSpec()

	tests := []struct {
		name  string
		state State
	}{
		{"version", State{Version: 2, Alpha0: 1, Beta0: 1, Nu: 1}},
		{"prior count", State{Version: 1, Alpha0: 1, Beta0: 1, Nu: 1, Factors: []factor.Spec{imp}}},
		{"weight length", State{Version: 1, Alpha0: 1, Beta0: 1, Nu: 1,
			Factors: []factor.Spec{imp}, Priors: []factor.Spec{imp}}},
		{"bad nu", State{Version: 1, Alpha0: 1, Beta0: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(encode(tt.state)); err == nil {
				t.Errorf("Expected error")
			}
		})
	}

	if _, err := Load(bytes.NewReader([]byte("not gob"))); err == nil {
		t.Errorf("Expected decode error")
	}
}
