package search

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/n0madic/go-vfl/data"
	"github.com/n0madic/go-vfl/factor"
	"github.com/n0madic/go-vfl/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func cosineModel(t *testing.T) *model.Model {
	t.Helper()
	ds, _ := data.New(1)
	for i := 0; i < 7; i++ {
		x := -1 + 0.25*float64(i)
		if err := ds.Augment(data.Datum{X: []float64{x}, Y: math.Cos(2 * x)}); err != nil {
			t.Fatalf("Augment failed: %v", err)
		}
	}

	f, err := factor.NewCosine(2, 1)
	if err != nil {
		t.Fatalf("NewCosine failed: %v", err)
	}
	m, err := model.New(model.KindVFR, model.WithData(ds), model.WithFactors(f))
	if err != nil {
		t.Fatalf("model.New failed: %v", err)
	}
	if err := m.Infer(); err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	return m
}

func TestRank(t *testing.T) {
	m := cosineModel(t)
	grid, _ := data.NewGrid([3]float64{-3, 0.25, 3})

	s, err := New(m, grid, WithWorkers(3))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ranked, err := s.Rank(context.Background())
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(ranked) != grid.Len() {
		t.Fatalf("Rank returned %d points, want %d", len(ranked), grid.Len())
	}

	seen := make(map[int]bool)
	var atData, far float64
	for i, c := range ranked {
		if seen[c.Index] {
			t.Errorf("Grid point %d ranked twice", c.Index)
		}
		seen[c.Index] = true
		if i > 0 {
			prev := ranked[i-1]
			if c.Variance > prev.Variance || (c.Variance == prev.Variance && c.Index < prev.Index) {
				t.Errorf("Rank out of order at %d", i)
			}
		}
		switch c.X[0] {
		case 0:
			atData = c.Variance
			if !c.Observed {
				t.Errorf("Point 0 not marked observed")
			}
		case 3:
			far = c.Variance
			if c.Observed {
				t.Errorf("Point 3 marked observed")
			}
		}
	}
	if !(atData < far) {
		t.Errorf("Variance at data %g, far from data %g", atData, far)
	}

	// a single worker gives the same ranking
	s1, _ := New(m, grid, WithWorkers(1))
	ranked1, err := s1.Rank(context.Background())
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	for i := range ranked {
		if ranked[i].Index != ranked1[i].Index || ranked[i].Variance != ranked1[i].Variance {
			t.Fatalf("Rankings differ at %d", i)
		}
	}
}

func TestRun(t *testing.T) {
	m := cosineModel(t)
	grid, _ := data.NewGrid([3]float64{-3, 0.25, 3})
	core, logs := observer.New(zap.DebugLevel)
	s, _ := New(m, grid, WithLogger(zap.New(core)))

	best, v, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	ranked, _ := s.Rank(context.Background())
	for _, c := range ranked {
		if c.Observed || c.Variance <= 0 {
			continue
		}
		if c.X[0] != best.X[0] || c.Variance != v {
			t.Errorf("Run = (%v, %g), want (%v, %g)", best.X, v, c.X, c.Variance)
		}
		break
	}
	if _, found := m.Data().Find(best); found {
		t.Errorf("Run returned an observed input %v", best.X)
	}

	entries := logs.FilterMessage("search complete").All()
	if len(entries) != 1 {
		t.Fatalf("Logged %d search entries, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["variance"]; got != v {
		t.Errorf("Logged variance %v, want %g", got, v)
	}
}

func TestErrors(t *testing.T) {
	grid, _ := data.NewGrid([3]float64{-1, 0.5, 1})

	if _, err := New(nil, grid); err == nil {
		t.Errorf("Expected error for nil model")
	}

	m := cosineModel(t)
	if _, err := New(m, grid, WithOutputs(0)); err == nil {
		t.Errorf("Expected error for zero outputs")
	}
	if _, err := New(m, grid, WithWorkers(-1)); err == nil {
		t.Errorf("Expected error for negative workers")
	}

	wide, _ := data.NewGrid([3]float64{-1, 0.5, 1}, [3]float64{0, 1, 1})
	s, _ := New(m, wide)
	if _, err := s.Rank(context.Background()); !errors.Is(err, data.ErrDimMismatch) {
		t.Errorf("Expected ErrDimMismatch, got %v", err)
	}

	f, _ := factor.NewCosine(1, 1)
	bare, _ := model.New(model.KindVFR, model.WithFactors(f))
	s, _ = New(bare, grid)
	if _, _, err := s.Run(context.Background()); !errors.Is(err, ErrNoData) {
		t.Errorf("Expected ErrNoData, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ = New(m, grid)
	if _, err := s.Rank(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
