package data

import (
	"fmt"
	"slices"
)

// Dataset is a collection of observations of fixed input dimensionality,
// kept sorted by Compare at all times.
type Dataset struct {
	dims int
	data []Datum
}

// New returns an empty dataset of D-dimensional observations.
func New(D int) (*Dataset, error) {
	if D <= 0 {
		return nil, fmt.Errorf("%w: dataset with %d dimensions", ErrDimMismatch, D)
	}
	return &Dataset{dims: D}, nil
}

// Len returns the number of observations.
func (s *Dataset) Len() int { return len(s.data) }

// Dims returns the input dimensionality.
func (s *Dataset) Dims() int { return s.dims }

// At returns a copy of observation i.
func (s *Dataset) At(i int) (Datum, error) {
	if i < 0 || i >= len(s.data) {
		return Datum{}, fmt.Errorf("%w: %d of %d", ErrIndex, i, len(s.data))
	}
	return s.data[i].Clone(), nil
}

// Data returns the sorted observations. The slice is owned by the dataset
// and must not be modified.
func (s *Dataset) Data() []Datum { return s.data }

func (s *Dataset) check(d Datum) error {
	if len(d.X) != s.dims {
		return fmt.Errorf("%w: observation has %d dimensions, dataset has %d", ErrDimMismatch, len(d.X), s.dims)
	}
	if d.P < 0 {
		return fmt.Errorf("%w: negative output channel %d", ErrIndex, d.P)
	}
	return nil
}

// insert places d after any equal observations.
func (s *Dataset) insert(d Datum) {
	i, _ := slices.BinarySearchFunc(s.data, d, func(e, t Datum) int {
		if c := Compare(e, t); c != 0 {
			return c
		}
		return -1
	})
	s.data = slices.Insert(s.data, i, d)
}

// Set replaces observation i and moves it to its sorted position.
func (s *Dataset) Set(i int, d Datum) error {
	if i < 0 || i >= len(s.data) {
		return fmt.Errorf("%w: %d of %d", ErrIndex, i, len(s.data))
	}
	if err := s.check(d); err != nil {
		return err
	}
	s.data = slices.Delete(s.data, i, i+1)
	s.insert(d.Clone())
	return nil
}

// SetValue replaces the observed value of observation i. Order is
// unaffected since values are not compared.
func (s *Dataset) SetValue(i int, y float64) error {
	if i < 0 || i >= len(s.data) {
		return fmt.Errorf("%w: %d of %d", ErrIndex, i, len(s.data))
	}
	s.data[i].Y = y
	return nil
}

// Augment adds one observation in sorted position.
func (s *Dataset) Augment(d Datum) error {
	if err := s.check(d); err != nil {
		return err
	}
	s.insert(d.Clone())
	return nil
}

// AugmentData adds every observation of src.
func (s *Dataset) AugmentData(src *Dataset) error {
	if src.dims != s.dims {
		return fmt.Errorf("%w: merging %d-dimensional data into %d dimensions", ErrDimMismatch, src.dims, s.dims)
	}
	merged := make([]Datum, 0, len(s.data)+len(src.data))
	i, j := 0, 0
	for i < len(s.data) && j < len(src.data) {
		if Compare(src.data[j], s.data[i]) < 0 {
			merged = append(merged, src.data[j].Clone())
			j++
		} else {
			merged = append(merged, s.data[i])
			i++
		}
	}
	merged = append(merged, s.data[i:]...)
	for ; j < len(src.data); j++ {
		merged = append(merged, src.data[j].Clone())
	}
	s.data = merged
	return nil
}

// AugmentGrid adds a zero-valued observation on channel p at every point
// of the grid.
func (s *Dataset) AugmentGrid(p int, g Grid) error {
	if g.Dims() != s.dims {
		return fmt.Errorf("%w: %d-dimensional grid for %d-dimensional data", ErrDimMismatch, g.Dims(), s.dims)
	}
	if p < 0 {
		return fmt.Errorf("%w: negative output channel %d", ErrIndex, p)
	}

	add, err := New(s.dims)
	if err != nil {
		return err
	}
	add.data = make([]Datum, 0, g.Len())
	g.Each(func(n int, x []float64) bool {
		add.data = append(add.data, Datum{X: slices.Clone(x), P: p})
		return true
	})
	slices.SortStableFunc(add.data, Compare)
	return s.AugmentData(add)
}

// Find returns the index of an observation matching d on channel and
// input, and whether one exists.
func (s *Dataset) Find(d Datum) (int, bool) {
	if len(d.X) != s.dims {
		return 0, false
	}
	return slices.BinarySearchFunc(s.data, d, Compare)
}

// Inner returns the sum of squared observed values.
func (s *Dataset) Inner() float64 {
	var yy float64
	for _, d := range s.data {
		yy += d.Y * d.Y
	}
	return yy
}

// Copy returns a deep copy of the dataset.
func (s *Dataset) Copy() *Dataset {
	c := &Dataset{dims: s.dims, data: make([]Datum, len(s.data))}
	for i, d := range s.data {
		c.data[i] = d.Clone()
	}
	return c
}
