// Package data holds observations for variational feature models: the
// Datum, a Dataset kept in sorted order, regular input grids and the text
// file format used to exchange datasets.
package data

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrIO reports a malformed or unreadable dataset file.
	ErrIO = errors.New("data: malformed dataset")

	// ErrDimMismatch reports observations of inconsistent dimensionality.
	ErrDimMismatch = errors.New("data: dimension mismatch")

	// ErrIndex reports an out-of-range observation index.
	ErrIndex = errors.New("data: index out of range")
)

// Datum is a single observation y at input X on output channel P.
type Datum struct {
	X []float64
	P int
	Y float64
}

// Compare orders observations by output channel and then lexicographically
// by input. Observed values are not compared.
func Compare(a, b Datum) int {
	switch {
	case a.P < b.P:
		return -1
	case a.P > b.P:
		return 1
	}
	return slices.Compare(a.X, b.X)
}

// Clone returns a copy of d that shares no storage with it.
func (d Datum) Clone() Datum {
	d.X = slices.Clone(d.X)
	return d
}

func (d Datum) String() string {
	return fmt.Sprintf("{p=%d x=%v y=%g}", d.P, d.X, d.Y)
}
