package factor

import (
	"fmt"
	"sort"
)

// Spec is a serializable description of a factor.
type Spec struct {
	Kind     string
	Dim      int
	Dims     int
	Fixed    bool
	Par      []float64
	Location float64
	Order    int
	Children []Spec
}

var registry = map[string]func() *Factor{
	fixedImpulseKind.name: func() *Factor { return must(NewFixedImpulse(0, 1)) },
	impulseKind.name:      func() *Factor { return must(NewImpulse(0, 1)) },
	cosineKind.name:       func() *Factor { return must(NewCosine(0, 1)) },
	decayKind.name:        func() *Factor { return must(NewDecay(1, 1)) },
	polynomialKind.name:   func() *Factor { return must(NewPolynomial(1)) },
	linearKind.name:       func() *Factor { return must(NewLinear(1)) },
	quadraticKind.name:    func() *Factor { return must(NewQuadratic(1)) },
	productKind.name:      func() *Factor { return must(NewProduct()) },
}

func must(f *Factor, err error) *Factor {
	if err != nil {
		panic(err)
	}
	return f
}

// Kinds returns the registered factor kind names in sorted order.
func Kinds() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a factor of the named kind with default parameters.
func New(kind string) (*Factor, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown factor kind %q", ErrInvalidArg, kind)
	}
	return ctor(), nil
}

// ToSpec describes the factor and, for products, its children.
func (f *Factor) ToSpec() Spec {
	s := Spec{
		Kind:  f.k.name,
		Dim:   f.dim,
		Dims:  f.dims,
		Fixed: f.fixed,
		Par:   f.Par(),
	}
	switch f.k {
	case fixedImpulseKind:
		s.Location = f.mu
	case polynomialKind:
		s.Order = f.Order()
	}
	for _, c := range f.children {
		s.Children = append(s.Children, c.ToSpec())
	}
	return s
}

// FromSpec builds the factor described by s.
func FromSpec(s Spec) (*Factor, error) {
	var (
		f   *Factor
		err error
	)

	switch s.Kind {
	case fixedImpulseKind.name:
		f, err = NewFixedImpulse(s.Location, 1)
	case polynomialKind.name:
		f, err = NewPolynomial(s.Order)
	case linearKind.name:
		f, err = NewLinear(s.Dims)
	case quadraticKind.name:
		f, err = NewQuadratic(s.Dims)
	case productKind.name:
		children := make([]*Factor, len(s.Children))
		for n, cs := range s.Children {
			if children[n], err = FromSpec(cs); err != nil {
				return nil, fmt.Errorf("product factor %d: %w", n, err)
			}
		}
		f, err = NewProduct(children...)
	default:
		f, err = New(s.Kind)
	}
	if err != nil {
		return nil, err
	}

	if f.k != productKind {
		if err := f.SetParms(s.Par); err != nil {
			return nil, fmt.Errorf("%s factor: %w", s.Kind, err)
		}
	} else if len(s.Par) != f.parms {
		return nil, &InputError{Expected: f.parms, Got: len(s.Par), Type: "parameter vector"}
	}

	if err := f.SetDim(s.Dim); err != nil {
		return nil, err
	}
	f.SetFixed(s.Fixed)
	return f, nil
}
