package metadata

import "fmt"

// StaticPallet describes a pallet of a Static registry.
type StaticPallet struct {
	Index     uint8
	Calls     map[string]uint8
	Constants map[string][]byte
	Errors    map[uint8]string
}

// Static is a Registry assembled in memory. It backs runtimes without usable metadata and tests.
type Static struct {
	Pallets map[string]StaticPallet
}

// NewStatic creates an empty Static registry.
func NewStatic() *Static {
	return &Static{Pallets: make(map[string]StaticPallet)}
}

// WithPallet adds a pallet and returns the registry for chaining.
func (s *Static) WithPallet(name string, p StaticPallet) *Static {
	s.Pallets[name] = p
	return s
}

// HasPallet implements Registry.
func (s *Static) HasPallet(name string) bool {
	_, ok := s.Pallets[name]
	return ok
}

// CallIndex implements Registry.
func (s *Static) CallIndex(pallet string, call string) (CallIndex, error) {
	p, ok := s.Pallets[pallet]
	if !ok {
		return CallIndex{}, fmt.Errorf("pallet %s not found", pallet)
	}
	idx, ok := p.Calls[call]
	if !ok {
		return CallIndex{}, fmt.Errorf("call %s.%s not found", pallet, call)
	}
	return CallIndex{Pallet: p.Index, Call: idx}, nil
}

// Constant implements Registry.
func (s *Static) Constant(pallet string, name string) ([]byte, bool) {
	p, ok := s.Pallets[pallet]
	if !ok {
		return nil, false
	}
	v, ok := p.Constants[name]
	return v, ok
}

// ModuleError implements Registry.
func (s *Static) ModuleError(palletIndex uint8, errorIndex uint8) (string, string, bool) {
	byIndex := make(map[uint8]string, len(s.Pallets))
	for name, p := range s.Pallets {
		byIndex[p.Index] = name
	}
	return moduleError(byIndex, func(name string) (map[uint8]string, bool) {
		p := s.Pallets[name]
		return p.Errors, p.Errors != nil
	}, palletIndex, errorIndex)
}
