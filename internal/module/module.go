// Package module is the boundary between the engine and the code that
// provides output kinds. A Module enumerates the output ids it provides and
// resolves the exports for each; Load validates and registers them.
package module

import (
	"fmt"
	"sort"

	"github.com/tiroq/obsoutput/internal/output"
)

// Module is a loaded unit of code providing output kinds.
type Module interface {
	Name() string
	// EnumOutputs returns the idx-th output id, or false when there are no more.
	EnumOutputs(idx int) (string, bool)
	// Lookup resolves a named export.
	Lookup(symbol string) (any, bool)
}

// DescriptorSource is implemented by modules that hand out descriptors
// directly instead of through name-mangled exports.
type DescriptorSource interface {
	Descriptor(id string) (output.Descriptor, bool)
}

// Symbols is an in-memory export table.
type Symbols struct {
	ModuleName string
	IDs        []string
	Exports    map[string]any
}

// NewSymbols creates an empty export table.
func NewSymbols(name string) *Symbols {
	return &Symbols{ModuleName: name, Exports: make(map[string]any)}
}

// Export adds an output id and its exports. Keys of exports are full symbol
// names, e.g. "file_start".
func (s *Symbols) Export(id string, exports map[string]any) *Symbols {
	s.IDs = append(s.IDs, id)
	for k, v := range exports {
		s.Exports[k] = v
	}
	return s
}

func (s *Symbols) Name() string { return s.ModuleName }

func (s *Symbols) EnumOutputs(idx int) (string, bool) {
	if idx < 0 || idx >= len(s.IDs) {
		return "", false
	}
	return s.IDs[idx], true
}

func (s *Symbols) Lookup(symbol string) (any, bool) {
	v, ok := s.Exports[symbol]
	return v, ok
}

// Static is a module compiled into the process, built from output.Kind
// values. Its descriptors come from output.FromKind.
type Static struct {
	name  string
	kinds []output.Kind
}

// NewStatic creates a static module providing kinds, in order.
func NewStatic(name string, kinds ...output.Kind) *Static {
	return &Static{name: name, kinds: kinds}
}

func (s *Static) Name() string { return s.name }

func (s *Static) EnumOutputs(idx int) (string, bool) {
	if idx < 0 || idx >= len(s.kinds) {
		return "", false
	}
	return s.kinds[idx].ID(), true
}

// Lookup is unused for static modules; descriptors come from Descriptor.
func (s *Static) Lookup(string) (any, bool) { return nil, false }

func (s *Static) Descriptor(id string) (output.Descriptor, bool) {
	for _, k := range s.kinds {
		if k.ID() == id {
			return output.FromKind(k), true
		}
	}
	return output.Descriptor{}, false
}

// Exported returns the symbol names a module exposes for id, sorted; used
// by diagnostics to show what a module actually provides.
func Exported(m Module, id string) []string {
	var out []string
	for _, verb := range append(requiredVerbs(), optionalVerbs()...) {
		sym := Symbol(id, verb)
		if _, ok := m.Lookup(sym); ok {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Symbol builds the export name for verb of output id.
func Symbol(id, verb string) string {
	return fmt.Sprintf("%s_%s", id, verb)
}
