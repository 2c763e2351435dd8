package minidump

import (
	"fmt"
	"sort"
)

// Module describes one code module mapped into the crashed process.
// Modules are immutable once the module list is built.
type Module struct {
	// CodeFile is the path of the executable or shared library.
	CodeFile string
	// DebugFile is the name of the debug info file for the module. For
	// PDB-less platforms this commonly equals the code file base name.
	DebugFile string
	// DebugID is the unique build identifier used to locate symbols.
	DebugID string
	// Version is the module version string, if the snapshot carried one.
	Version string
	// CertSubject holds code-signing metadata when present.
	CertSubject string

	Base uint64
	Size uint64
}

func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr-m.Base < m.Size
}

func (m *Module) String() string {
	return fmt.Sprintf("%s %s/%s [%#x,%#x)", m.CodeFile, m.DebugFile, m.DebugID, m.Base, m.Base+m.Size)
}

// ModuleList is an address-sorted collection of modules supporting
// point lookups by instruction address.
type ModuleList struct {
	modules []*Module
}

// NewModuleList builds a list sorted by base address. Overlapping
// module ranges are rejected, matching the container invariant.
func NewModuleList(modules []*Module) (*ModuleList, error) {
	sorted := make([]*Module, len(modules))
	copy(sorted, modules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if prev.Base+prev.Size > cur.Base {
			return nil, fmt.Errorf("module %q overlaps %q", prev.CodeFile, cur.CodeFile)
		}
	}
	return &ModuleList{modules: sorted}, nil
}

// ModuleAt returns the unique module whose range contains addr, or nil.
func (l *ModuleList) ModuleAt(addr uint64) *Module {
	if l == nil || len(l.modules) == 0 {
		return nil
	}
	i := sort.Search(len(l.modules), func(i int) bool {
		return l.modules[i].Base > addr
	})
	if i == 0 {
		return nil
	}
	if m := l.modules[i-1]; m.Contains(addr) {
		return m
	}
	return nil
}

// Modules returns the modules in base-address order. The returned slice
// must not be mutated.
func (l *ModuleList) Modules() []*Module {
	if l == nil {
		return nil
	}
	return l.modules
}

func (l *ModuleList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.modules)
}
