// Package symfile parses breakpad text symbol files and answers
// address lookups against them: which function covers an instruction,
// which source line, and which call frame information program.
//
// The format is line oriented: a MODULE header, then FILE, FUNC,
// line, PUBLIC, STACK and INFO records. Record types this package does
// not understand are skipped rather than failing the whole file;
// structurally broken records make the file corrupt.
package symfile

import (
	"github.com/crashkit/crashkit/pkg/cfi"
)

// Function is one FUNC record with its line records.
type Function struct {
	Address   uint64
	Size      uint64
	ParamSize uint64
	Name      string

	lines []lineRecord
}

type lineRecord struct {
	address uint64
	size    uint64
	line    int
	file    string
}

// PublicSymbol is one PUBLIC record: a named address without a size.
type PublicSymbol struct {
	Address   uint64
	ParamSize uint64
	Name      string
}

// File is a parsed symbol file for one module.
type File struct {
	OS      string
	Arch    string
	DebugID string
	// Name is the debug file name from the MODULE record.
	Name string
	// SourceURL is the provenance recorded by an INFO URL line, when
	// the file came through a cache or a remote source.
	SourceURL string

	funcs   funcTable
	publics publicTable
	cfi     cfiTable
}

// Hit is the result of an address-to-symbol lookup.
type Hit struct {
	Name string
	// Base is the symbol's start address; offset-into-function is
	// addr - Base.
	Base uint64
	// Size is zero for public symbols, which carry none.
	Size uint64
	// FromPublic marks a fallback match on a sizeless public symbol.
	FromPublic bool
}

// FunctionAt resolves addr to the best symbol: a FUNC range containing
// addr wins over any PUBLIC record, since publics have no extent and a
// nearer public would spuriously shadow the real function. Without a
// containing FUNC the nearest preceding PUBLIC is used.
func (f *File) FunctionAt(addr uint64) (Hit, bool) {
	if fn := f.funcs.containing(addr); fn != nil {
		return Hit{Name: fn.Name, Base: fn.Address, Size: fn.Size}, true
	}
	if p := f.publics.preceding(addr); p != nil {
		return Hit{Name: p.Name, Base: p.Address, FromPublic: true}, true
	}
	return Hit{}, false
}

// LineAt returns the source file and line covering addr, when addr
// falls inside a FUNC with line records.
func (f *File) LineAt(addr uint64) (file string, line int, ok bool) {
	fn := f.funcs.containing(addr)
	if fn == nil || len(fn.lines) == 0 {
		return "", 0, false
	}
	i := precedingIndex(len(fn.lines), addr, func(i int) uint64 { return fn.lines[i].address })
	if i < 0 {
		return "", 0, false
	}
	lr := fn.lines[i]
	if addr-lr.address >= lr.size {
		return "", 0, false
	}
	return lr.file, lr.line, true
}

// CFIFor returns the call frame information program whose range
// contains addr, or nil.
func (f *File) CFIFor(addr uint64) *cfi.Program {
	return f.cfi.containing(addr)
}

// FunctionCount and PublicCount report table sizes, used by tooling
// and stats.
func (f *File) FunctionCount() int { return len(f.funcs) }
func (f *File) PublicCount() int   { return len(f.publics) }
func (f *File) CFICount() int      { return len(f.cfi) }
