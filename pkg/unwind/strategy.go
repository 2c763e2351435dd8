// Package unwind recovers caller frames from callee frames, one
// strategy per recovery technique. Strategies are tried in decreasing
// trust order by the walker; each either produces a caller frame or
// fails, letting the next technique have a go.
package unwind

import (
	"context"
	"errors"

	"github.com/go-kit/log"

	"github.com/crashkit/crashkit/pkg/minidump"
	"github.com/crashkit/crashkit/pkg/symbolic"
	"github.com/crashkit/crashkit/pkg/symfile"
)

// ErrNoCaller reports that a strategy could not produce a caller
// frame. Not a run error; the walker falls through or ends the stack.
var ErrNoCaller = errors.New("unwind: no caller frame recovered")

// SymbolSource is the strategy-facing slice of the symbolizer.
type SymbolSource interface {
	Resolve(ctx context.Context, m *minidump.Module) (*symfile.File, symbolic.Outcome)
}

// Request carries the read-only state one unwind step works on.
type Request struct {
	// Callee is the frame to unwind from.
	Callee *Frame
	// Stack is the callee thread's captured stack memory.
	Stack *minidump.MemoryRegion
	// Memory is every captured region, for CFI dereferences that
	// reach beyond the stack.
	Memory  *minidump.MemoryList
	Modules *minidump.ModuleList
	// Seen reports whether an instruction address already appears in
	// the thread's stack, for scan dedup.
	Seen func(ip uint64) bool
}

// Strategy attempts to compute the caller frame of Request.Callee.
type Strategy interface {
	Name() string
	Trust() Trust
	Unwind(ctx context.Context, req *Request) (*Frame, error)
}

// ScanPredicate accepts or rejects a stack scan candidate beyond the
// mandatory module containment check.
type ScanPredicate func(candidateIP, candidateSP uint64) bool

// Options tunes strategy construction.
type Options struct {
	// AcceptScan filters scan candidates; nil applies no extra
	// filtering beyond module containment and dedup.
	AcceptScan ScanPredicate
	// ScanWords overrides the architecture default scan window.
	ScanWords int
}

// StrategiesFor builds the ordered strategy list for an architecture:
// call frame information, then frame pointer, then stack scan.
func StrategiesFor(arch *Arch, symbols SymbolSource, logger log.Logger, opts Options) []Strategy {
	scanWords := opts.ScanWords
	if scanWords <= 0 {
		scanWords = arch.ScanWords
	}
	return []Strategy{
		&cfiStrategy{arch: arch, symbols: symbols, logger: logger},
		&framePointerStrategy{arch: arch},
		&scanStrategy{arch: arch, words: scanWords, accept: opts.AcceptScan},
	}
}
