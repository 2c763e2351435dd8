package walker

import (
	"github.com/crashkit/crashkit/pkg/minidump"
	"github.com/crashkit/crashkit/pkg/symbolic"
	"github.com/crashkit/crashkit/pkg/unwind"
)

// CallStack is one thread's recovered stack, callee first.
type CallStack struct {
	ThreadID   uint32
	ThreadName string
	Frames     []*unwind.Frame
	// Info notes why a stack is empty or cut short: a thread with no
	// captured context, no usable instruction pointer, or a walk
	// stopped at the frame limit.
	Info string
}

// NoRequestingThread is the ProcessState.RequestingThread value of a
// snapshot without an exception record.
const NoRequestingThread = -1

// ProcessState is the result of walking every thread of a snapshot.
// It is not mutated after Process returns.
type ProcessState struct {
	System *minidump.SystemInfo

	// Crashed is false for snapshots taken without an exception, e.g.
	// on-demand dumps of a live process.
	Crashed bool
	// CrashReason is the exception code rendered as hex; OS-specific
	// decoding is left to presentation layers.
	CrashReason  string
	CrashAddress uint64
	// RequestingThread indexes Threads, carried verbatim from the
	// exception record even when out of range; NoRequestingThread
	// without an exception.
	RequestingThread int

	Threads []*CallStack
	Modules *minidump.ModuleList
	// SymbolStats counts each referenced module exactly once.
	SymbolStats symbolic.Stats
}
