package unwind

import (
	"github.com/crashkit/crashkit/pkg/minidump"
)

// Frame is one recovered stack frame. Frames are produced in
// callee-to-caller order; symbol fields are attached in a later pass.
type Frame struct {
	// Instruction is the frame's program counter: the faulting or
	// sampled instruction for a context frame, the return address for
	// recovered callers.
	Instruction uint64
	// StackPointer is the frame's stack pointer, kept alongside the
	// context for cycle detection.
	StackPointer uint64

	Trust   Trust
	Context *minidump.Context
	// Module owning Instruction, nil when the address is unmapped.
	Module *minidump.Module

	// Symbol info, present when the module's symbols resolved.
	Function     string
	FunctionBase uint64
	SourceFile   string
	SourceLine   int
	// FromPublic marks a fallback match on a sizeless public symbol.
	FromPublic bool
}

// LookupAddress is the address used for module, symbol and CFI
// lookups. For recovered frames the instruction is a return address,
// which points one past the call; backing up one byte lands inside the
// call instruction and keeps lookups out of the next function.
func (f *Frame) LookupAddress() uint64 {
	if f.Trust == TrustContext || f.Instruction == 0 {
		return f.Instruction
	}
	return f.Instruction - 1
}

// NewContextFrame builds frame 0 from a captured register context.
func NewContextFrame(ctx *minidump.Context, modules *minidump.ModuleList) (*Frame, bool) {
	ip, ok := ctx.InstructionPointer()
	if !ok {
		return nil, false
	}
	sp, _ := ctx.StackPointer()
	return &Frame{
		Instruction:  ip,
		StackPointer: sp,
		Trust:        TrustContext,
		Context:      ctx.Clone(),
		Module:       modules.ModuleAt(ip),
	}, true
}
