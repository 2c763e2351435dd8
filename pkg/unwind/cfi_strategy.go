package unwind

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/crashkit/crashkit/pkg/cfi"
	"github.com/crashkit/crashkit/pkg/minidump"
)

// cfiStrategy recovers the caller by evaluating the call frame
// information program covering the callee's instruction.
type cfiStrategy struct {
	arch    *Arch
	symbols SymbolSource
	logger  log.Logger
}

func (s *cfiStrategy) Name() string { return "cfi" }
func (s *cfiStrategy) Trust() Trust { return TrustCFI }

func (s *cfiStrategy) Unwind(ctx context.Context, req *Request) (*Frame, error) {
	callee := req.Callee
	module := callee.Module
	if module == nil {
		module = req.Modules.ModuleAt(callee.LookupAddress())
	}
	if module == nil {
		return nil, fmt.Errorf("%w: instruction %#x in no module", ErrNoCaller, callee.Instruction)
	}

	file, _ := s.symbols.Resolve(ctx, module)
	if file == nil {
		return nil, fmt.Errorf("%w: no symbols for %s", ErrNoCaller, module.DebugFile)
	}

	// Symbol file addresses are module relative.
	rel := callee.LookupAddress() - module.Base
	prog := file.CFIFor(rel)
	if prog == nil {
		return nil, fmt.Errorf("%w: no cfi covering %#x", ErrNoCaller, rel)
	}

	res, err := cfi.Evaluate(prog, callee.Context.Regs, stackFirst{req.Stack, req.Memory}, rel, s.arch.WordSize)
	if err != nil {
		level.Debug(s.logger).Log("msg", "cfi evaluation failed", "module", module.DebugFile, "offset", fmt.Sprintf("%#x", rel), "err", err)
		return nil, fmt.Errorf("%w: %v", ErrNoCaller, err)
	}

	ip := s.arch.StripPAC(res.RA)
	if ip == 0 || res.CFA == 0 {
		return nil, fmt.Errorf("%w: cfi recovered null ip or sp", ErrNoCaller)
	}
	// The caller's frame must be further up the stack.
	if res.CFA < callee.StackPointer {
		return nil, fmt.Errorf("%w: cfi frame moves down the stack", ErrNoCaller)
	}

	caller := minidump.NewContext(s.arch.CPU)
	for reg, v := range res.Regs {
		caller.Set(reg, v)
	}
	caller.Set(s.arch.IPReg, ip)
	caller.Set(s.arch.SPReg, res.CFA)

	return &Frame{
		Instruction:  ip,
		StackPointer: res.CFA,
		Trust:        TrustCFI,
		Context:      caller,
		Module:       req.Modules.ModuleAt(ip),
	}, nil
}

// stackFirst reads the thread stack region before falling back to the
// full memory list.
type stackFirst struct {
	stack  *minidump.MemoryRegion
	memory *minidump.MemoryList
}

func (m stackFirst) ReadPointer(addr uint64, wordSize uint64) (uint64, bool) {
	if m.stack != nil {
		if v, ok := m.stack.ReadPointer(addr, wordSize); ok {
			return v, true
		}
	}
	if m.memory != nil {
		return m.memory.ReadPointer(addr, wordSize)
	}
	return 0, false
}
