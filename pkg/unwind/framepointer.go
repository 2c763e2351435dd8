package unwind

import (
	"context"
	"fmt"

	"github.com/crashkit/crashkit/pkg/minidump"
)

// framePointerStrategy walks the saved frame pointer chain. The
// callee's frame pointer addresses a pair of saved words, previous
// frame pointer then return address, pushed by the function prologue
// on every supported architecture.
type framePointerStrategy struct {
	arch *Arch
}

func (s *framePointerStrategy) Name() string { return "frame_pointer" }
func (s *framePointerStrategy) Trust() Trust { return TrustFramePointer }

func (s *framePointerStrategy) Unwind(ctx context.Context, req *Request) (*Frame, error) {
	callee := req.Callee
	fp, ok := callee.Context.FramePointer()
	if !ok || fp == 0 {
		return nil, fmt.Errorf("%w: no frame pointer", ErrNoCaller)
	}
	if fp <= callee.StackPointer {
		return nil, fmt.Errorf("%w: frame pointer below stack pointer", ErrNoCaller)
	}

	mem := stackFirst{req.Stack, req.Memory}
	ws := s.arch.WordSize

	// [fp] holds the caller's frame pointer, [fp+ws] the return
	// address; the arm64 frame record has the same shape with the
	// saved lr in the second slot.
	savedFP, ok := mem.ReadPointer(fp, ws)
	if !ok {
		return nil, fmt.Errorf("%w: saved frame pointer unreadable at %#x", ErrNoCaller, fp)
	}
	savedRA, ok := mem.ReadPointer(fp+ws, ws)
	if !ok {
		return nil, fmt.Errorf("%w: return address unreadable at %#x", ErrNoCaller, fp+ws)
	}

	ip := s.arch.StripPAC(savedRA)
	callerSP := fp + 2*ws
	if ip == 0 {
		return nil, fmt.Errorf("%w: saved return address is null", ErrNoCaller)
	}
	if callerSP <= callee.StackPointer {
		return nil, fmt.Errorf("%w: caller stack pointer does not advance", ErrNoCaller)
	}

	caller := minidump.NewContext(s.arch.CPU)
	caller.Set(s.arch.IPReg, ip)
	caller.Set(s.arch.SPReg, callerSP)
	caller.Set(s.arch.FPReg, savedFP)
	if s.arch.LinkReg != "" {
		caller.Set(s.arch.LinkReg, ip)
	}

	return &Frame{
		Instruction:  ip,
		StackPointer: callerSP,
		Trust:        TrustFramePointer,
		Context:      caller,
		Module:       req.Modules.ModuleAt(ip),
	}, nil
}
