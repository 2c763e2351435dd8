package unwind

import (
	"context"
	"fmt"

	"github.com/crashkit/crashkit/pkg/minidump"
)

// scanStrategy searches the stack above the callee's stack pointer
// for a word that looks like a return address. Last resort: the
// candidate must fall inside a known module, must not repeat an
// address already on the stack, and must pass the caller-supplied
// predicate when one is set.
type scanStrategy struct {
	arch   *Arch
	words  int
	accept ScanPredicate
}

func (s *scanStrategy) Name() string { return "scan" }
func (s *scanStrategy) Trust() Trust { return TrustScan }

func (s *scanStrategy) Unwind(ctx context.Context, req *Request) (*Frame, error) {
	callee := req.Callee
	sp := callee.StackPointer
	if sp == 0 {
		return nil, fmt.Errorf("%w: no stack pointer to scan from", ErrNoCaller)
	}

	mem := stackFirst{req.Stack, req.Memory}
	ws := s.arch.WordSize

	for i := 0; i < s.words; i++ {
		addr := sp + uint64(i)*ws
		word, ok := mem.ReadPointer(addr, ws)
		if !ok {
			// Ran off the captured stack.
			break
		}
		ip := s.arch.StripPAC(word)
		if ip == 0 || req.Modules.ModuleAt(ip) == nil {
			continue
		}
		if req.Seen != nil && req.Seen(ip) {
			continue
		}
		callerSP := addr + ws
		if s.accept != nil && !s.accept(ip, callerSP) {
			continue
		}

		caller := minidump.NewContext(s.arch.CPU)
		caller.Set(s.arch.IPReg, ip)
		caller.Set(s.arch.SPReg, callerSP)
		if fp, ok := callee.Context.FramePointer(); ok {
			caller.Set(s.arch.FPReg, fp)
		}

		return &Frame{
			Instruction:  ip,
			StackPointer: callerSP,
			Trust:        TrustScan,
			Context:      caller,
			Module:       req.Modules.ModuleAt(ip),
		}, nil
	}
	return nil, fmt.Errorf("%w: no plausible return address within %d words", ErrNoCaller, s.words)
}
