package unwind

import (
	"github.com/crashkit/crashkit/pkg/minidump"
)

// Arch describes the unwinding-relevant conventions of one processor
// family.
type Arch struct {
	CPU      minidump.CPU
	WordSize uint64

	IPReg string
	SPReg string
	FPReg string
	// LinkReg is the return address register on link register
	// architectures, empty elsewhere.
	LinkReg string

	// PointerAuthMask keeps the address bits of a return address,
	// stripping pointer authentication codes. Zero means no masking.
	PointerAuthMask uint64

	// ScanWords is the stack scan window, in words.
	ScanWords int
}

var (
	archX86 = &Arch{
		CPU:       minidump.CPUX86,
		WordSize:  4,
		IPReg:     "eip",
		SPReg:     "esp",
		FPReg:     "ebp",
		ScanWords: 40,
	}
	archAmd64 = &Arch{
		CPU:       minidump.CPUAmd64,
		WordSize:  8,
		IPReg:     "rip",
		SPReg:     "rsp",
		FPReg:     "rbp",
		ScanWords: 40,
	}
	archArm64 = &Arch{
		CPU:      minidump.CPUArm64,
		WordSize: 8,
		IPReg:    "pc",
		SPReg:    "sp",
		FPReg:    "fp",
		LinkReg:  "lr",
		// Keep the low 48 address bits; the rest may carry a pointer
		// authentication code.
		PointerAuthMask: (1 << 48) - 1,
		ScanWords:       40,
	}
)

// ForCPU returns the architecture description for a snapshot CPU.
func ForCPU(cpu minidump.CPU) (*Arch, bool) {
	switch cpu {
	case minidump.CPUX86:
		return archX86, true
	case minidump.CPUAmd64:
		return archAmd64, true
	case minidump.CPUArm64:
		return archArm64, true
	default:
		return nil, false
	}
}

// StripPAC removes pointer authentication bits from a return address.
func (a *Arch) StripPAC(addr uint64) uint64 {
	if a.PointerAuthMask == 0 {
		return addr
	}
	return addr & a.PointerAuthMask
}
