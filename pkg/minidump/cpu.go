package minidump

// CPU identifies the processor family a snapshot was captured on.
type CPU int

const (
	CPUUnknown CPU = iota
	CPUX86
	CPUAmd64
	CPUArm64
)

func (c CPU) String() string {
	switch c {
	case CPUX86:
		return "x86"
	case CPUAmd64:
		return "amd64"
	case CPUArm64:
		return "arm64"
	default:
		return "unknown"
	}
}

// WordSize returns the architecture word size in bytes.
func (c CPU) WordSize() uint64 {
	switch c {
	case CPUX86:
		return 4
	case CPUAmd64, CPUArm64:
		return 8
	default:
		return 0
	}
}
