package unwind

// Trust ranks how a frame was recovered, from the captured context
// down to heuristic stack scanning. Validation strictness during
// walking is inverse to trust.
type Trust int

const (
	TrustNone Trust = iota
	// TrustScan: the frame came from scanning stack memory for a
	// plausible return address.
	TrustScan
	// TrustFramePointer: the frame was recovered by following the
	// conventional frame pointer chain.
	TrustFramePointer
	// TrustCFI: the frame was recovered by evaluating call frame
	// information.
	TrustCFI
	// TrustContext: the frame is the captured execution context
	// itself, never synthesized.
	TrustContext
)

func (t Trust) String() string {
	switch t {
	case TrustContext:
		return "context"
	case TrustCFI:
		return "cfi"
	case TrustFramePointer:
		return "frame_pointer"
	case TrustScan:
		return "scan"
	default:
		return "none"
	}
}
