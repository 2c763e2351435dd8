package symfile

import (
	"sort"

	"github.com/crashkit/crashkit/pkg/cfi"
)

// The lookup tables are built once at parse time, sorted by address,
// and queried with a nearest-preceding binary search.

type funcTable []Function

func (t funcTable) sort() {
	sort.Slice(t, func(i, j int) bool { return t[i].Address < t[j].Address })
}

// containing returns the function whose [Address, Address+Size) range
// holds addr, or nil.
func (t funcTable) containing(addr uint64) *Function {
	i := precedingIndex(len(t), addr, func(i int) uint64 { return t[i].Address })
	if i < 0 {
		return nil
	}
	if f := &t[i]; addr-f.Address < f.Size {
		return f
	}
	return nil
}

type publicTable []PublicSymbol

func (t publicTable) sort() {
	sort.Slice(t, func(i, j int) bool { return t[i].Address < t[j].Address })
}

// preceding returns the public symbol at the highest address not above
// addr. Publics carry no size, so this is the best available match.
func (t publicTable) preceding(addr uint64) *PublicSymbol {
	i := precedingIndex(len(t), addr, func(i int) uint64 { return t[i].Address })
	if i < 0 {
		return nil
	}
	return &t[i]
}

type cfiTable []*cfi.Program

func (t cfiTable) sort() {
	sort.Slice(t, func(i, j int) bool { return t[i].Base < t[j].Base })
}

func (t cfiTable) containing(addr uint64) *cfi.Program {
	i := precedingIndex(len(t), addr, func(i int) uint64 { return t[i].Base })
	if i < 0 {
		return nil
	}
	if p := t[i]; p.Contains(addr) {
		return p
	}
	return nil
}

// precedingIndex returns the index of the last entry whose start
// address is <= addr, or -1.
func precedingIndex(n int, addr uint64, start func(int) uint64) int {
	i := sort.Search(n, func(i int) bool { return start(i) > addr })
	return i - 1
}
