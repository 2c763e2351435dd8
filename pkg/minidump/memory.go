package minidump

import (
	"encoding/binary"
	"sort"
)

// MemoryRegion is one contiguous captured memory range.
type MemoryRegion struct {
	Base  uint64
	Bytes []byte
}

func (r *MemoryRegion) Contains(addr, size uint64) bool {
	if r == nil || addr < r.Base {
		return false
	}
	off := addr - r.Base
	return off+size <= uint64(len(r.Bytes)) && off+size >= off
}

func (r *MemoryRegion) Size() uint64 {
	if r == nil {
		return 0
	}
	return uint64(len(r.Bytes))
}

// ReadUint32 reads a little-endian 32-bit value at addr.
func (r *MemoryRegion) ReadUint32(addr uint64) (uint32, bool) {
	if !r.Contains(addr, 4) {
		return 0, false
	}
	off := addr - r.Base
	return binary.LittleEndian.Uint32(r.Bytes[off:]), true
}

// ReadUint64 reads a little-endian 64-bit value at addr.
func (r *MemoryRegion) ReadUint64(addr uint64) (uint64, bool) {
	if !r.Contains(addr, 8) {
		return 0, false
	}
	off := addr - r.Base
	return binary.LittleEndian.Uint64(r.Bytes[off:]), true
}

// ReadPointer reads one architecture word at addr, widened to uint64.
func (r *MemoryRegion) ReadPointer(addr uint64, wordSize uint64) (uint64, bool) {
	switch wordSize {
	case 4:
		v, ok := r.ReadUint32(addr)
		return uint64(v), ok
	case 8:
		return r.ReadUint64(addr)
	default:
		return 0, false
	}
}

// MemoryList provides lookup of captured regions by address.
type MemoryList struct {
	regions []*MemoryRegion
}

func NewMemoryList(regions []*MemoryRegion) *MemoryList {
	sorted := make([]*MemoryRegion, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })
	return &MemoryList{regions: sorted}
}

// RegionAt returns the captured region containing addr, or nil.
func (l *MemoryList) RegionAt(addr uint64) *MemoryRegion {
	if l == nil || len(l.regions) == 0 {
		return nil
	}
	i := sort.Search(len(l.regions), func(i int) bool {
		return l.regions[i].Base > addr
	})
	if i == 0 {
		return nil
	}
	if r := l.regions[i-1]; r.Contains(addr, 1) {
		return r
	}
	return nil
}

// ReadPointer reads one word from whichever region holds addr.
func (l *MemoryList) ReadPointer(addr uint64, wordSize uint64) (uint64, bool) {
	r := l.RegionAt(addr)
	if r == nil {
		return 0, false
	}
	return r.ReadPointer(addr, wordSize)
}
