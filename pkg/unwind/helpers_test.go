package unwind

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crashkit/crashkit/pkg/minidump"
	"github.com/crashkit/crashkit/pkg/symbolic"
	"github.com/crashkit/crashkit/pkg/symfile"
)

// stackRegion lays out 64-bit little-endian words starting at base.
func stackRegion(base uint64, words ...uint64) *minidump.MemoryRegion {
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[8*i:], w)
	}
	return &minidump.MemoryRegion{Base: base, Bytes: buf}
}

func modules(t *testing.T, mods ...*minidump.Module) *minidump.ModuleList {
	t.Helper()
	list, err := minidump.NewModuleList(mods)
	require.NoError(t, err)
	return list
}

// fakeSymbols serves parsed symbol files keyed by debug file name.
type fakeSymbols map[string]*symfile.File

func (f fakeSymbols) Resolve(_ context.Context, m *minidump.Module) (*symfile.File, symbolic.Outcome) {
	file, ok := f[m.DebugFile]
	if !ok {
		return nil, symbolic.OutcomeMissing
	}
	return file, symbolic.OutcomeLoaded
}

func parseSymbols(t *testing.T, text string) *symfile.File {
	t.Helper()
	f, err := symfile.Parse([]byte(text))
	require.NoError(t, err)
	return f
}

func amd64Context(ip, sp, fp uint64) *minidump.Context {
	ctx := minidump.NewContext(minidump.CPUAmd64)
	ctx.Set("rip", ip)
	ctx.Set("rsp", sp)
	if fp != 0 {
		ctx.Set("rbp", fp)
	}
	return ctx
}
