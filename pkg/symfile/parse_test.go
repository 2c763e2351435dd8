package symfile

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSymbols = `MODULE Linux x86_64 E3A0F28FED6CABBCCF15670EF0AAKD120 app.so
FILE 0 /src/main.cc
FILE 1 /src/util.cc
FUNC 1000 100 0 main
1000 10 12 0
1010 20 13 0
1030 d0 15 1
FUNC m 1100 80 8 helper(int)
1100 80 40 1
PUBLIC 2000 0 _start
PUBLIC 2800 0 __libc_init
STACK CFI INIT 1000 100 .cfa: $rsp 8 + .ra: .cfa 8 - ^
STACK CFI 1001 .cfa: $rsp 16 +
STACK CFI 1004 $rbp: .cfa 16 - ^
STACK WIN 4 2170 14 1 0 0 0 0 0 1 $eip 4 + ^ =
INFO URL https://symbols.example.com/app.so/E3A/app.sym
SOMETHING unknown record type
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sampleSymbols))
	require.NoError(t, err)

	assert.Equal(t, "Linux", f.OS)
	assert.Equal(t, "x86_64", f.Arch)
	assert.Equal(t, "E3A0F28FED6CABBCCF15670EF0AAKD120", f.DebugID)
	assert.Equal(t, "app.so", f.Name)
	assert.Equal(t, "https://symbols.example.com/app.so/E3A/app.sym", f.SourceURL)

	assert.Equal(t, 2, f.FunctionCount())
	assert.Equal(t, 2, f.PublicCount())
	assert.Equal(t, 1, f.CFICount())
}

func TestParseCorrupt(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
	}{
		{"empty input", ""},
		{"missing MODULE", "FUNC 1000 100 0 main\n"},
		{"duplicate MODULE", "MODULE Linux x86_64 AA a.so\nMODULE Linux x86_64 BB b.so\n"},
		{"truncated MODULE", "MODULE Linux x86_64 AA\n"},
		{"bad FUNC address", "MODULE Linux x86_64 AA a.so\nFUNC xyzzy 100 0 main\n"},
		{"bad PUBLIC address", "MODULE Linux x86_64 AA a.so\nPUBLIC zz 0 _start\n"},
		{"bad FILE number", "MODULE Linux x86_64 AA a.so\nFILE x name.cc\n"},
		{"delta before init", "MODULE Linux x86_64 AA a.so\nSTACK CFI 1001 .cfa: $rsp 16 +\n"},
		{"delta outside init range", "MODULE Linux x86_64 AA a.so\nSTACK CFI INIT 1000 10 .cfa: $rsp 8 +\nSTACK CFI 1010 .cfa: $rsp 16 +\n"},
		{"empty CFI rules", "MODULE Linux x86_64 AA a.so\nSTACK CFI INIT 1000 10 .cfa:\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestParseErrorReportsLine(t *testing.T) {
	_, err := Parse([]byte("MODULE Linux x86_64 AA a.so\nFUNC bogus\n"))
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 2, perr.Line)
}

func TestParseTolerates(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
	}{
		{"unknown record type", "MODULE Linux x86_64 AA a.so\nWEIRD stuff here\n"},
		{"STACK WIN record", "MODULE Linux x86_64 AA a.so\nSTACK WIN 4 2170 14 1 0 0 0 0 0 1 program\n"},
		{"orphan line record", "MODULE Linux x86_64 AA a.so\n1000 10 12 0\n"},
		{"windows line endings", "MODULE Linux x86_64 AA a.so\r\nPUBLIC 2000 0 _start\r\n"},
		{"blank lines", "MODULE Linux x86_64 AA a.so\n\n\nPUBLIC 2000 0 _start\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			require.NoError(t, err)
		})
	}
}

func TestParseModuleNameWithSpaces(t *testing.T) {
	f, err := Parse([]byte("MODULE windows x86_64 AA My App.pdb\n"))
	require.NoError(t, err)
	assert.Equal(t, "My App.pdb", f.Name)
}

func TestParseUnsortedInputIsSorted(t *testing.T) {
	input := strings.Join([]string{
		"MODULE Linux x86_64 AA a.so",
		"FUNC 2000 100 0 second",
		"FUNC 1000 100 0 first",
		"PUBLIC 3000 0 late",
		"PUBLIC 500 0 early",
	}, "\n")
	f, err := Parse([]byte(input))
	require.NoError(t, err)

	hit, ok := f.FunctionAt(0x1050)
	require.True(t, ok)
	assert.Equal(t, "first", hit.Name)
	hit, ok = f.FunctionAt(0x2050)
	require.True(t, ok)
	assert.Equal(t, "second", hit.Name)
}
