package cfi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory map[uint64]uint64

func (m fakeMemory) ReadPointer(addr uint64, _ uint64) (uint64, bool) {
	v, ok := m[addr]
	return v, ok
}

func TestEvaluate(t *testing.T) {
	prog, err := NewProgram(0x1000, 0x40,
		RuleSet{
			".cfa": "$esp 4 +",
			".ra":  ".cfa 4 - ^",
		},
		[]Delta{
			{Address: 0x1001, Rules: RuleSet{
				".cfa": "$esp 8 +",
				"$ebp": ".cfa 8 - ^",
			}},
		})
	require.NoError(t, err)

	regs := map[string]uint64{"esp": 0x7000}
	mem := fakeMemory{
		0x7000: 0x5555, // saved ebp
		0x7004: 0x4242, // return address
	}

	t.Run("init rules only", func(t *testing.T) {
		res, err := Evaluate(prog, regs, mem, 0x1000, 4)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x7004), res.CFA)
		assert.Equal(t, uint64(0x7000), res.RA, "ra reads [cfa-4]")
	})

	t.Run("delta rules in force", func(t *testing.T) {
		res, err := Evaluate(prog, regs, mem, 0x1001, 4)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x7008), res.CFA)
		assert.Equal(t, uint64(0x4242), res.RA)
		assert.Equal(t, uint64(0x5555), res.Regs["ebp"], "register key has no $ prefix")
	})
}

func TestEvaluateMissingEssentialRules(t *testing.T) {
	regs := map[string]uint64{"esp": 0x7000}

	noCFA, err := NewProgram(0x1000, 0x40, RuleSet{".ra": "$esp ^"}, nil)
	require.NoError(t, err)
	_, err = Evaluate(noCFA, regs, fakeMemory{}, 0x1000, 4)
	assert.ErrorIs(t, err, ErrMissingCFA)

	noRA, err := NewProgram(0x1000, 0x40, RuleSet{".cfa": "$esp 4 +"}, nil)
	require.NoError(t, err)
	_, err = Evaluate(noRA, regs, fakeMemory{}, 0x1000, 4)
	assert.ErrorIs(t, err, ErrMissingRA)
}

func TestEvaluateFailures(t *testing.T) {
	regs := map[string]uint64{"esp": 0x7000}

	t.Run("unreadable memory fails evaluation", func(t *testing.T) {
		prog, err := NewProgram(0x1000, 0x40,
			RuleSet{".cfa": "$esp 4 +", ".ra": ".cfa 4 - ^"}, nil)
		require.NoError(t, err)
		_, err = Evaluate(prog, regs, fakeMemory{}, 0x1000, 4)
		assert.ErrorIs(t, err, ErrUnreadableMemory)
	})

	t.Run("undefined register fails evaluation", func(t *testing.T) {
		prog, err := NewProgram(0x1000, 0x40,
			RuleSet{".cfa": "$ebp 8 +", ".ra": ".cfa 4 - ^"}, nil)
		require.NoError(t, err)
		_, err = Evaluate(prog, regs, fakeMemory{}, 0x1000, 4)
		assert.ErrorIs(t, err, ErrUndefinedRegister)
	})

	t.Run("non-essential register failure is recoverable", func(t *testing.T) {
		prog, err := NewProgram(0x1000, 0x40,
			RuleSet{
				".cfa": "$esp 4 +",
				".ra":  ".cfa 4 - ^",
				"$esi": "$undefined 4 +",
			}, nil)
		require.NoError(t, err)
		res, err := Evaluate(prog, regs, fakeMemory{0x7000: 0x4242}, 0x1000, 4)
		require.NoError(t, err)
		_, known := res.Regs["esi"]
		assert.False(t, known, "esi must stay unknown, not zero")
	})
}

func TestEvalExpressions(t *testing.T) {
	env := evalEnv{
		regs: map[string]uint64{"rsp": 100, "rbp": 64},
		mem:  fakeMemory{64: 7},
	}
	for _, tc := range []struct {
		name    string
		expr    string
		want    uint64
		wantErr bool
	}{
		{name: "literal", expr: "42", want: 42},
		{name: "hex literal", expr: "0x10", want: 16},
		{name: "register", expr: "$rsp", want: 100},
		{name: "bare register name", expr: "rsp", want: 100},
		{name: "addition", expr: "$rsp 8 +", want: 108},
		{name: "subtraction", expr: "$rsp 8 -", want: 92},
		{name: "multiplication", expr: "$rsp 2 *", want: 200},
		{name: "division", expr: "$rsp 3 /", want: 33},
		{name: "modulo", expr: "$rsp 3 %", want: 1},
		{name: "align down", expr: "$rsp 16 @", want: 96},
		{name: "dereference", expr: "$rbp ^", want: 7},
		{name: "compound", expr: "$rsp 8 + 16 @ 4 -", want: 92},
		{name: "division by zero", expr: "$rsp 0 /", wantErr: true},
		{name: "too few operands", expr: "4 +", wantErr: true},
		{name: "leftover operands", expr: "4 8", wantErr: true},
		{name: "empty expression", expr: "", wantErr: true},
		{name: "undefined register", expr: "$r15", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := env.eval(tc.expr)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
