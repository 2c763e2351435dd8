package cfi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMissingCFA and ErrMissingRA mark programs that cannot recover
	// the caller's stack or instruction pointer. Either makes the
	// whole evaluation unusable for unwinding.
	ErrMissingCFA = errors.New("cfi: program recovers no CFA")
	ErrMissingRA  = errors.New("cfi: program recovers no return address")

	ErrUndefinedRegister = errors.New("cfi: expression references undefined register")
	ErrUnreadableMemory  = errors.New("cfi: dereference outside readable memory")
)

// Memory is the read-only view of stack/heap memory an evaluation may
// dereference.
type Memory interface {
	ReadPointer(addr uint64, wordSize uint64) (uint64, bool)
}

// Result is the caller register state recovered by one evaluation.
// Registers absent from Regs were not recoverable and stay unknown.
type Result struct {
	// CFA is the canonical frame address; the caller's stack pointer.
	CFA uint64
	// RA is the return address; the caller's instruction pointer.
	RA uint64
	// Regs holds every other recovered register, keyed by plain name
	// (leading '$' stripped).
	Regs map[string]uint64
}

// Evaluate runs the program's rules in force at addr against the
// callee's registers and memory. It fails unless both the CFA and the
// return address are recoverable; per-register failures for anything
// else just leave that register unknown.
func Evaluate(p *Program, regs map[string]uint64, mem Memory, addr uint64, wordSize uint64) (*Result, error) {
	rules := p.RulesAt(addr)

	cfaExpr, ok := rules[RuleCFA]
	if !ok {
		return nil, ErrMissingCFA
	}
	raExpr, ok := rules[RuleRA]
	if !ok {
		return nil, ErrMissingRA
	}

	env := evalEnv{regs: regs, mem: mem, wordSize: wordSize}

	cfa, err := env.eval(cfaExpr)
	if err != nil {
		return nil, fmt.Errorf("cfi: evaluate %s: %w", RuleCFA, err)
	}
	env.cfa = &cfa

	ra, err := env.eval(raExpr)
	if err != nil {
		return nil, fmt.Errorf("cfi: evaluate %s: %w", RuleRA, err)
	}

	res := &Result{CFA: cfa, RA: ra, Regs: make(map[string]uint64)}
	for target, expr := range rules {
		if target == RuleCFA || target == RuleRA {
			continue
		}
		v, err := env.eval(expr)
		if err != nil {
			// Recoverable: the register simply stays unknown.
			continue
		}
		res.Regs[canonicalRegister(target)] = v
	}
	return res, nil
}

type evalEnv struct {
	regs     map[string]uint64
	mem      Memory
	wordSize uint64
	cfa      *uint64
}

// eval interprets one postfix expression. Operands are integer
// literals and register references; operators are the binary
// + - * / % @ (align down) and the unary ^ (dereference).
func (e *evalEnv) eval(expr string) (uint64, error) {
	var stack []uint64
	pop := func() (uint64, bool) {
		if len(stack) == 0 {
			return 0, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	for _, tok := range strings.Fields(expr) {
		switch tok {
		case "+", "-", "*", "/", "%", "@":
			b, okB := pop()
			a, okA := pop()
			if !okA || !okB {
				return 0, fmt.Errorf("operator %q with too few operands in %q", tok, expr)
			}
			v, err := applyBinary(tok, a, b)
			if err != nil {
				return 0, fmt.Errorf("%w in %q", err, expr)
			}
			stack = append(stack, v)
		case "^":
			a, ok := pop()
			if !ok {
				return 0, fmt.Errorf("dereference with empty stack in %q", expr)
			}
			v, ok := e.mem.ReadPointer(a, e.wordSize)
			if !ok {
				return 0, fmt.Errorf("%w: address %#x", ErrUnreadableMemory, a)
			}
			stack = append(stack, v)
		default:
			v, err := e.operand(tok)
			if err != nil {
				return 0, err
			}
			stack = append(stack, v)
		}
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("expression %q leaves %d values on the stack", expr, len(stack))
	}
	return stack[0], nil
}

func (e *evalEnv) operand(tok string) (uint64, error) {
	if tok == RuleCFA {
		if e.cfa == nil {
			return 0, fmt.Errorf("%w: %s not yet computed", ErrUndefinedRegister, RuleCFA)
		}
		return *e.cfa, nil
	}
	if isRegisterToken(tok) {
		v, ok := e.regs[canonicalRegister(tok)]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUndefinedRegister, tok)
		}
		return v, nil
	}
	n, err := strconv.ParseInt(tok, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad token %q: %w", tok, ErrUndefinedRegister)
	}
	return uint64(n), nil
}

func applyBinary(op string, a, b uint64) (uint64, error) {
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return 0, errors.New("modulo by zero")
		}
		return a % b, nil
	case "@":
		if b == 0 {
			return 0, errors.New("alignment by zero")
		}
		return a - a%b, nil
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}

// isRegisterToken reports whether tok names a register rather than a
// literal: "$esp" style on x86 family, plain identifiers ("lr", "x29")
// elsewhere.
func isRegisterToken(tok string) bool {
	if strings.HasPrefix(tok, "$") {
		return len(tok) > 1
	}
	if tok == "" {
		return false
	}
	c := tok[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '.'
}

func canonicalRegister(tok string) string {
	return strings.TrimPrefix(tok, "$")
}
