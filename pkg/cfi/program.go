// Package cfi models call frame information programs from breakpad
// symbol files and evaluates them to recover caller register state.
//
// A program covers one function's address range. It starts from the
// rule set of its STACK CFI INIT record; each following STACK CFI
// record amends the rules from its offset onward. Rules map a target
// register (or the pseudo-targets .cfa and .ra) to a postfix
// expression over the callee's registers and readable memory.
package cfi

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// RuleCFA computes the canonical frame address, which is also the
	// caller's stack pointer. Always evaluated first so later rules
	// can refer to it.
	RuleCFA = ".cfa"
	// RuleRA computes the return address, i.e. the caller's
	// instruction pointer.
	RuleRA = ".ra"
)

// RuleSet maps a target register name to the postfix expression that
// recovers it.
type RuleSet map[string]string

func (rs RuleSet) clone() RuleSet {
	out := make(RuleSet, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}

// Delta amends the rules in force from Address to the end of the
// program's range (or until a later delta).
type Delta struct {
	Address uint64
	Rules   RuleSet
}

// Program is an immutable parsed CFI program scoped to [Base, Base+Size).
type Program struct {
	Base uint64
	Size uint64
	Init RuleSet

	deltas []Delta
}

// NewProgram builds a program from an init rule set and deltas in any
// order. Deltas outside the program range are rejected.
func NewProgram(base, size uint64, init RuleSet, deltas []Delta) (*Program, error) {
	sorted := make([]Delta, len(deltas))
	copy(sorted, deltas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	for _, d := range sorted {
		if d.Address < base || d.Address-base >= size {
			return nil, fmt.Errorf("cfi delta at %#x outside program range [%#x,%#x)", d.Address, base, base+size)
		}
	}
	return &Program{Base: base, Size: size, Init: init, deltas: sorted}, nil
}

func (p *Program) Contains(addr uint64) bool {
	return addr >= p.Base && addr-p.Base < p.Size
}

// RulesAt accumulates the rules in force at addr: the init set plus
// every delta at or before addr, later deltas overriding earlier ones
// per register.
func (p *Program) RulesAt(addr uint64) RuleSet {
	rules := p.Init.clone()
	for _, d := range p.deltas {
		if d.Address > addr {
			break
		}
		for reg, expr := range d.Rules {
			rules[reg] = expr
		}
	}
	return rules
}

// ParseRuleSet parses the "reg: expr reg: expr …" tail of a STACK CFI
// record. A token ending in ':' names the next target register; all
// following tokens up to the next target belong to its expression.
func ParseRuleSet(s string) (RuleSet, error) {
	rules := make(RuleSet)
	var target string
	var expr []string
	flush := func() error {
		if target == "" {
			return nil
		}
		if len(expr) == 0 {
			return fmt.Errorf("cfi rule for %q has empty expression", target)
		}
		rules[target] = strings.Join(expr, " ")
		expr = expr[:0]
		return nil
	}
	for _, tok := range strings.Fields(s) {
		if strings.HasSuffix(tok, ":") {
			if err := flush(); err != nil {
				return nil, err
			}
			target = strings.TrimSuffix(tok, ":")
			if target == "" {
				return nil, fmt.Errorf("cfi rule with empty register name in %q", s)
			}
			continue
		}
		if target == "" {
			return nil, fmt.Errorf("cfi expression token %q before any register target", tok)
		}
		expr = append(expr, tok)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("empty cfi rule set in %q", s)
	}
	return rules, nil
}
