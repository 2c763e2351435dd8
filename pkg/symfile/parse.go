package symfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/crashkit/crashkit/pkg/cfi"
)

// ErrCorrupt marks symbol bytes that are structurally unusable, as
// opposed to well-formed files that merely contain records we skip.
var ErrCorrupt = errors.New("symfile: corrupt symbol data")

// ParseError reports where in the file parsing failed.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("symfile: line %d: %s", e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrCorrupt }

const maxLineBytes = 1024 * 1024

// Parse decodes a breakpad text symbol file. Unknown record types are
// skipped; malformed known records or a missing MODULE header return a
// *ParseError wrapping ErrCorrupt.
func Parse(data []byte) (*File, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	f := &File{}
	files := make(map[int]string)
	var curFunc *Function
	var curCFI *cfiBuilder
	var builders []*cfiBuilder
	lineno := 0

	for sc.Scan() {
		lineno++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "MODULE "):
			if f.Name != "" {
				return nil, &ParseError{lineno, "duplicate MODULE record"}
			}
			parts := strings.SplitN(line, " ", 5)
			if len(parts) != 5 {
				return nil, &ParseError{lineno, "malformed MODULE record"}
			}
			f.OS, f.Arch, f.DebugID, f.Name = parts[1], parts[2], parts[3], parts[4]

		case strings.HasPrefix(line, "FILE "):
			parts := strings.SplitN(line, " ", 3)
			if len(parts) != 3 {
				return nil, &ParseError{lineno, "malformed FILE record"}
			}
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, &ParseError{lineno, "bad FILE number"}
			}
			files[n] = parts[2]

		case strings.HasPrefix(line, "FUNC "):
			fn, err := parseFunc(line)
			if err != nil {
				return nil, &ParseError{lineno, err.Error()}
			}
			f.funcs = append(f.funcs, fn)
			curFunc = &f.funcs[len(f.funcs)-1]

		case strings.HasPrefix(line, "PUBLIC "):
			p, err := parsePublic(line)
			if err != nil {
				return nil, &ParseError{lineno, err.Error()}
			}
			f.publics = append(f.publics, p)

		case strings.HasPrefix(line, "STACK CFI INIT "):
			b, err := parseCFIInit(line)
			if err != nil {
				return nil, &ParseError{lineno, err.Error()}
			}
			builders = append(builders, b)
			curCFI = b

		case strings.HasPrefix(line, "STACK CFI "):
			if curCFI == nil {
				return nil, &ParseError{lineno, "STACK CFI record before STACK CFI INIT"}
			}
			if err := curCFI.addDelta(line); err != nil {
				return nil, &ParseError{lineno, err.Error()}
			}

		case strings.HasPrefix(line, "STACK "):
			// Other STACK flavors (e.g. STACK WIN) are recognized but
			// not used by this unwinder.

		case strings.HasPrefix(line, "INFO "):
			if rest, ok := strings.CutPrefix(line, "INFO URL "); ok {
				f.SourceURL = strings.TrimSpace(rest)
			}

		default:
			// A leading hex address is a line record for the current
			// function; anything else is an unsupported record type.
			if isHexStart(line) {
				if curFunc == nil {
					continue
				}
				lr, err := parseLine(line, files)
				if err != nil {
					return nil, &ParseError{lineno, err.Error()}
				}
				curFunc.lines = append(curFunc.lines, lr)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{lineno, err.Error()}
	}
	if f.Name == "" {
		return nil, &ParseError{1, "missing MODULE record"}
	}

	for _, b := range builders {
		prog, err := b.build()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrCorrupt, err)
		}
		f.cfi = append(f.cfi, prog)
	}

	f.funcs.sort()
	f.publics.sort()
	f.cfi.sort()
	for i := range f.funcs {
		lines := f.funcs[i].lines
		sort.Slice(lines, func(a, b int) bool { return lines[a].address < lines[b].address })
	}
	return f, nil
}

func parseFunc(line string) (Function, error) {
	rest := strings.TrimPrefix(line, "FUNC ")
	rest = strings.TrimPrefix(rest, "m ")
	parts := strings.SplitN(rest, " ", 4)
	if len(parts) != 4 {
		return Function{}, errors.New("malformed FUNC record")
	}
	addr, err1 := strconv.ParseUint(parts[0], 16, 64)
	size, err2 := strconv.ParseUint(parts[1], 16, 64)
	psize, err3 := strconv.ParseUint(parts[2], 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Function{}, errors.New("bad FUNC address fields")
	}
	return Function{Address: addr, Size: size, ParamSize: psize, Name: parts[3]}, nil
}

func parsePublic(line string) (PublicSymbol, error) {
	rest := strings.TrimPrefix(line, "PUBLIC ")
	rest = strings.TrimPrefix(rest, "m ")
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) != 3 {
		return PublicSymbol{}, errors.New("malformed PUBLIC record")
	}
	addr, err1 := strconv.ParseUint(parts[0], 16, 64)
	psize, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return PublicSymbol{}, errors.New("bad PUBLIC address fields")
	}
	return PublicSymbol{Address: addr, ParamSize: psize, Name: parts[2]}, nil
}

func parseLine(line string, files map[int]string) (lineRecord, error) {
	parts := strings.Fields(line)
	if len(parts) != 4 {
		return lineRecord{}, errors.New("malformed line record")
	}
	addr, err1 := strconv.ParseUint(parts[0], 16, 64)
	size, err2 := strconv.ParseUint(parts[1], 16, 64)
	ln, err3 := strconv.Atoi(parts[2])
	filenum, err4 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return lineRecord{}, errors.New("bad line record fields")
	}
	return lineRecord{address: addr, size: size, line: ln, file: files[filenum]}, nil
}

type cfiBuilder struct {
	base   uint64
	size   uint64
	init   cfi.RuleSet
	deltas []cfi.Delta
}

func parseCFIInit(line string) (*cfiBuilder, error) {
	rest := strings.TrimPrefix(line, "STACK CFI INIT ")
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) != 3 {
		return nil, errors.New("malformed STACK CFI INIT record")
	}
	base, err1 := strconv.ParseUint(parts[0], 16, 64)
	size, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return nil, errors.New("bad STACK CFI INIT address fields")
	}
	rules, err := cfi.ParseRuleSet(parts[2])
	if err != nil {
		return nil, err
	}
	return &cfiBuilder{base: base, size: size, init: rules}, nil
}

func (b *cfiBuilder) addDelta(line string) error {
	rest := strings.TrimPrefix(line, "STACK CFI ")
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) != 2 {
		return errors.New("malformed STACK CFI record")
	}
	addr, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return errors.New("bad STACK CFI address")
	}
	rules, err := cfi.ParseRuleSet(parts[1])
	if err != nil {
		return err
	}
	b.deltas = append(b.deltas, cfi.Delta{Address: addr, Rules: rules})
	return nil
}

func (b *cfiBuilder) build() (*cfi.Program, error) {
	return cfi.NewProgram(b.base, b.size, b.init, b.deltas)
}

func isHexStart(line string) bool {
	c := line[0]
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
