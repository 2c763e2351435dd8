// Package symbolic resolves module identities to parsed symbol files.
//
// A Supplier produces raw symbol file bytes for a module from some
// backing store: a directory tree, an ordered list of HTTP symbol
// servers, or any inner supplier wrapped by the on-disk CacheSupplier
// decorator. The Symbolizer sits in front of a supplier, parses and
// memoizes results for the lifetime of a run, and keeps the per-module
// outcome statistics reporting needs.
package symbolic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"

	"github.com/crashkit/crashkit/pkg/minidump"
)

// Supplier resolves a module identity to raw symbol file bytes.
// Implementations return the origin (file path or URL) the bytes came
// from, for provenance reporting. A module no source knows about
// yields ErrNotFound.
type Supplier interface {
	FetchSymbols(ctx context.Context, m *minidump.Module) (data []byte, origin string, err error)
}

var validDebugID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// moduleRelPath maps a module identity onto the conventional symbol
// store layout: <debug file>/<debug id>/<debug file minus .pdb>.sym.
// The debug ID is validated so a hostile module record cannot traverse
// outside the store.
func moduleRelPath(m *minidump.Module) (string, error) {
	debugFile := path.Base(strings.ReplaceAll(m.DebugFile, `\`, "/"))
	if debugFile == "" || debugFile == "." || debugFile == "/" {
		return "", fmt.Errorf("module %q has no usable debug file name", m.CodeFile)
	}
	if !validDebugID.MatchString(m.DebugID) {
		return "", invalidDebugIDError{debugID: m.DebugID}
	}
	symName := strings.TrimSuffix(debugFile, ".pdb") + ".sym"
	return path.Join(debugFile, m.DebugID, symName), nil
}

// DirSupplier serves symbol files from ordered local search paths.
type DirSupplier struct {
	paths  []string
	logger log.Logger
}

func NewDirSupplier(logger log.Logger, paths []string) *DirSupplier {
	return &DirSupplier{paths: paths, logger: logger}
}

func (s *DirSupplier) FetchSymbols(_ context.Context, m *minidump.Module) ([]byte, string, error) {
	rel, err := moduleRelPath(m)
	if err != nil {
		return nil, "", err
	}
	for _, root := range s.paths {
		p := filepath.Join(root, filepath.FromSlash(rel))
		data, err := os.ReadFile(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				level.Warn(s.logger).Log("msg", "unreadable symbol file", "path", p, "err", err)
			}
			continue
		}
		level.Debug(s.logger).Log("msg", "symbols found locally", "path", p, "module", m.DebugFile)
		return data, p, nil
	}
	return nil, "", ErrNotFound
}

// MultiSupplier tries each supplier in order, returning the first
// success. ErrNotFound falls through; other failures are remembered
// and surfaced only if no later supplier succeeds.
type MultiSupplier struct {
	suppliers []Supplier
}

func NewMultiSupplier(suppliers ...Supplier) *MultiSupplier {
	return &MultiSupplier{suppliers: suppliers}
}

func (s *MultiSupplier) FetchSymbols(ctx context.Context, m *minidump.Module) ([]byte, string, error) {
	var lastErr error
	for _, sub := range s.suppliers {
		data, origin, err := sub.FetchSymbols(ctx, m)
		if err == nil {
			return data, origin, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", ErrNotFound
}
