package symbolic

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashkit/crashkit/pkg/minidump"
)

const cachedSymbols = "MODULE windows x86_64 AA11 app.pdb\nPUBLIC 1000 0 main\n"

func TestCacheSupplierPopulatesOnMiss(t *testing.T) {
	dir := t.TempDir()
	inner := &stubSupplier{data: []byte(cachedSymbols), origin: "https://sym.example.com/app.sym"}

	s, err := NewCacheSupplier(log.NewNopLogger(), inner, dir, "", nil)
	require.NoError(t, err)

	data, origin, err := s.FetchSymbols(context.Background(), testModule())
	require.NoError(t, err)
	assert.Equal(t, "https://sym.example.com/app.sym", origin)
	assert.Equal(t, 1, inner.calls)

	entry := filepath.Join(dir, "app.pdb", "AA11", "app.sym")
	onDisk, err := os.ReadFile(entry)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)
	assert.Contains(t, string(onDisk), "INFO URL https://sym.example.com/app.sym")
}

func TestCacheSupplierHitSkipsInner(t *testing.T) {
	dir := t.TempDir()
	inner := &stubSupplier{data: []byte(cachedSymbols), origin: "https://sym.example.com/app.sym"}

	s, err := NewCacheSupplier(log.NewNopLogger(), inner, dir, "", nil)
	require.NoError(t, err)

	_, _, err = s.FetchSymbols(context.Background(), testModule())
	require.NoError(t, err)
	_, origin, err := s.FetchSymbols(context.Background(), testModule())
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls, "second fetch must be served from disk")
	assert.Equal(t, "https://sym.example.com/app.sym", origin, "hits report the provenance recorded at population time")
}

func TestCacheSupplierDoesNotCacheNegatives(t *testing.T) {
	dir := t.TempDir()
	inner := &stubSupplier{err: ErrNotFound}

	s, err := NewCacheSupplier(log.NewNopLogger(), inner, dir, "", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err = s.FetchSymbols(context.Background(), testModule())
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 3, inner.calls, "misses are retried, never cached")

	entry := filepath.Join(dir, "app.pdb", "AA11", "app.sym")
	_, err = os.Stat(entry)
	assert.True(t, os.IsNotExist(err))
}

func TestCacheSupplierReplacesDamagedEntry(t *testing.T) {
	dir := t.TempDir()
	inner := &stubSupplier{data: []byte(cachedSymbols), origin: "https://sym.example.com/app.sym"}

	entry := filepath.Join(dir, "app.pdb", "AA11", "app.sym")
	require.NoError(t, os.MkdirAll(filepath.Dir(entry), 0o755))
	require.NoError(t, os.WriteFile(entry, []byte("not a symbol file"), 0o644))

	s, err := NewCacheSupplier(log.NewNopLogger(), inner, dir, "", nil)
	require.NoError(t, err)

	data, _, err := s.FetchSymbols(context.Background(), testModule())
	require.NoError(t, err)
	assert.Contains(t, string(data), "MODULE windows")
	assert.Equal(t, 1, inner.calls, "damaged entries are misses")

	onDisk, err := os.ReadFile(entry)
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "MODULE windows", "the damaged entry is rewritten")
}

func TestCacheSupplierStagingDir(t *testing.T) {
	dir := t.TempDir()
	staging := t.TempDir()
	inner := &stubSupplier{data: []byte(cachedSymbols), origin: "x"}

	s, err := NewCacheSupplier(log.NewNopLogger(), inner, dir, staging, nil)
	require.NoError(t, err)

	_, _, err = s.FetchSymbols(context.Background(), testModule())
	require.NoError(t, err)

	leftovers, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temporaries must be renamed or removed")

	_, err = os.Stat(filepath.Join(dir, "app.pdb", "AA11", "app.sym"))
	assert.NoError(t, err)
}

// Concurrent population of the same entry must never expose a partial
// file: every read observes either a miss or one complete entry.
func TestCacheSupplierConcurrentPopulation(t *testing.T) {
	dir := t.TempDir()
	inner := &stubConcurrentSupplier{data: []byte(cachedSymbols)}

	s, err := NewCacheSupplier(log.NewNopLogger(), inner, dir, "", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]byte, 16)
	for i := 0; i < len(results); i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, _, err := s.FetchSymbols(context.Background(), testModule())
			assert.NoError(t, err)
			results[i] = data
		}()
	}
	wg.Wait()

	for _, data := range results {
		assert.True(t, strings.HasPrefix(string(data), "MODULE windows"))
		assert.Contains(t, string(data), "PUBLIC 1000 0 main")
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "app.pdb", "AA11", "app.sym"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(onDisk), "MODULE windows"))
}

type stubConcurrentSupplier struct {
	data []byte
}

func (s *stubConcurrentSupplier) FetchSymbols(context.Context, *minidump.Module) ([]byte, string, error) {
	return append([]byte(nil), s.data...), "https://sym.example.com/app.sym", nil
}

func TestWithProvenance(t *testing.T) {
	t.Run("appends a record", func(t *testing.T) {
		out := withProvenance([]byte("MODULE Linux x86_64 AA a.so"), "https://x/a.sym")
		assert.Equal(t, "MODULE Linux x86_64 AA a.so\nINFO URL https://x/a.sym\n", string(out))
	})
	t.Run("existing record is kept", func(t *testing.T) {
		in := []byte("MODULE Linux x86_64 AA a.so\nINFO URL https://original/a.sym\n")
		out := withProvenance(in, "https://other/a.sym")
		assert.Equal(t, in, out)
	})
}
