package symbolic

import (
	"context"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashkit/crashkit/pkg/minidump"
)

func newTestSymbolizer(t *testing.T, supplier Supplier) *Symbolizer {
	t.Helper()
	s, err := NewSymbolizer(log.NewNopLogger(), supplier, prometheus.NewRegistry(), 0)
	require.NoError(t, err)
	return s
}

func TestSymbolizerResolveLoaded(t *testing.T) {
	s := newTestSymbolizer(t, &stubSupplier{data: []byte(cachedSymbols), origin: "https://sym/app.sym"})

	f, outcome := s.Resolve(context.Background(), testModule())
	require.NotNil(t, f)
	assert.Equal(t, OutcomeLoaded, outcome)
	assert.Equal(t, "app.pdb", f.Name)
	assert.Equal(t, "https://sym/app.sym", f.SourceURL)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Loaded)
	entry := stats.Modules["app.pdb/AA11"]
	assert.Equal(t, OutcomeLoaded, entry.Outcome)
	assert.Equal(t, "https://sym/app.sym", entry.Origin)
}

func TestSymbolizerOutcomes(t *testing.T) {
	for _, tc := range []struct {
		name     string
		supplier Supplier
		want     Outcome
	}{
		{"not found", &stubSupplier{err: ErrNotFound}, OutcomeMissing},
		{"corrupt bytes", &stubSupplier{data: []byte("FUNC 1000 10 0 main\n")}, OutcomeCorrupt},
		{"source failure degrades to missing", &stubSupplier{err: context.DeadlineExceeded}, OutcomeMissing},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSymbolizer(t, tc.supplier)
			f, outcome := s.Resolve(context.Background(), testModule())
			assert.Nil(t, f)
			assert.Equal(t, tc.want, outcome)
		})
	}

	t.Run("invalid debug id is missing", func(t *testing.T) {
		s := newTestSymbolizer(t, NewDirSupplier(log.NewNopLogger(), []string{t.TempDir()}))
		_, outcome := s.Resolve(context.Background(), &minidump.Module{DebugFile: "app.pdb", DebugID: "../../evil"})
		assert.Equal(t, OutcomeMissing, outcome)
	})
}

// Each module contributes to exactly one stats counter no matter how
// often or how concurrently it is resolved.
func TestSymbolizerStatsCountOncePerModule(t *testing.T) {
	supplier := &countingSupplier{data: []byte(cachedSymbols)}
	s := newTestSymbolizer(t, supplier)
	m := testModule()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				f, outcome := s.Resolve(context.Background(), m)
				assert.NotNil(t, f)
				assert.Equal(t, OutcomeLoaded, outcome)
			}
		}()
	}
	wg.Wait()

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Loaded)
	assert.Equal(t, int64(0), stats.Missing)
	assert.Equal(t, int64(0), stats.Corrupt)
	assert.Len(t, stats.Modules, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.resolveOutcomes.WithLabelValues("loaded")))
}

// A failed module is also counted once, and later resolutions keep
// answering from the memoized outcome without re-fetching.
func TestSymbolizerMemoizesFailures(t *testing.T) {
	supplier := &countingSupplier{err: ErrNotFound}
	s := newTestSymbolizer(t, supplier)
	m := testModule()

	for i := 0; i < 5; i++ {
		_, outcome := s.Resolve(context.Background(), m)
		assert.Equal(t, OutcomeMissing, outcome)
	}

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Missing)
	assert.Equal(t, 1, supplier.calls(), "memoized failures must not hit the supplier again")
}

func TestSymbolizerDistinctModules(t *testing.T) {
	s := newTestSymbolizer(t, NewMultiSupplier(
		&stubSupplier{err: ErrNotFound},
	))

	_, _ = s.Resolve(context.Background(), &minidump.Module{DebugFile: "a.pdb", DebugID: "AA"})
	_, _ = s.Resolve(context.Background(), &minidump.Module{DebugFile: "b.pdb", DebugID: "BB"})
	_, _ = s.Resolve(context.Background(), &minidump.Module{DebugFile: "a.pdb", DebugID: "AA"})

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.Missing)
	assert.Len(t, stats.Modules, 2)
}

type countingSupplier struct {
	mu   sync.Mutex
	n    int
	data []byte
	err  error
}

func (s *countingSupplier) FetchSymbols(context.Context, *minidump.Module) ([]byte, string, error) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	if s.err != nil {
		return nil, "", s.err
	}
	return append([]byte(nil), s.data...), "https://sym/app.sym", nil
}

func (s *countingSupplier) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
