package symbolic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/crashkit/crashkit/pkg/minidump"
	"github.com/crashkit/crashkit/pkg/symfile"
)

// Outcome classifies one module's symbol resolution for a run.
type Outcome int

const (
	// OutcomeMissing: no source had symbols for the module.
	OutcomeMissing Outcome = iota
	// OutcomeLoaded: symbols were found and parsed.
	OutcomeLoaded
	// OutcomeCorrupt: bytes were obtained but failed to parse.
	OutcomeCorrupt
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLoaded:
		return "loaded"
	case OutcomeCorrupt:
		return "corrupt"
	default:
		return "missing"
	}
}

// ModuleSymbols is the per-module entry of a Stats snapshot.
type ModuleSymbols struct {
	Outcome Outcome
	// Origin is the path or URL the symbols came from, empty unless
	// loaded.
	Origin string
}

// Stats aggregates symbol resolution outcomes across a run. Each
// module contributes to exactly one counter no matter how many times
// it is resolved.
type Stats struct {
	Loaded  int64
	Missing int64
	Corrupt int64
	Modules map[string]ModuleSymbols
}

const defaultFileCacheSize = 128

// Symbolizer resolves modules to parsed symbol files through a
// supplier, memoizing outcomes for the lifetime of the run.
type Symbolizer struct {
	logger   log.Logger
	supplier Supplier
	metrics  *metrics
	group    singleflight.Group

	// files bounds the parsed files held in memory; an evicted file is
	// re-read through the supplier (normally a disk cache hit).
	files *lru.Cache[string, *symfile.File]

	loaded  atomic.Int64
	missing atomic.Int64
	corrupt atomic.Int64

	mu      sync.Mutex
	results map[string]resolution
}

type resolution struct {
	outcome Outcome
	origin  string
}

// NewSymbolizer builds a symbolizer over the supplier. fileCacheSize
// bounds the in-memory parsed file count; zero means a default.
func NewSymbolizer(logger log.Logger, supplier Supplier, reg prometheus.Registerer, fileCacheSize int) (*Symbolizer, error) {
	if fileCacheSize <= 0 {
		fileCacheSize = defaultFileCacheSize
	}
	files, err := lru.New[string, *symfile.File](fileCacheSize)
	if err != nil {
		return nil, err
	}
	return &Symbolizer{
		logger:   logger,
		supplier: supplier,
		metrics:  newMetrics(reg),
		files:    files,
		results:  make(map[string]resolution),
	}, nil
}

func moduleKey(m *minidump.Module) string {
	return m.DebugFile + "/" + m.DebugID
}

// Resolve maps a module to its parsed symbol file. The first
// resolution of a module decides its outcome for the whole run and
// increments exactly one stats counter; later calls are answered from
// memory (re-reading through the supplier only if the parsed file was
// evicted, which a disk cache absorbs without network traffic).
func (s *Symbolizer) Resolve(ctx context.Context, m *minidump.Module) (*symfile.File, Outcome) {
	key := moduleKey(m)

	s.mu.Lock()
	res, done := s.results[key]
	s.mu.Unlock()
	if done {
		if res.outcome != OutcomeLoaded {
			return nil, res.outcome
		}
		if f, ok := s.files.Get(key); ok {
			return f, OutcomeLoaded
		}
		f, _, _ := s.fetchAndParse(ctx, m)
		if f == nil {
			// The backing store changed under us; the recorded
			// outcome for the run stays authoritative.
			return nil, OutcomeLoaded
		}
		s.files.Add(key, f)
		return f, OutcomeLoaded
	}

	type resolved struct {
		file *symfile.File
		res  resolution
	}
	v, _, _ := s.group.Do(key, func() (interface{}, error) {
		start := time.Now()
		f, origin, outcome := s.fetchAndParseOutcome(ctx, m)
		s.metrics.resolveDuration.WithLabelValues(outcome.String()).Observe(time.Since(start).Seconds())
		return resolved{file: f, res: resolution{outcome: outcome, origin: origin}}, nil
	})
	rv := v.(resolved)

	s.mu.Lock()
	if prev, exists := s.results[key]; exists {
		// Lost a record race; keep the first outcome.
		rv.res = prev
	} else {
		s.results[key] = rv.res
		s.recordOutcome(rv.res.outcome)
	}
	s.mu.Unlock()

	if rv.res.outcome != OutcomeLoaded {
		return nil, rv.res.outcome
	}
	if rv.file != nil {
		s.files.Add(key, rv.file)
	}
	return rv.file, OutcomeLoaded
}

func (s *Symbolizer) fetchAndParseOutcome(ctx context.Context, m *minidump.Module) (*symfile.File, string, Outcome) {
	f, origin, err := s.fetchAndParse(ctx, m)
	switch {
	case err == nil:
		return f, origin, OutcomeLoaded
	case errors.Is(err, symfile.ErrCorrupt):
		level.Warn(s.logger).Log("msg", "corrupt symbol file", "module", m.DebugFile, "debug_id", m.DebugID, "err", err)
		return nil, "", OutcomeCorrupt
	case errors.Is(err, ErrNotFound) || isInvalidDebugIDError(err):
		level.Debug(s.logger).Log("msg", "no symbols for module", "module", m.DebugFile, "debug_id", m.DebugID)
		return nil, "", OutcomeMissing
	default:
		// Source failures (timeouts, server errors) degrade to a
		// missing result rather than failing the run.
		level.Warn(s.logger).Log("msg", "symbol resolution failed", "module", m.DebugFile, "debug_id", m.DebugID, "err", err)
		return nil, "", OutcomeMissing
	}
}

func (s *Symbolizer) fetchAndParse(ctx context.Context, m *minidump.Module) (*symfile.File, string, error) {
	data, origin, err := s.supplier.FetchSymbols(ctx, m)
	if err != nil {
		return nil, "", err
	}
	f, err := symfile.Parse(data)
	if err != nil {
		return nil, "", err
	}
	if f.SourceURL == "" {
		f.SourceURL = origin
	}
	return f, f.SourceURL, nil
}

func (s *Symbolizer) recordOutcome(o Outcome) {
	switch o {
	case OutcomeLoaded:
		s.loaded.Inc()
	case OutcomeMissing:
		s.missing.Inc()
	case OutcomeCorrupt:
		s.corrupt.Inc()
	}
	s.metrics.resolveOutcomes.WithLabelValues(o.String()).Inc()
}

// Stats snapshots the per-run outcome counters.
func (s *Symbolizer) Stats() Stats {
	st := Stats{
		Loaded:  s.loaded.Load(),
		Missing: s.missing.Load(),
		Corrupt: s.corrupt.Load(),
		Modules: make(map[string]ModuleSymbols),
	}
	s.mu.Lock()
	for key, res := range s.results {
		st.Modules[key] = ModuleSymbols{Outcome: res.outcome, Origin: res.origin}
	}
	s.mu.Unlock()
	return st
}
