package symbolic

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crashkit/crashkit/pkg/minidump"
)

// CacheSupplier decorates any inner supplier with an on-disk cache.
//
// Population is safe against concurrent writers, including entirely
// separate OS processes: bytes are written to a temporary file in the
// staging directory and moved into place with a single rename, the
// only externally observable mutation. Readers therefore never see a
// partial file, and the loser of a populate race just reuses the
// winner's entry. The staging directory must live on the same
// filesystem as the cache for the rename to stay atomic.
type CacheSupplier struct {
	inner   Supplier
	dir     string
	staging string
	logger  log.Logger
	metrics *metrics
}

// NewCacheSupplier wraps inner with a cache rooted at dir. staging may
// be empty, in which case temporaries are created next to their final
// location.
func NewCacheSupplier(logger log.Logger, inner Supplier, dir, staging string, reg prometheus.Registerer) (*CacheSupplier, error) {
	if dir == "" {
		return nil, errors.New("symbolic: cache directory must be configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cache directory")
	}
	if staging != "" {
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return nil, errors.Wrap(err, "create staging directory")
		}
	}
	return &CacheSupplier{inner: inner, dir: dir, staging: staging, logger: logger, metrics: newMetrics(reg)}, nil
}

func (s *CacheSupplier) FetchSymbols(ctx context.Context, m *minidump.Module) ([]byte, string, error) {
	rel, err := moduleRelPath(m)
	if err != nil {
		return nil, "", err
	}
	entry := filepath.Join(s.dir, filepath.FromSlash(rel))

	if data, err := os.ReadFile(entry); err == nil {
		if looksLikeSymbols(data) {
			s.metrics.cacheOperations.WithLabelValues("get", "hit").Inc()
			origin := provenanceOf(data)
			if origin == "" {
				origin = entry
			}
			return data, origin, nil
		}
		// A damaged entry is a miss; the rewrite below replaces it.
		s.metrics.cacheOperations.WithLabelValues("get", "corrupt").Inc()
		level.Warn(s.logger).Log("msg", "discarding damaged cache entry", "entry", entry)
	} else {
		s.metrics.cacheOperations.WithLabelValues("get", "miss").Inc()
	}

	data, origin, err := s.inner.FetchSymbols(ctx, m)
	if err != nil {
		// Negative results are not cached: a module can become
		// resolvable when a server is repopulated.
		return nil, "", err
	}

	data = withProvenance(data, origin)
	if err := s.writeAtomic(entry, data); err != nil {
		// The fetched bytes are still good; caching is best effort.
		s.metrics.cacheOperations.WithLabelValues("put", "error").Inc()
		level.Warn(s.logger).Log("msg", "symbol cache write failed", "entry", entry, "err", err)
	} else {
		s.metrics.cacheOperations.WithLabelValues("put", "ok").Inc()
	}
	return data, origin, nil
}

func (s *CacheSupplier) writeAtomic(entry string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(entry), 0o755); err != nil {
		return err
	}
	stagingDir := s.staging
	if stagingDir == "" {
		stagingDir = filepath.Dir(entry)
	}
	tmp, err := os.CreateTemp(stagingDir, filepath.Base(entry)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), entry)
}

// looksLikeSymbols is the cheap structural check run on cache hits; a
// full parse per hit would defeat the cache. Anything that is not a
// breakpad symbol file cannot have come from a completed write.
func looksLikeSymbols(data []byte) bool {
	return bytes.HasPrefix(data, []byte("MODULE "))
}

// provenanceOf extracts the INFO URL record a cached entry carries.
func provenanceOf(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), maxProvenanceScan)
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(sc.Text(), "INFO URL "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

const maxProvenanceScan = 1024 * 1024

// withProvenance records the origin inside the cached bytes so later
// cache hits can still report where the file came from.
func withProvenance(data []byte, origin string) []byte {
	if provenanceOf(data) != "" {
		return data
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + len(origin) + 16)
	buf.Write(data)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "INFO URL %s\n", origin)
	return buf.Bytes()
}
