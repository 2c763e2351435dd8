package symbolic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/crashkit/crashkit/pkg/minidump"
)

// DefaultFetchTimeout bounds the wall-clock time spent on one symbol
// file from one source. A source that makes no progress within it is
// abandoned and the next source is tried.
const DefaultFetchTimeout = 1000 * time.Second

// HTTPSupplierConfig holds configuration for the HTTP symbol supplier.
type HTTPSupplierConfig struct {
	// BaseURLs is the ordered list of symbol server roots.
	BaseURLs []string

	// FetchTimeout is the per-file, per-source download deadline.
	// Zero means DefaultFetchTimeout.
	FetchTimeout time.Duration

	// BackoffConfig configures retry backoff within one source.
	BackoffConfig backoff.Config

	// UserAgent is sent with each request when non-empty.
	UserAgent string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// HTTPSupplier fetches symbol files from ordered remote symbol
// servers, laid out <base>/<debug file>/<debug id>/<file>.sym.
type HTTPSupplier struct {
	cfg     HTTPSupplierConfig
	logger  log.Logger
	metrics *metrics

	// Deduplicates concurrent fetches of the same module.
	group singleflight.Group
}

func NewHTTPSupplier(logger log.Logger, cfg HTTPSupplierConfig, reg prometheus.Registerer) *HTTPSupplier {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.BackoffConfig.MaxRetries == 0 {
		cfg.BackoffConfig = backoff.Config{
			MinBackoff: 1 * time.Second,
			MaxBackoff: 10 * time.Second,
			MaxRetries: 3,
		}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		}
	}
	return &HTTPSupplier{cfg: cfg, logger: logger, metrics: newMetrics(reg)}
}

type fetchResult struct {
	data   []byte
	origin string
}

func (s *HTTPSupplier) FetchSymbols(ctx context.Context, m *minidump.Module) ([]byte, string, error) {
	rel, err := moduleRelPath(m)
	if err != nil {
		return nil, "", err
	}

	v, err, _ := s.group.Do(rel, func() (interface{}, error) {
		return s.fetchFromSources(ctx, rel)
	})
	if err != nil {
		return nil, "", err
	}
	res := v.(fetchResult)
	return res.data, res.origin, nil
}

// fetchFromSources walks the configured servers in order. A 404 or a
// timed-out source falls through to the next; only when every source
// fails does the aggregate error (or ErrNotFound) surface.
func (s *HTTPSupplier) fetchFromSources(ctx context.Context, rel string) (fetchResult, error) {
	var merr *multierror.Error
	notFoundOnly := true

	for _, base := range s.cfg.BaseURLs {
		u := strings.TrimSuffix(base, "/") + "/" + rel

		srcCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		data, err := s.fetchWithRetries(srcCtx, u)
		cancel()

		if err == nil {
			s.metrics.fetchFileSize.Observe(float64(len(data)))
			data, err = maybeGunzip(data)
			if err != nil {
				return fetchResult{}, fmt.Errorf("decompress %s: %w", u, err)
			}
			return fetchResult{data: data, origin: u}, nil
		}

		if status, ok := isHTTPStatusError(err); ok && status == http.StatusNotFound {
			level.Debug(s.logger).Log("msg", "symbols not on server", "url", u)
			continue
		}
		notFoundOnly = false
		merr = multierror.Append(merr, fmt.Errorf("source %s: %w", base, err))
		level.Warn(s.logger).Log("msg", "symbol source failed", "url", u, "err", err)
	}

	if notFoundOnly {
		return fetchResult{}, ErrNotFound
	}
	return fetchResult{}, merr.ErrorOrNil()
}

func (s *HTTPSupplier) fetchWithRetries(ctx context.Context, url string) ([]byte, error) {
	boff := backoff.New(ctx, s.cfg.BackoffConfig)
	var lastErr error
	for boff.Ongoing() {
		data, err := s.doRequest(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, lastErr
}

func (s *HTTPSupplier) doRequest(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	status := "success"
	defer func() {
		s.metrics.fetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status = "error:request"
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		status = categorizeTransportError(err)
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		status = "error:read"
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		status = categorizeHTTPStatus(resp.StatusCode)
		body := string(data)
		if len(body) > 1000 {
			body = body[:1000] + "... [truncated]"
		}
		return nil, httpStatusError{statusCode: resp.StatusCode, url: url, body: body}
	}
	return data, nil
}

func categorizeHTTPStatus(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "error:not_found"
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "error:unauthorized"
	case code == http.StatusTooManyRequests:
		return "error:rate_limited"
	case code >= 400 && code < 500:
		return "error:client"
	case code >= 500:
		return "error:server"
	default:
		return "error:http_other"
	}
}

func categorizeTransportError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "error:timeout"
	case errors.Is(err, context.Canceled):
		return "error:canceled"
	default:
		return "error:transport"
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if status, ok := isHTTPStatusError(err); ok {
		if status == http.StatusTooManyRequests {
			return true
		}
		if status >= 400 && status < 500 {
			return false
		}
		return status >= 500
	}
	if os.IsTimeout(err) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Temporary()
	}
	return false
}

var gzipMagic = []byte{0x1f, 0x8b}

// maybeGunzip transparently decompresses servers that store symbol
// files gzipped without announcing it.
func maybeGunzip(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
