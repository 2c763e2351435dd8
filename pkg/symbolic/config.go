package symbolic

import (
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
)

// Config describes a full symbol resolution stack: local search paths,
// remote servers, and the on-disk download cache.
type Config struct {
	SymbolPaths   []string      `yaml:"symbol_paths"`
	SymbolServers []string      `yaml:"symbol_servers"`
	CacheDir      string        `yaml:"cache_dir"`
	StagingDir    string        `yaml:"staging_dir"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	FileCacheSize int           `yaml:"file_cache_size" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Var((*flagext.StringSlice)(&cfg.SymbolPaths), prefix+"symbols.path", "Local symbol store directory. May be repeated; directories are searched in order.")
	f.Var((*flagext.StringSlice)(&cfg.SymbolServers), prefix+"symbols.server", "Symbol server base URL. May be repeated; servers are tried in order.")
	f.StringVar(&cfg.CacheDir, prefix+"symbols.cache-dir", "", "Directory for caching downloaded symbol files. Empty disables the disk cache.")
	f.StringVar(&cfg.StagingDir, prefix+"symbols.staging-dir", "", "Directory for in-progress downloads; must share a filesystem with the cache. Empty stages next to the cache entry.")
	f.DurationVar(&cfg.FetchTimeout, prefix+"symbols.fetch-timeout", DefaultFetchTimeout, "Per-file download deadline for one symbol server.")
	f.IntVar(&cfg.FileCacheSize, prefix+"symbols.file-cache-size", defaultFileCacheSize, "Number of parsed symbol files held in memory.")
}

func (cfg *Config) Validate() error {
	if len(cfg.SymbolPaths) == 0 && len(cfg.SymbolServers) == 0 {
		return fmt.Errorf("no symbol sources configured")
	}
	if cfg.StagingDir != "" && cfg.CacheDir == "" {
		return fmt.Errorf("staging directory configured without a cache directory")
	}
	if cfg.FetchTimeout < 0 {
		return fmt.Errorf("negative fetch timeout")
	}
	return nil
}

// NewFromConfig composes the supplier stack the configuration
// describes: local directories first, then remote servers decorated
// with the disk cache, all behind one symbolizer.
func NewFromConfig(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Symbolizer, error) {
	supplier, err := NewSupplierFromConfig(logger, cfg, reg)
	if err != nil {
		return nil, err
	}
	return NewSymbolizer(logger, supplier, reg, cfg.FileCacheSize)
}

// NewSupplierFromConfig builds just the supplier stack, for callers
// that want raw symbol file bytes rather than parsed lookups.
func NewSupplierFromConfig(logger log.Logger, cfg Config, reg prometheus.Registerer) (Supplier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var suppliers []Supplier
	if len(cfg.SymbolPaths) > 0 {
		suppliers = append(suppliers, NewDirSupplier(logger, cfg.SymbolPaths))
	}
	if len(cfg.SymbolServers) > 0 {
		var remote Supplier = NewHTTPSupplier(logger, HTTPSupplierConfig{
			BaseURLs:     cfg.SymbolServers,
			FetchTimeout: cfg.FetchTimeout,
		}, reg)
		if cfg.CacheDir != "" {
			cached, err := NewCacheSupplier(logger, remote, cfg.CacheDir, cfg.StagingDir, reg)
			if err != nil {
				return nil, err
			}
			remote = cached
		}
		suppliers = append(suppliers, remote)
	}

	return NewMultiSupplier(suppliers...), nil
}
