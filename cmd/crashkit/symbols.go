package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/crashkit/crashkit/pkg/cfi"
	"github.com/crashkit/crashkit/pkg/minidump"
	"github.com/crashkit/crashkit/pkg/symbolic"
	"github.com/crashkit/crashkit/pkg/symfile"
)

type commander interface {
	Flag(name, help string) *kingpin.FlagClause
	Arg(name, help string) *kingpin.ArgClause
}

type symbolsFetchParams struct {
	configFile   string
	module       string
	debugID      string
	symbolsDirs  []string
	symbolsURLs  []string
	cacheDir     string
	stagingDir   string
	fetchTimeout time.Duration
	output       string
}

func addSymbolsFetchParams(cmd commander) *symbolsFetchParams {
	p := &symbolsFetchParams{}
	cmd.Flag("config", "YAML file with symbol source configuration; flags add to it.").StringVar(&p.configFile)
	cmd.Flag("module", "Debug file name of the module, e.g. app.pdb.").Required().StringVar(&p.module)
	cmd.Flag("debug-id", "Debug identifier of the module.").Required().StringVar(&p.debugID)
	cmd.Flag("symbols-dir", "Local symbol store directory. May be repeated.").StringsVar(&p.symbolsDirs)
	cmd.Flag("symbols-url", "Symbol server base URL. May be repeated.").StringsVar(&p.symbolsURLs)
	cmd.Flag("cache-dir", "Directory for caching downloaded symbol files.").StringVar(&p.cacheDir)
	cmd.Flag("staging-dir", "Directory for in-progress downloads; must share a filesystem with the cache.").StringVar(&p.stagingDir)
	cmd.Flag("fetch-timeout", "Per-file download deadline for one symbol server.").Default("0s").DurationVar(&p.fetchTimeout)
	cmd.Flag("output", "Write the fetched symbol file here instead of discarding it.").Short('o').StringVar(&p.output)
	return p
}

func (p *symbolsFetchParams) symbolicConfig() (symbolic.Config, error) {
	cfg := symbolic.Config{}
	if p.configFile != "" {
		data, err := os.ReadFile(p.configFile)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", p.configFile, err)
		}
	}
	cfg.SymbolPaths = append(cfg.SymbolPaths, p.symbolsDirs...)
	cfg.SymbolServers = append(cfg.SymbolServers, p.symbolsURLs...)
	if p.cacheDir != "" {
		cfg.CacheDir = p.cacheDir
	}
	if p.stagingDir != "" {
		cfg.StagingDir = p.stagingDir
	}
	if p.fetchTimeout > 0 {
		cfg.FetchTimeout = p.fetchTimeout
	}
	return cfg, nil
}

func symbolsFetch(ctx context.Context, p *symbolsFetchParams) error {
	cfg, err := p.symbolicConfig()
	if err != nil {
		return err
	}
	supplier, err := symbolic.NewSupplierFromConfig(logger, cfg, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	module := &minidump.Module{DebugFile: p.module, DebugID: p.debugID}
	start := time.Now()
	data, origin, err := supplier.FetchSymbols(ctx, module)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "symbols fetched", "module", p.module, "debug_id", p.debugID,
		"size", humanize.IBytes(uint64(len(data))), "origin", origin, "elapsed", time.Since(start))

	file, err := symfile.Parse(data)
	if err != nil {
		level.Warn(logger).Log("msg", "fetched file does not parse", "err", err)
	} else {
		printSummary(file, uint64(len(data)))
	}

	if p.output != "" {
		if err := os.WriteFile(p.output, data, 0o644); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "symbol file written", "path", p.output)
	}
	return nil
}

type symbolsInspectParams struct {
	file string
	addr string
}

func addSymbolsInspectParams(cmd commander) *symbolsInspectParams {
	p := &symbolsInspectParams{}
	cmd.Arg("file", "Breakpad symbol file path.").Required().ExistingFileVar(&p.file)
	cmd.Flag("addr", "Module-relative address to look up, e.g. 0x1a2b.").StringVar(&p.addr)
	return p
}

func symbolsInspect(_ context.Context, p *symbolsInspectParams) error {
	data, err := os.ReadFile(p.file)
	if err != nil {
		return err
	}
	file, err := symfile.Parse(data)
	if err != nil {
		return err
	}
	printSummary(file, uint64(len(data)))

	if p.addr == "" {
		return nil
	}
	addr, err := strconv.ParseUint(p.addr, 0, 64)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", p.addr, err)
	}
	hit, ok := file.FunctionAt(addr)
	if !ok {
		fmt.Printf("%#x: no symbol\n", addr)
		return nil
	}
	fmt.Printf("%#x: %s + %#x", addr, hit.Name, addr-hit.Base)
	if hit.FromPublic {
		fmt.Print(" (public)")
	}
	if srcFile, line, ok := file.LineAt(addr); ok {
		fmt.Printf(" at %s:%d", srcFile, line)
	}
	fmt.Println()
	if prog := file.CFIFor(addr); prog != nil {
		rules := prog.RulesAt(addr)
		fmt.Printf("cfi: .cfa: %s .ra: %s\n", rules[cfi.RuleCFA], rules[cfi.RuleRA])
	}
	return nil
}

func printSummary(f *symfile.File, size uint64) {
	fmt.Printf("module   %s %s %s %s\n", f.OS, f.Arch, f.DebugID, f.Name)
	fmt.Printf("size     %s\n", humanize.IBytes(size))
	fmt.Printf("funcs    %d\n", f.FunctionCount())
	fmt.Printf("publics  %d\n", f.PublicCount())
	fmt.Printf("cfi      %d\n", f.CFICount())
	if f.SourceURL != "" {
		fmt.Printf("source   %s\n", f.SourceURL)
	}
}
