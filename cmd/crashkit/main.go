package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose bool
}

var logger = log.NewLogfmtLogger(os.Stderr)

func main() {
	ctx := context.Background()

	app := kingpin.New(filepath.Base(os.Args[0]), "Tooling for crashkit, the minidump stack walking and symbolication toolkit.").UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	symbolsCmd := app.Command("symbols", "Operate on breakpad symbol files and symbol sources.")

	symbolsFetchCmd := symbolsCmd.Command("fetch", "Fetch a module's symbol file through the configured supplier stack.")
	symbolsFetchParams := addSymbolsFetchParams(symbolsFetchCmd)

	symbolsInspectCmd := symbolsCmd.Command("inspect", "Parse and summarize a breakpad symbol file.")
	symbolsInspectParams := addSymbolsInspectParams(symbolsInspectCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case symbolsFetchCmd.FullCommand():
		os.Exit(checkError(symbolsFetch(ctx, symbolsFetchParams)))
	case symbolsInspectCmd.FullCommand():
		os.Exit(checkError(symbolsInspect(ctx, symbolsInspectParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
