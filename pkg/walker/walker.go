// Package walker turns a decoded minidump snapshot into a process
// state: one recovered, symbolicated call stack per thread plus crash
// metadata and per-module symbol statistics.
package walker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/crashkit/crashkit/pkg/minidump"
	"github.com/crashkit/crashkit/pkg/symbolic"
	"github.com/crashkit/crashkit/pkg/unwind"
)

var (
	// ErrNoThreads rejects a snapshot with an empty thread list.
	ErrNoThreads = errors.New("walker: snapshot has no threads")
	// ErrNoSystemInfo rejects a snapshot without system information;
	// the CPU family decides every unwinding convention.
	ErrNoSystemInfo = errors.New("walker: snapshot has no system info")
)

const defaultMaxFrames = 1 << 10

// Config tunes a Walker. The zero value is usable.
type Config struct {
	// MaxFrames bounds each thread's stack; defaults to 1024.
	MaxFrames int
	// Concurrency bounds parallel thread unwinding; defaults to
	// GOMAXPROCS.
	Concurrency int
	// AcceptScan adds a caller-supplied filter on stack scan
	// candidates; nil accepts every candidate that lands in a known
	// module.
	AcceptScan unwind.ScanPredicate
	// ScanWords overrides the architecture's default scan window.
	ScanWords int
}

// Walker unwinds every thread of a snapshot. Safe for concurrent use;
// the symbolizer keyed under it accumulates stats across the run.
type Walker struct {
	logger  log.Logger
	symbols *symbolic.Symbolizer
	cfg     Config
	metrics *metrics
}

// New builds a Walker on top of a symbolizer.
func New(logger log.Logger, symbols *symbolic.Symbolizer, reg prometheus.Registerer, cfg Config) *Walker {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = defaultMaxFrames
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	return &Walker{
		logger:  logger,
		symbols: symbols,
		cfg:     cfg,
		metrics: newMetrics(reg),
	}
}

// Process walks all threads of the snapshot and assembles the process
// state. Per-thread failures degrade to shorter or empty stacks; the
// only hard errors are a missing thread list or missing system info,
// and context cancellation.
func (w *Walker) Process(ctx context.Context, snap *minidump.Snapshot) (*ProcessState, error) {
	if snap.System == nil {
		return nil, ErrNoSystemInfo
	}
	if len(snap.Threads) == 0 {
		return nil, ErrNoThreads
	}

	state := &ProcessState{
		System:           snap.System,
		RequestingThread: NoRequestingThread,
		Threads:          make([]*CallStack, len(snap.Threads)),
		Modules:          snap.Modules,
	}
	if exc := snap.Exception; exc != nil {
		state.Crashed = true
		state.CrashReason = fmt.Sprintf("0x%08x", exc.Code)
		state.CrashAddress = exc.Address
		state.RequestingThread = exc.ThreadIndex
	}

	arch, ok := unwind.ForCPU(snap.System.CPU)
	if !ok {
		// Nothing to unwind with; report every thread as unwalkable
		// rather than failing the run.
		level.Warn(w.logger).Log("msg", "unsupported cpu, skipping unwind", "cpu", snap.System.CPU)
		for i, t := range snap.Threads {
			state.Threads[i] = &CallStack{
				ThreadID:   t.ID,
				ThreadName: t.Name,
				Info:       fmt.Sprintf("unsupported cpu %s", snap.System.CPU),
			}
		}
		state.SymbolStats = w.symbols.Stats()
		return state, nil
	}

	strategies := unwind.StrategiesFor(arch, w.symbols, w.logger, unwind.Options{
		AcceptScan: w.cfg.AcceptScan,
		ScanWords:  w.cfg.ScanWords,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, t := range snap.Threads {
		i, t := i, t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			threadCtx := t.Context
			if state.Crashed && i == state.RequestingThread && snap.Exception.Context != nil {
				threadCtx = snap.Exception.Context
			}
			state.Threads[i] = w.walkThread(gctx, snap, arch, strategies, t, threadCtx)
			w.metrics.threadDuration.Observe(time.Since(start).Seconds())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	state.SymbolStats = w.symbols.Stats()
	return state, nil
}

type frameKey struct {
	ip, sp uint64
}

func (w *Walker) walkThread(ctx context.Context, snap *minidump.Snapshot, arch *unwind.Arch, strategies []unwind.Strategy, t *minidump.Thread, threadCtx *minidump.Context) *CallStack {
	stack := &CallStack{ThreadID: t.ID, ThreadName: t.Name}
	if threadCtx == nil {
		stack.Info = "no thread context captured"
		return stack
	}

	frame, ok := unwind.NewContextFrame(threadCtx, snap.Modules)
	if !ok {
		stack.Info = "context has no instruction pointer"
		return stack
	}

	seen := map[frameKey]struct{}{}
	seenIPs := map[uint64]struct{}{}
	req := &unwind.Request{
		Stack:   t.Stack,
		Memory:  snap.Memory,
		Modules: snap.Modules,
		Seen: func(ip uint64) bool {
			_, dup := seenIPs[ip]
			return dup
		},
	}

	for {
		key := frameKey{frame.Instruction, frame.StackPointer}
		if _, dup := seen[key]; dup {
			// Unwind loop; keep what we have.
			level.Debug(w.logger).Log("msg", "unwind cycle detected", "thread", t.ID, "ip", fmt.Sprintf("%#x", frame.Instruction))
			break
		}
		seen[key] = struct{}{}
		seenIPs[frame.Instruction] = struct{}{}

		w.symbolicate(ctx, frame)
		stack.Frames = append(stack.Frames, frame)
		w.metrics.framesTotal.WithLabelValues(frame.Trust.String()).Inc()

		if len(stack.Frames) >= w.cfg.MaxFrames {
			stack.Info = "frame limit reached"
			w.metrics.truncatedStacks.Inc()
			break
		}
		if err := ctx.Err(); err != nil {
			stack.Info = "walk cancelled"
			break
		}

		req.Callee = frame
		next, err := w.nextFrame(ctx, strategies, req)
		if err != nil {
			break
		}
		frame = next
	}
	return stack
}

// nextFrame tries each strategy in decreasing trust order and returns
// the first recovered caller.
func (w *Walker) nextFrame(ctx context.Context, strategies []unwind.Strategy, req *unwind.Request) (*unwind.Frame, error) {
	for _, s := range strategies {
		frame, err := s.Unwind(ctx, req)
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, unwind.ErrNoCaller) {
			return nil, err
		}
	}
	return nil, unwind.ErrNoCaller
}

// symbolicate attaches function and line info to a frame whose module
// has symbols. Lookup addresses are module relative.
func (w *Walker) symbolicate(ctx context.Context, frame *unwind.Frame) {
	if frame.Module == nil {
		return
	}
	file, _ := w.symbols.Resolve(ctx, frame.Module)
	if file == nil {
		return
	}
	rel := frame.LookupAddress() - frame.Module.Base
	hit, ok := file.FunctionAt(rel)
	if !ok {
		return
	}
	frame.Function = hit.Name
	frame.FunctionBase = frame.Module.Base + hit.Base
	frame.FromPublic = hit.FromPublic
	if srcFile, line, ok := file.LineAt(rel); ok {
		frame.SourceFile = srcFile
		frame.SourceLine = line
	}
}
