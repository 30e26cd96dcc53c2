// Command gomalloc-stress drives the allocator from many goroutines with a
// random mix of allocations, local frees and cross-goroutine frees, and
// prints throughput and allocator statistics.
//
// Usage:
//
//	gomalloc-stress -workers 8 -ops 1000000 -max-size 1MB -cross 0.25
//	gomalloc-stress -trace run.zst ...   # record operations (zstd)
//	gomalloc-stress -summarize run.zst   # summarize a recorded trace
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/gomalloc"
)

type config struct {
	workers     int
	ops         int
	minSize     datasize.ByteSize
	maxSize     datasize.ByteSize
	maxLive     int
	cross       float64
	seed        uint64
	memoryLimit datasize.ByteSize
	secure      bool
	guardedRate int
	fromEnv     bool
	verbose     bool
	trace       string
	summarize   string
	metricsAddr string
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	cfg := config{
		minSize: 8,
		maxSize: 256 * datasize.KB,
	}
	fs := flag.NewFlagSet("gomalloc-stress", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&cfg.workers, "workers", 8, "number of goroutines, each with its own heap")
	fs.IntVar(&cfg.ops, "ops", 200000, "operations per worker")
	fs.TextVar(&cfg.minSize, "min-size", cfg.minSize, "smallest allocation")
	fs.TextVar(&cfg.maxSize, "max-size", cfg.maxSize, "largest allocation")
	fs.IntVar(&cfg.maxLive, "max-live", 1024, "live blocks kept per worker")
	fs.Float64Var(&cfg.cross, "cross", 0.2, "fraction of frees handed to another goroutine")
	fs.Uint64Var(&cfg.seed, "seed", 1, "random seed")
	fs.TextVar(&cfg.memoryLimit, "memory-limit", datasize.ByteSize(0), "memory limit, 0 for none")
	fs.BoolVar(&cfg.secure, "secure", false, "enable secure mode")
	fs.IntVar(&cfg.guardedRate, "guarded-rate", 0, "place every Nth allocation on a guarded page")
	fs.BoolVar(&cfg.fromEnv, "env", true, "apply GOMALLOC_* environment variables")
	fs.BoolVar(&cfg.verbose, "v", false, "debug logging")
	fs.StringVar(&cfg.trace, "trace", "", "record operations to file (.zst and .lz4 are compressed)")
	fs.StringVar(&cfg.summarize, "summarize", "", "summarize a recorded trace and exit")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	switch {
	case cfg.workers <= 0 || cfg.workers > 1<<16:
		return cfg, fmt.Errorf("invalid -workers %d", cfg.workers)
	case cfg.ops < 0:
		return cfg, fmt.Errorf("invalid -ops %d", cfg.ops)
	case cfg.maxSize == 0 || cfg.minSize > cfg.maxSize:
		return cfg, fmt.Errorf("invalid size range [%s, %s]", cfg.minSize.HumanReadable(), cfg.maxSize.HumanReadable())
	case cfg.maxLive <= 0:
		return cfg, fmt.Errorf("invalid -max-live %d", cfg.maxLive)
	case cfg.cross < 0 || cfg.cross > 1:
		return cfg, fmt.Errorf("invalid -cross %v", cfg.cross)
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.summarize != "" {
		err = printSummary(os.Stdout, cfg.summarize)
	} else {
		_, err = run(ctx, cfg, os.Stdout)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func allocatorOptions(cfg config) ([]gomalloc.Option, error) {
	var opts []gomalloc.Option
	if cfg.fromEnv {
		envOpts, err := gomalloc.OptionsFromEnv()
		if err != nil {
			return nil, err
		}
		opts = append(opts, envOpts...)
	}
	opts = append(opts,
		gomalloc.WithSecure(cfg.secure),
		gomalloc.WithGuardedSampleRate(cfg.guardedRate),
	)
	if cfg.memoryLimit > 0 {
		opts = append(opts, gomalloc.WithMemoryLimit(int64(cfg.memoryLimit.Bytes())))
	}
	if cfg.verbose {
		opts = append(opts, gomalloc.WithLogLevel(slog.LevelDebug))
	}
	return opts, nil
}

// result is the outcome of a stress run.
type result struct {
	Elapsed  time.Duration
	Ops      int64
	OOM      int64
	Stats    gomalloc.Stats
	Traced   int64
	Metrics  gomalloc.BasicMetricsStats
	Canceled bool
}

func run(ctx context.Context, cfg config, out io.Writer) (result, error) {
	var res result

	opts, err := allocatorOptions(cfg)
	if err != nil {
		return res, err
	}
	mc := &gomalloc.BasicMetricsCollector{}
	alloc, err := gomalloc.New(append(opts, gomalloc.WithMetricsCollector(mc))...)
	if err != nil {
		return res, err
	}
	defer alloc.Close()

	if cfg.metricsAddr != "" {
		stopServer := serveMetrics(alloc, cfg.metricsAddr)
		defer stopServer()
	}

	var tw *traceWriter
	if cfg.trace != "" {
		if tw, err = createTrace(cfg.trace); err != nil {
			return res, err
		}
	}

	handoff := make(chan []byte, cfg.workers*64)
	oom := make([]int64, cfg.workers)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.workers; w++ {
		g.Go(func() error {
			n, err := worker(gctx, alloc, cfg, w, handoff, tw)
			oom[w] = n
			return err
		})
	}
	err = g.Wait()
	close(handoff)
	for b := range handoff {
		err = errors.Join(err, alloc.Free(b))
		if tw != nil {
			err = errors.Join(err, tw.record(opRemoteFree, cfg.workers, len(b), 0))
		}
	}
	res.Traced = tw.Records()
	err = errors.Join(err, tw.Close())
	res.Canceled = ctx.Err() != nil
	if err != nil && !res.Canceled {
		return res, err
	}

	alloc.Collect(true)
	res.Elapsed = time.Since(start)
	res.Metrics = mc.GetStats()
	res.Ops = res.Metrics.MallocCount + res.Metrics.FreeCount
	for _, n := range oom {
		res.OOM += n
	}
	res.Stats = alloc.Stats()

	printResult(out, cfg, res)
	return res, nil
}

// worker runs one heap. Out-of-memory failures are counted, not fatal.
func worker(ctx context.Context, alloc *gomalloc.Allocator, cfg config, id int, handoff chan []byte, tw *traceWriter) (int64, error) {
	h, err := alloc.NewHeap()
	if err != nil {
		return 0, err
	}
	defer h.Close()

	r := rand.New(rand.NewPCG(cfg.seed, uint64(id)))
	lo, hi := int(cfg.minSize.Bytes()), int(cfg.maxSize.Bytes())
	live := make([][]byte, 0, cfg.maxLive)
	var oom int64

	free := func(b []byte, op traceOp) error {
		if err := h.Free(b); err != nil {
			return err
		}
		return tw.record(op, id, len(b), 0)
	}

	for i := 0; i < cfg.ops; i++ {
		if i&1023 == 0 && ctx.Err() != nil {
			break
		}
		if len(live) < cfg.maxLive && (len(live) == 0 || r.IntN(2) == 0) {
			size := lo + r.IntN(hi-lo+1)
			b, err := h.Malloc(size)
			if errors.Is(err, gomalloc.ErrOutOfMemory) {
				oom++
				continue
			}
			if err != nil {
				return oom, err
			}
			if len(b) > 0 {
				b[0], b[len(b)-1] = byte(id), byte(i)
			}
			live = append(live, b)
			if err := tw.record(opMalloc, id, size, i); err != nil {
				return oom, err
			}
		} else {
			j := r.IntN(len(live))
			b := live[j]
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]

			handed := false
			if r.Float64() < cfg.cross {
				select {
				case handoff <- b:
					handed = true
				default:
				}
			}
			op := opHandoff
			if !handed {
				if err := h.Free(b); err != nil {
					return oom, err
				}
				op = opFree
			}
			if err := tw.record(op, id, len(b), i); err != nil {
				return oom, err
			}
		}

		select {
		case b := <-handoff:
			if err := free(b, opRemoteFree); err != nil {
				return oom, err
			}
		default:
		}
	}

	for _, b := range live {
		if err := free(b, opFree); err != nil {
			return oom, err
		}
	}
	return oom, nil
}

func serveMetrics(alloc *gomalloc.Allocator, addr string) func() {
	reg := prometheus.NewRegistry()
	reg.MustRegister(gomalloc.NewPrometheusCollector(alloc))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			alloc.Logger().Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printResult(out io.Writer, cfg config, res result) {
	rate := float64(res.Ops) / max(res.Elapsed.Seconds(), 1e-9)
	fmt.Fprintf(out, "workers=%d ops=%s elapsed=%s rate=%s ops/s allocated=%s oom=%s\n",
		cfg.workers,
		humanize.Comma(res.Ops),
		res.Elapsed.Round(time.Millisecond),
		humanize.SIWithDigits(rate, 2, ""),
		humanize.IBytes(uint64(res.Metrics.MallocBytes)),
		humanize.Comma(res.OOM))
	if res.Traced > 0 {
		fmt.Fprintf(out, "trace=%s records=%s\n", cfg.trace, humanize.Comma(res.Traced))
	}
	if res.Canceled {
		fmt.Fprintln(out, "canceled")
	}
	fmt.Fprint(out, res.Stats.String())
}

func printSummary(out io.Writer, path string) error {
	s, err := summarizeTrace(path)
	if err != nil {
		return err
	}
	ops := make([]traceOp, 0, len(s.Ops))
	for op := range s.Ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })

	fmt.Fprintf(out, "trace=%s workers=%d allocated=%s\n", path, s.Workers, humanize.IBytes(uint64(s.Bytes)))
	for _, op := range ops {
		fmt.Fprintf(out, "%-12s %s\n", op, humanize.Comma(s.Ops[op]))
	}
	return nil
}
