package gomalloc

import (
	"log/slog"
	"time"

	"github.com/hupe1980/gomalloc/internal/engine"
)

type options struct {
	cfg              engine.Config
	logger           *Logger
	metricsCollector MetricsCollector
}

// Option configures an Allocator.
//
// Options are applied in order; later options override earlier ones.
type Option func(*options)

// WithArenaReserve sets the size of each on-demand arena reservation.
// The size is rounded up to a multiple of the 64 KiB arena block.
//
// Larger reservations mean fewer mappings; the address space is reserved
// up front but only committed as pages are handed out.
func WithArenaReserve(size int) Option {
	return func(o *options) {
		o.cfg.ArenaReserve = size
	}
}

// WithArenaLimit caps the number of arenas, explicitly reserved or on demand.
// When all arenas are in use, pages are mapped directly from the OS.
func WithArenaLimit(n int) Option {
	return func(o *options) {
		o.cfg.ArenaLimit = n
	}
}

// WithMemoryLimit caps the bytes mapped from the OS. 0 means unlimited.
//
// Example:
//
//	alloc, _ := gomalloc.New(gomalloc.WithMemoryLimit(512 << 20))
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.cfg.MemoryLimit = bytes
	}
}

// WithPurgeDelay sets how long freed arena ranges stay committed before they
// are purged. 0 purges immediately, a negative delay disables purging.
//
// Delayed purges are performed by Allocator.Collect.
func WithPurgeDelay(d time.Duration) Option {
	return func(o *options) {
		o.cfg.PurgeDelay = d
	}
}

// WithPurgeDecommits selects whether purged ranges are decommitted (true)
// or only reset (false).
func WithPurgeDecommits(decommit bool) Option {
	return func(o *options) {
		o.cfg.PurgeDecommits = decommit
	}
}

// WithLargePages allows arena reservations to use huge OS pages.
func WithLargePages(allow bool) Option {
	return func(o *options) {
		o.cfg.AllowLargePages = allow
	}
}

// WithSecure enables secure mode: randomised block order on page extension
// and the double-free check.
func WithSecure(secure bool) Option {
	return func(o *options) {
		o.cfg.Secure = secure
	}
}

// WithAbortOnCorruption makes integrity violations (double free, corrupted
// free list, invalid free) panic with a *ReportError after they are reported.
func WithAbortOnCorruption(abort bool) Option {
	return func(o *options) {
		o.cfg.AbortOnCorruption = abort
	}
}

// WithDoubleFreeCheck toggles the double-free heuristic. Secure mode always
// enables it.
func WithDoubleFreeCheck(check bool) Option {
	return func(o *options) {
		o.cfg.DoubleFreeCheck = check
	}
}

// WithGuardedSampleRate places every rate-th allocation in the guarded size
// range on its own page, flush against a protected guard page. 0 disables it.
func WithGuardedSampleRate(rate int) Option {
	return func(o *options) {
		o.cfg.GuardedSampleRate = rate
	}
}

// WithGuardedSizeRange limits guarded sampling to requests within [min, max].
func WithGuardedSizeRange(minSize, maxSize int) Option {
	return func(o *options) {
		o.cfg.GuardedMinSize = minSize
		o.cfg.GuardedMaxSize = maxSize
	}
}

// WithRetireCycles bounds how many allocation slow-path cycles a fully free
// page is kept before it is released.
func WithRetireCycles(n int) Option {
	return func(o *options) {
		o.cfg.RetireCycles = n
	}
}

// WithNumaNode sets the preferred NUMA node for new arenas. -1 means none.
func WithNumaNode(node int) Option {
	return func(o *options) {
		o.cfg.NumaNode = node
	}
}

// WithLogger sets the logger.
//
// If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithLogLevel installs a text logger to stderr at the given level.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithReporter routes allocator reports (double frees, corruption, out of
// memory) to r instead of the logger.
func WithReporter(r Reporter) Option {
	return func(o *options) {
		o.cfg.Reporter = r
	}
}

// WithMetricsCollector sets the metrics collector.
//
// If nil is passed, NoopMetricsCollector is used.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithMaxErrorReports caps how many reports are written to the log over the
// allocator's lifetime. 0 means unlimited. Reports are always counted.
func WithMaxErrorReports(n int64) Option {
	return func(o *options) {
		o.cfg.MaxErrorReports = n
	}
}

// WithReportsPerSecond rate-limits reports written to the log. 0 means
// unlimited.
func WithReportsPerSecond(rps float64) Option {
	return func(o *options) {
		o.cfg.ReportsPerSecond = rps
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		cfg:              engine.DefaultConfig(),
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
	}
	for _, fn := range optFns {
		if fn == nil {
			continue
		}
		fn(&o)
	}
	return o
}
