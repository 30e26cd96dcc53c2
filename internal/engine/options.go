package engine

import (
	"log/slog"
	"time"

	"github.com/hupe1980/gomalloc/internal/osmem"
)

// Config configures an Engine.
type Config struct {
	// ArenaReserve is the size of each on-demand arena reservation.
	ArenaReserve int
	// ArenaLimit caps the number of arenas, reserved or on demand.
	ArenaLimit int
	// MemoryLimit caps the bytes mapped from the OS. 0 means unlimited.
	MemoryLimit int64
	// PurgeDelay is how long freed arena ranges stay committed. 0 purges
	// immediately; a negative delay never purges.
	PurgeDelay time.Duration
	// PurgeDecommits decommits purged ranges instead of only resetting them.
	PurgeDecommits bool
	// AllowLargePages lets arena reservations use huge OS pages.
	AllowLargePages bool

	Secure            bool
	AbortOnCorruption bool
	DoubleFreeCheck   bool

	// GuardedSampleRate places every Nth allocation within
	// [GuardedMinSize, GuardedMaxSize] on a guarded page. 0 disables it.
	GuardedSampleRate int
	GuardedMinSize    int
	GuardedMaxSize    int

	// RetireCycles bounds how many slow-path cycles a fully free page is
	// kept before it is released.
	RetireCycles int

	// NumaNode is the preferred node for new arenas; -1 for none.
	NumaNode int

	MaxErrorReports  int64
	ReportsPerSecond float64
	Reporter         Reporter

	Logger   *slog.Logger
	Provider osmem.Provider
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ArenaReserve:     256 << 20,
		ArenaLimit:       64,
		PurgeDelay:       10 * time.Millisecond,
		PurgeDecommits:   true,
		DoubleFreeCheck:  true,
		GuardedMaxSize:   1 << 30,
		RetireCycles:     16,
		NumaNode:         -1,
		ReportsPerSecond: 10,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.ArenaReserve <= 0 {
		c.ArenaReserve = d.ArenaReserve
	}
	c.ArenaReserve = int(alignUp(uintptr(c.ArenaReserve), BlockSize))
	if c.ArenaLimit <= 0 || c.ArenaLimit > maxArenas {
		c.ArenaLimit = maxArenas
	}
	if c.RetireCycles <= 0 {
		c.RetireCycles = d.RetireCycles
	}
	if c.GuardedMaxSize <= 0 {
		c.GuardedMaxSize = d.GuardedMaxSize
	}
	if c.Secure {
		c.DoubleFreeCheck = true
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Provider == nil {
		c.Provider = osmem.New()
	}
}
