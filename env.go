package gomalloc

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
)

// Environment variables read by OptionsFromEnv.
const (
	EnvArenaReserve      = "GOMALLOC_ARENA_RESERVE"
	EnvArenaLimit        = "GOMALLOC_ARENA_LIMIT"
	EnvMemoryLimit       = "GOMALLOC_MEMORY_LIMIT"
	EnvPurgeDelay        = "GOMALLOC_PURGE_DELAY"
	EnvSecure            = "GOMALLOC_SECURE"
	EnvAbortOnCorruption = "GOMALLOC_ABORT_ON_CORRUPTION"
	EnvGuardedSampleRate = "GOMALLOC_GUARDED_SAMPLE_RATE"
	EnvRetireCycles      = "GOMALLOC_RETIRE_CYCLES"
	EnvVerbose           = "GOMALLOC_VERBOSE"
)

// OptionsFromEnv builds options from GOMALLOC_* environment variables.
// Unset variables produce no option, so the result can be combined with
// explicit options:
//
//	envOpts, err := gomalloc.OptionsFromEnv()
//	if err != nil {
//	    return err
//	}
//	alloc, err := gomalloc.New(append(envOpts, gomalloc.WithSecure(true))...)
//
// Sizes accept units such as "64MB" or "1GB"; the purge delay is a Go
// duration ("10ms").
func OptionsFromEnv() ([]Option, error) {
	var opts []Option

	if v, ok := os.LookupEnv(EnvArenaReserve); ok {
		n, err := parseSize(EnvArenaReserve, v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithArenaReserve(int(n)))
	}
	if v, ok := os.LookupEnv(EnvMemoryLimit); ok {
		n, err := parseSize(EnvMemoryLimit, v)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithMemoryLimit(int64(n)))
	}
	if v, ok := os.LookupEnv(EnvPurgeDelay); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArgument, EnvPurgeDelay, err)
		}
		opts = append(opts, WithPurgeDelay(d))
	}

	ints := []struct {
		name string
		opt  func(int) Option
	}{
		{EnvArenaLimit, WithArenaLimit},
		{EnvGuardedSampleRate, WithGuardedSampleRate},
		{EnvRetireCycles, WithRetireCycles},
	}
	for _, e := range ints {
		v, ok := os.LookupEnv(e.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidArgument, e.name, v)
		}
		opts = append(opts, e.opt(n))
	}

	bools := []struct {
		name string
		opt  func(bool) Option
	}{
		{EnvSecure, WithSecure},
		{EnvAbortOnCorruption, WithAbortOnCorruption},
	}
	for _, e := range bools {
		v, ok := os.LookupEnv(e.name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidArgument, e.name, v)
		}
		opts = append(opts, e.opt(b))
	}

	if v, ok := os.LookupEnv(EnvVerbose); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidArgument, EnvVerbose, v)
		}
		if b {
			opts = append(opts, WithLogLevel(slog.LevelDebug))
		}
	}

	return opts, nil
}

func parseSize(name, v string) (uint64, error) {
	var s datasize.ByteSize
	if err := s.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalidArgument, name, v, err)
	}
	return s.Bytes(), nil
}
