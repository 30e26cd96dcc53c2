package gomalloc

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFromEnv(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		opts, err := OptionsFromEnv()
		require.NoError(t, err)
		assert.Empty(t, opts)
	})

	t.Run("all", func(t *testing.T) {
		t.Setenv(EnvArenaReserve, "64MB")
		t.Setenv(EnvMemoryLimit, "1GB")
		t.Setenv(EnvPurgeDelay, "250ms")
		t.Setenv(EnvSecure, "true")
		t.Setenv(EnvAbortOnCorruption, "1")
		t.Setenv(EnvGuardedSampleRate, "100")
		t.Setenv(EnvArenaLimit, "4")
		t.Setenv(EnvRetireCycles, "8")
		t.Setenv(EnvVerbose, "true")

		opts, err := OptionsFromEnv()
		require.NoError(t, err)

		o := applyOptions(opts)
		assert.Equal(t, 64<<20, o.cfg.ArenaReserve)
		assert.Equal(t, int64(1<<30), o.cfg.MemoryLimit)
		assert.Equal(t, 250*time.Millisecond, o.cfg.PurgeDelay)
		assert.True(t, o.cfg.Secure)
		assert.True(t, o.cfg.AbortOnCorruption)
		assert.Equal(t, 100, o.cfg.GuardedSampleRate)
		assert.Equal(t, 4, o.cfg.ArenaLimit)
		assert.Equal(t, 8, o.cfg.RetireCycles)
		assert.True(t, o.logger.Enabled(t.Context(), slog.LevelDebug))
	})

	t.Run("invalid", func(t *testing.T) {
		for name, value := range map[string]string{
			EnvArenaReserve:      "lots",
			EnvPurgeDelay:        "soon",
			EnvSecure:            "maybe",
			EnvGuardedSampleRate: "-1",
			EnvVerbose:           "loud",
		} {
			t.Run(name, func(t *testing.T) {
				t.Setenv(name, value)
				_, err := OptionsFromEnv()
				assert.ErrorIs(t, err, ErrInvalidArgument)
			})
		}
	})
}
