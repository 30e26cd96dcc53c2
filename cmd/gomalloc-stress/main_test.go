package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, args ...string) config {
	t.Helper()
	cfg, err := parseFlags(append([]string{"-env=false", "-workers=4", "-ops=5000", "-max-live=64"}, args...), io.Discard)
	require.NoError(t, err)
	return cfg
}

func TestParseFlags(t *testing.T) {
	cfg := testConfig(t, "-min-size=16", "-max-size=64KB", "-memory-limit=1GB", "-cross=0.5")
	assert.Equal(t, datasize.ByteSize(16), cfg.minSize)
	assert.Equal(t, 64*datasize.KB, cfg.maxSize)
	assert.Equal(t, datasize.GB, cfg.memoryLimit)
	assert.Equal(t, 0.5, cfg.cross)

	for _, args := range [][]string{
		{"-workers=0"},
		{"-min-size=8KB", "-max-size=1KB"},
		{"-cross=2"},
		{"-max-live=0"},
		{"-max-size=huge"},
	} {
		_, err := parseFlags(args, io.Discard)
		assert.Error(t, err, "%v", args)
	}
}

func TestRun(t *testing.T) {
	var out bytes.Buffer
	res, err := run(context.Background(), testConfig(t, "-secure", "-guarded-rate=50", "-max-size=128KB"), &out)
	require.NoError(t, err)

	assert.False(t, res.Canceled)
	assert.Zero(t, res.OOM)
	assert.Equal(t, res.Metrics.MallocCount-res.Metrics.MallocErrors, res.Metrics.FreeCount)
	assert.Equal(t, int64(0), res.Stats.Pages.Current)
	assert.Equal(t, int64(0), res.Stats.Abandoned.Current)
	assert.Positive(t, res.Stats.GuardedAllocs)
	assert.Empty(t, res.Stats.Reports)
	assert.Contains(t, out.String(), "workers=4")
	assert.Contains(t, out.String(), "committed")
}

func TestRun_MemoryLimit(t *testing.T) {
	res, err := run(context.Background(), testConfig(t, "-memory-limit=1MB", "-min-size=256KB", "-max-size=512KB"), io.Discard)
	require.NoError(t, err)
	assert.Positive(t, res.OOM)
	assert.LessOrEqual(t, res.Stats.MemoryPeak, int64(1<<20))
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	res, err := run(ctx, testConfig(t), &out)
	require.NoError(t, err)
	assert.True(t, res.Canceled)
	assert.Contains(t, out.String(), "canceled")
}

func TestRun_Trace(t *testing.T) {
	for _, ext := range []string{".zst", ".lz4", ".bin"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "trace"+ext)
			res, err := run(context.Background(), testConfig(t, "-trace="+path), io.Discard)
			require.NoError(t, err)
			require.Positive(t, res.Traced)

			s, err := summarizeTrace(path)
			require.NoError(t, err)

			var total int64
			for _, n := range s.Ops {
				total += n
			}
			assert.Equal(t, res.Traced, total)
			assert.Equal(t, s.Ops[opMalloc], s.Ops[opFree]+s.Ops[opHandoff])
			assert.Equal(t, s.Ops[opHandoff], s.Ops[opRemoteFree])
			assert.Equal(t, res.Metrics.MallocBytes, s.Bytes)

			var out bytes.Buffer
			require.NoError(t, printSummary(&out, path))
			assert.Contains(t, out.String(), "malloc")
		})
	}
}

func TestTraceRecord(t *testing.T) {
	r := traceRecord{Op: opHandoff, Worker: 513, Size: 1 << 20, Seq: 77}
	var buf [recordSize]byte
	r.encode(buf[:])
	assert.Equal(t, r, decodeRecord(buf[:]))
	assert.Equal(t, "handoff", r.Op.String())
}

func TestNewRecord(t *testing.T) {
	r, err := newRecord(opMalloc, 7, 4096, 12)
	require.NoError(t, err)
	assert.Equal(t, traceRecord{Op: opMalloc, Worker: 7, Size: 4096, Seq: 12}, r)

	_, err = newRecord(opMalloc, 1<<16, 1, 0)
	assert.Error(t, err)
	_, err = newRecord(opFree, 0, -1, 0)
	assert.Error(t, err)
}
