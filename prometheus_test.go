package gomalloc

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	a := newTestAllocator(t, WithMemoryLimit(32<<20))
	h := newTestHeap(t, a)
	defer h.Close()

	b, err := h.Malloc(64)
	require.NoError(t, err)
	defer h.Free(b)

	c := NewPrometheusCollector(a)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	// 4 kinds x (current, peak), 7 gauges, 11 operations, purged bytes, 5 report codes.
	assert.Equal(t, 32, testutil.CollectAndCount(c))

	expected := `
# HELP gomalloc_heaps Heaps currently open.
# TYPE gomalloc_heaps gauge
gomalloc_heaps 1
# HELP gomalloc_memory_limit_bytes Configured memory limit, 0 if unlimited.
# TYPE gomalloc_memory_limit_bytes gauge
gomalloc_memory_limit_bytes 3.3554432e+07
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"gomalloc_heaps", "gomalloc_memory_limit_bytes"))

	assert.Equal(t, 5, testutil.CollectAndCount(c, "gomalloc_reports_total"))
	assert.Equal(t, 11, testutil.CollectAndCount(c, "gomalloc_operations_total"))
}
