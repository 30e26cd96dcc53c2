package gomalloc

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gomalloc"

type prometheusCollector struct {
	a *Allocator

	bytes      *prometheus.Desc
	bytesPeak  *prometheus.Desc
	pages      *prometheus.Desc
	abandoned  *prometheus.Desc
	heaps      *prometheus.Desc
	arenas     *prometheus.Desc
	mapped     *prometheus.Desc
	mappedPeak *prometheus.Desc
	limit      *prometheus.Desc
	ops        *prometheus.Desc
	purged     *prometheus.Desc
	reports    *prometheus.Desc
}

// NewPrometheusCollector returns a collector exporting the allocator's
// statistics. Values are read from a fresh Stats snapshot on every scrape.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(gomalloc.NewPrometheusCollector(alloc))
func NewPrometheusCollector(a *Allocator) prometheus.Collector {
	return &prometheusCollector{
		a: a,
		bytes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "bytes"),
			"Bytes currently accounted per kind (reserved, committed, malloc, huge).",
			[]string{"kind"}, nil),
		bytesPeak: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "bytes_peak"),
			"Peak bytes per kind.",
			[]string{"kind"}, nil),
		pages: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "pages"),
			"Pages currently alive.", nil, nil),
		abandoned: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "abandoned_pages"),
			"Pages currently abandoned and awaiting reclamation.", nil, nil),
		heaps: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "heaps"),
			"Heaps currently open.", nil, nil),
		arenas: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "arenas"),
			"Arenas reserved.", nil, nil),
		mapped: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "mapped_bytes"),
			"Bytes currently mapped from the OS.", nil, nil),
		mappedPeak: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "mapped_bytes_peak"),
			"Peak bytes mapped from the OS.", nil, nil),
		limit: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "memory_limit_bytes"),
			"Configured memory limit, 0 if unlimited.", nil, nil),
		ops: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "operations_total"),
			"Allocator operations by kind.",
			[]string{"op"}, nil),
		purged: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "purged_bytes_total"),
			"Bytes purged from arenas.", nil, nil),
		reports: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "reports_total"),
			"Error reports by code.",
			[]string{"code"}, nil),
	}
}

func (c *prometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytes
	ch <- c.bytesPeak
	ch <- c.pages
	ch <- c.abandoned
	ch <- c.heaps
	ch <- c.arenas
	ch <- c.mapped
	ch <- c.mappedPeak
	ch <- c.limit
	ch <- c.ops
	ch <- c.purged
	ch <- c.reports
}

func (c *prometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.a.Stats()

	for _, k := range []struct {
		name string
		c    CounterSnapshot
	}{
		{"reserved", s.Reserved},
		{"committed", s.Committed},
		{"malloc", s.Malloc},
		{"huge", s.Huge},
	} {
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(k.c.Current), k.name)
		ch <- prometheus.MustNewConstMetric(c.bytesPeak, prometheus.GaugeValue, float64(k.c.Peak), k.name)
	}

	ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(s.Pages.Current))
	ch <- prometheus.MustNewConstMetric(c.abandoned, prometheus.GaugeValue, float64(s.Abandoned.Current))
	ch <- prometheus.MustNewConstMetric(c.heaps, prometheus.GaugeValue, float64(s.Heaps.Current))
	ch <- prometheus.MustNewConstMetric(c.arenas, prometheus.GaugeValue, float64(s.Arenas.Current))
	ch <- prometheus.MustNewConstMetric(c.mapped, prometheus.GaugeValue, float64(s.MemoryUsage))
	ch <- prometheus.MustNewConstMetric(c.mappedPeak, prometheus.GaugeValue, float64(s.MemoryPeak))
	ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(s.MemoryLimit))

	for _, op := range []struct {
		name string
		v    int64
	}{
		{"malloc", s.MallocCount},
		{"free", s.FreeCount},
		{"thread_free", s.ThreadFreed},
		{"delayed_free", s.DelayedFreed},
		{"page_extend", s.PagesExtended},
		{"page_retire", s.PagesRetired},
		{"page_reclaim", s.PagesReclaimed},
		{"page_full", s.PagesFull},
		{"arena_purge", s.ArenaPurges},
		{"os_alloc", s.OSAllocs},
		{"guarded_alloc", s.GuardedAllocs},
	} {
		ch <- prometheus.MustNewConstMetric(c.ops, prometheus.CounterValue, float64(op.v), op.name)
	}
	ch <- prometheus.MustNewConstMetric(c.purged, prometheus.CounterValue, float64(s.PurgedBytes))

	for _, code := range []ErrorCode{CodeDoubleFree, CodeOutOfMemory, CodeCorrupted, CodeInvalidFree, CodeOverflow} {
		ch <- prometheus.MustNewConstMetric(c.reports, prometheus.CounterValue, float64(s.Reports[code]), code.String())
	}
}
