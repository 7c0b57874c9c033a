// Package stats aggregates run-wide counters shared by every traversal and download task.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Aggregator holds monotonic counters safe for concurrent use.
// When constructed with a registerer, every update is mirrored into Prometheus collectors.
type Aggregator struct {
	pages   atomic.Int64
	files   atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64
	skipped atomic.Int64

	pageRate *ratecounter.RateCounter
	started  time.Time
	metrics  *collectors
}

type collectors struct {
	pages   prometheus.Counter
	files   prometheus.Counter
	bytes   prometheus.Counter
	skipped prometheus.Counter
	errors  *prometheus.CounterVec
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Pages          int64
	Files          int64
	Bytes          int64
	Errors         int64
	Skipped        int64
	Elapsed        time.Duration
	PagesPerMinute int64
}

// New creates an aggregator. reg may be nil, in which case nothing is exported.
func New(reg prometheus.Registerer) (*Aggregator, error) {
	a := &Aggregator{
		pageRate: ratecounter.NewRateCounter(time.Minute),
		started:  time.Now(),
	}
	if reg == nil {
		return a, nil
	}

	m := &collectors{
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vxmirror_pages_visited_total",
			Help: "Collection pages fetched and parsed.",
		}),
		files: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vxmirror_files_downloaded_total",
			Help: "Files transferred to completion.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vxmirror_bytes_downloaded_total",
			Help: "Bytes written by completed transfers.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vxmirror_files_skipped_total",
			Help: "Files skipped because the destination was already complete.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vxmirror_errors_total",
			Help: "Terminal per-page and per-file failures partitioned by category.",
		}, []string{"category"}),
	}
	for _, c := range []prometheus.Collector{m.pages, m.files, m.bytes, m.skipped, m.errors} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register stats collector: %w", err)
		}
	}
	a.metrics = m
	return a, nil
}

// AddPage counts one visited collection page and returns the new total
func (a *Aggregator) AddPage() int64 {
	a.pageRate.Incr(1)
	if a.metrics != nil {
		a.metrics.pages.Inc()
	}
	return a.pages.Add(1)
}

// AddFile counts one completed download
func (a *Aggregator) AddFile() {
	a.files.Add(1)
	if a.metrics != nil {
		a.metrics.files.Inc()
	}
}

// AddBytes adds n transferred bytes. Non-positive values are ignored.
func (a *Aggregator) AddBytes(n int64) {
	if n <= 0 {
		return
	}
	a.bytes.Add(n)
	if a.metrics != nil {
		a.metrics.bytes.Add(float64(n))
	}
}

// AddError counts one terminal failure under category (see utils.CategorizeError)
func (a *Aggregator) AddError(category string) {
	a.errors.Add(1)
	if a.metrics != nil {
		a.metrics.errors.WithLabelValues(category).Inc()
	}
}

// AddSkipped counts one download skipped because its destination was already complete
func (a *Aggregator) AddSkipped() {
	a.skipped.Add(1)
	if a.metrics != nil {
		a.metrics.skipped.Inc()
	}
}

// Snapshot reads every counter. Counters are read independently, not as one atomic unit.
func (a *Aggregator) Snapshot() Snapshot {
	return Snapshot{
		Pages:          a.pages.Load(),
		Files:          a.files.Load(),
		Bytes:          a.bytes.Load(),
		Errors:         a.errors.Load(),
		Skipped:        a.skipped.Load(),
		Elapsed:        time.Since(a.started),
		PagesPerMinute: a.pageRate.Rate(),
	}
}

// Fields renders the snapshot as structured log fields
func (s Snapshot) Fields() logrus.Fields {
	return logrus.Fields{
		"pages":     s.Pages,
		"files":     s.Files,
		"bytes":     humanize.Bytes(uint64(s.Bytes)),
		"errors":    s.Errors,
		"skipped":   s.Skipped,
		"pages_min": s.PagesPerMinute,
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("pages=%d files=%d bytes=%s errors=%d skipped=%d elapsed=%s",
		s.Pages, s.Files, humanize.Bytes(uint64(s.Bytes)), s.Errors, s.Skipped, s.Elapsed.Truncate(time.Second))
}
