// Package metrics keeps in-process counters, gauges and histograms for the
// EDI server and serves them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are computed
// at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Above every boundary: only the +Inf bucket sees it.
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Families
// ---------------------------------------------------------------------------

// Label is one name/value pair on a series.
type Label struct {
	Name  string
	Value string
}

// labelsKey renders labels in Prometheus syntax; it doubles as the series key.
func labelsKey(labels []Label) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = l.Name + "=" + strconv.Quote(l.Value)
	}
	return strings.Join(parts, ",")
}

type histogramFamily struct {
	help       string
	boundaries []float64
	series     map[string]*histogram
}

type counterFamily struct {
	help   string
	series map[string]*int64
}

type gauge struct {
	help  string
	value int64
}

// defaultDurationBuckets are in seconds. SFTP uploads and payer API calls
// run far longer than local handlers, hence the 30s and 60s tail.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

// Metric names.
const (
	HTTPRequestDuration  = "http_server_request_duration_seconds"
	HTTPActiveRequests   = "http_server_active_requests"
	SubmissionsTotal     = "edi_submissions_total"
	SubmissionDuration   = "edi_submission_duration_seconds"
	ChannelAttemptsTotal = "edi_channel_attempts_total"
	ChannelDuration      = "edi_channel_duration_seconds"
	DBPoolAcquiredConns  = "db_pool_acquired_connections"
	DBPoolIdleConns      = "db_pool_idle_connections"
	DBPoolTotalConns     = "db_pool_total_connections"
)

const activeRequestsHelp = "Number of in-flight HTTP requests."

// Registry holds every metric the server exports. The zero value is not
// usable; call New.
type Registry struct {
	mu         sync.RWMutex
	histograms map[string]*histogramFamily
	counters   map[string]*counterFamily
	gauges     map[string]*gauge
	collectors []func(*Registry)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		histograms: make(map[string]*histogramFamily),
		counters:   make(map[string]*counterFamily),
		gauges:     make(map[string]*gauge),
	}
}

func (r *Registry) histogram(name, help string, labels []Label) *histogram {
	key := labelsKey(labels)

	r.mu.RLock()
	fam, ok := r.histograms[name]
	var h *histogram
	if ok {
		h = fam.series[key]
	}
	r.mu.RUnlock()
	if h != nil {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fam, ok = r.histograms[name]
	if !ok {
		fam = &histogramFamily{help: help, boundaries: defaultDurationBuckets, series: make(map[string]*histogram)}
		r.histograms[name] = fam
	}
	if h, ok = fam.series[key]; !ok {
		h = newHistogram(fam.boundaries)
		fam.series[key] = h
	}
	return h
}

func (r *Registry) counter(name, help string, labels []Label) *int64 {
	key := labelsKey(labels)

	r.mu.RLock()
	fam, ok := r.counters[name]
	var c *int64
	if ok {
		c = fam.series[key]
	}
	r.mu.RUnlock()
	if c != nil {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fam, ok = r.counters[name]
	if !ok {
		fam = &counterFamily{help: help, series: make(map[string]*int64)}
		r.counters[name] = fam
	}
	if c, ok = fam.series[key]; !ok {
		c = new(int64)
		fam.series[key] = c
	}
	return c
}

func (r *Registry) gauge(name, help string) *gauge {
	r.mu.RLock()
	g := r.gauges[name]
	r.mu.RUnlock()
	if g != nil {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g = r.gauges[name]; g == nil {
		g = &gauge{help: help}
		r.gauges[name] = g
	}
	return g
}

// SetGauge sets a gauge, creating it on first use.
func (r *Registry) SetGauge(name, help string, v int64) {
	atomic.StoreInt64(&r.gauge(name, help).value, v)
}

// AddGauge adds delta to a gauge, creating it on first use.
func (r *Registry) AddGauge(name, help string, delta int64) {
	atomic.AddInt64(&r.gauge(name, help).value, delta)
}

// AddCollector registers fn to run before every scrape. Collectors refresh
// gauges whose source of truth lives elsewhere, such as pool statistics.
func (r *Registry) AddCollector(fn func(*Registry)) {
	r.mu.Lock()
	r.collectors = append(r.collectors, fn)
	r.mu.Unlock()
}

// ObserveSubmission records one finished claim submission. outcome is
// "success" or the failure kind.
func (r *Registry) ObserveSubmission(submissionType, outcome string, d time.Duration) {
	labels := []Label{{"submission_type", submissionType}, {"outcome", outcome}}
	atomic.AddInt64(r.counter(SubmissionsTotal, "EDI claim submissions by type and outcome.", labels), 1)
	r.histogram(SubmissionDuration, "Duration of EDI claim submissions in seconds.",
		[]Label{{"submission_type", submissionType}}).Observe(d.Seconds())
}

// ObserveChannel records one delivery leg: sftp or api, with outcome
// success, failure or skipped.
func (r *Registry) ObserveChannel(channel, outcome string, d time.Duration) {
	atomic.AddInt64(r.counter(ChannelAttemptsTotal, "EDI delivery attempts by channel and outcome.",
		[]Label{{"channel", channel}, {"outcome", outcome}}), 1)
	if outcome == "skipped" {
		return
	}
	r.histogram(ChannelDuration, "Duration of EDI delivery legs in seconds.",
		[]Label{{"channel", channel}}).Observe(d.Seconds())
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Gauge returns the current value of a gauge, or 0 if it does not exist.
func (r *Registry) Gauge(name string) int64 {
	r.mu.RLock()
	g := r.gauges[name]
	r.mu.RUnlock()
	if g == nil {
		return 0
	}
	return atomic.LoadInt64(&g.value)
}

// Counter returns the value of one labeled counter series.
func (r *Registry) Counter(name string, labels ...Label) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fam, ok := r.counters[name]
	if !ok {
		return 0
	}
	c, ok := fam.series[labelsKey(labels)]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(c)
}

// HistogramCount returns the observation count of one labeled series.
func (r *Registry) HistogramCount(name string, labels ...Label) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fam, ok := r.histograms[name]
	if !ok {
		return 0
	}
	h, ok := fam.series[labelsKey(labels)]
	if !ok {
		return 0
	}
	return h.Count()
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// Middleware records in-flight requests and request duration labeled by
// method, route pattern and status code.
func (r *Registry) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r.AddGauge(HTTPActiveRequests, activeRequestsHelp, 1)
			defer r.AddGauge(HTTPActiveRequests, activeRequestsHelp, -1)

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}

			r.histogram(HTTPRequestDuration, "Duration of HTTP requests in seconds.", []Label{
				{"method", c.Request().Method},
				{"route", route},
				{"status_code", strconv.Itoa(status)},
			}).Observe(elapsed)
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

// Handler serves every metric in Prometheus text format. Families and series
// are sorted so successive scrapes diff cleanly.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		r.mu.RLock()
		collectors := append([]func(*Registry){}, r.collectors...)
		r.mu.RUnlock()
		for _, fn := range collectors {
			fn(r)
		}

		var b strings.Builder
		r.write(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func (r *Registry) write(b *strings.Builder) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range sortedKeys(r.histograms) {
		fam := r.histograms[name]
		fmt.Fprintf(b, "# HELP %s %s\n", name, fam.help)
		fmt.Fprintf(b, "# TYPE %s histogram\n", name)
		for _, labels := range sortedKeys(fam.series) {
			writeSingleHistogram(b, name, labels, fam.series[labels], fam.boundaries)
		}
		b.WriteByte('\n')
	}

	for _, name := range sortedKeys(r.counters) {
		fam := r.counters[name]
		fmt.Fprintf(b, "# HELP %s %s\n", name, fam.help)
		fmt.Fprintf(b, "# TYPE %s counter\n", name)
		for _, labels := range sortedKeys(fam.series) {
			fmt.Fprintf(b, "%s%s %d\n", name, braced(labels), atomic.LoadInt64(fam.series[labels]))
		}
		b.WriteByte('\n')
	}

	for _, name := range sortedKeys(r.gauges) {
		g := r.gauges[name]
		fmt.Fprintf(b, "# HELP %s %s\n", name, g.help)
		fmt.Fprintf(b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(b, "%s %d\n", name, atomic.LoadInt64(&g.value))
		b.WriteByte('\n')
	}
}

func writeSingleHistogram(b *strings.Builder, name, labels string, h *histogram, boundaries []float64) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	for i, boundary := range boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, braced(labels), h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, braced(labels), total)
}

func braced(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
