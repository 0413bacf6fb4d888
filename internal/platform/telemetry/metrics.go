// Package telemetry keeps HTTP server metrics in process and serves them,
// together with collectors registered by other packages, in the Prometheus
// text exposition format.
package telemetry

import (
	"fmt"
	"io"
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

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram stores non-cumulative bucket counts; export makes them
// cumulative.
type histogram struct {
	boundaries   []float64
	mu           sync.Mutex
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// Collector writes extra metric families at scrape time.
type Collector func(w *Writer)

// Metrics records request durations labelled by method, route and status,
// and the number of in-flight requests.
type Metrics struct {
	mu         sync.RWMutex
	durations  map[string]*histogram // method|route|status
	active     atomic.Int64
	collectors []Collector
}

func NewMetrics() *Metrics {
	return &Metrics{durations: make(map[string]*histogram)}
}

// Register adds collectors run on every scrape, in order.
func (m *Metrics) Register(c ...Collector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectors = append(m.collectors, c...)
}

func labelsKey(method, route string, status int) string {
	return method + "|" + route + "|" + strconv.Itoa(status)
}

func (m *Metrics) observe(key string, seconds float64) {
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.durations[key]; !ok {
			h = newHistogram(defaultDurationBuckets)
			m.durations[key] = h
		}
		m.mu.Unlock()
	}
	h.Observe(seconds)
}

// Middleware records every request. The route pattern is used as label so
// document ids in paths never become label values.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.active.Add(1)
			start := time.Now()
			err := next(c)
			m.active.Add(-1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.observe(labelsKey(c.Request().Method, route, status), time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus exposition.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
		c.Response().WriteHeader(http.StatusOK)
		m.WriteTo(c.Response())
		return nil
	}
}

// WriteTo writes every metric family to out.
func (m *Metrics) WriteTo(out io.Writer) {
	w := &Writer{out: out}

	m.mu.RLock()
	keys := make([]string, 0, len(m.durations))
	for k := range m.durations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	hists := make([]*histogram, len(keys))
	for i, k := range keys {
		hists[i] = m.durations[k]
	}
	collectors := append([]Collector(nil), m.collectors...)
	m.mu.RUnlock()

	w.Header("http_server_request_duration_seconds", "Duration of HTTP requests in seconds.", "histogram")
	for i, k := range keys {
		parts := strings.SplitN(k, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		w.histogram("http_server_request_duration_seconds", labels, hists[i])
	}

	w.Header("http_server_active_requests", "Number of in-flight HTTP requests.", "gauge")
	w.Sample("http_server_active_requests", "", float64(m.active.Load()))

	for _, c := range collectors {
		c(w)
	}
}

// Writer emits samples in the text exposition format.
type Writer struct {
	out io.Writer
}

// Header writes the HELP and TYPE lines of a metric family.
func (w *Writer) Header(name, help, typ string) {
	fmt.Fprintf(w.out, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

// Sample writes one sample. labels is the inner part of {...} or empty.
func (w *Writer) Sample(name, labels string, v float64) {
	if labels != "" {
		fmt.Fprintf(w.out, "%s{%s} %s\n", name, labels, formatValue(v))
		return
	}
	fmt.Fprintf(w.out, "%s %s\n", name, formatValue(v))
}

func (w *Writer) histogram(name, labels string, h *histogram) {
	prefix := labels
	if prefix != "" {
		prefix += ","
	}
	cum := h.cumulativeBuckets()
	for i, b := range h.boundaries {
		w.Sample(name+"_bucket", prefix+`le="`+formatValue(b)+`"`, float64(cum[i]))
	}
	w.Sample(name+"_bucket", prefix+`le="+Inf"`, float64(h.Count()))
	w.Sample(name+"_sum", labels, h.Sum())
	w.Sample(name+"_count", labels, float64(h.Count()))
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
