package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

func TestHistogram_Observation(t *testing.T) {
	h := newHistogram(defaultDurationBuckets)

	// 5ms -> le=0.010
	h.Observe(0.005)
	// 15ms -> le=0.025
	h.Observe(0.015)
	// 45s -> le=60
	h.Observe(45)
	// above every boundary
	h.Observe(120)

	if h.Count() != 4 {
		t.Fatalf("expected count=4, got %d", h.Count())
	}
	if h.bucketCounts[0] != 1 || h.bucketCounts[1] != 1 {
		t.Fatalf("unexpected low buckets: %v", h.bucketCounts)
	}
	last := len(defaultDurationBuckets) - 1
	if h.bucketCounts[last] != 1 {
		t.Fatalf("expected bucket[60]=1, got %d", h.bucketCounts[last])
	}

	cum := h.cumulativeBuckets()
	if cum[last] != 3 {
		t.Fatalf("expected cumulative le=60 of 3, got %d", cum[last])
	}
	if got := h.Sum(); got < 165.01 || got > 165.03 {
		t.Fatalf("expected sum ~165.02, got %f", got)
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestMiddleware_RecordsDuration(t *testing.T) {
	r := New()
	e := echo.New()
	e.Use(r.Middleware())
	e.POST("/api/v1/claims/:id/edi/submit", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/claims/abc/edi/submit", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	got := r.HistogramCount(HTTPRequestDuration,
		Label{"method", "POST"},
		Label{"route", "/api/v1/claims/:id/edi/submit"},
		Label{"status_code", "200"},
	)
	if got != 1 {
		t.Fatalf("expected 1 observation keyed by route pattern, got %d", got)
	}
}

func TestMiddleware_HTTPErrorStatus(t *testing.T) {
	r := New()
	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/forbidden", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "no")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/forbidden", nil))

	got := r.HistogramCount(HTTPRequestDuration,
		Label{"method", "GET"}, Label{"route", "/forbidden"}, Label{"status_code", "403"})
	if got != 1 {
		t.Fatalf("expected the 403 to be recorded, got %d", got)
	}
}

func TestMiddleware_ActiveRequests(t *testing.T) {
	r := New()
	observed := make(chan int64, 1)

	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/slow", func(c echo.Context) error {
		observed <- r.Gauge(HTTPActiveRequests)
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))

	if active := <-observed; active != 1 {
		t.Fatalf("expected active_requests=1 during handling, got %d", active)
	}
	if active := r.Gauge(HTTPActiveRequests); active != 0 {
		t.Fatalf("expected active_requests=0 after request, got %d", active)
	}
}

// ---------------------------------------------------------------------------
// EDI observations
// ---------------------------------------------------------------------------

func TestObserveSubmission(t *testing.T) {
	r := New()
	r.ObserveSubmission("SFTP", "success", 2*time.Second)
	r.ObserveSubmission("SFTP", "success", time.Second)
	r.ObserveSubmission("API", "transport", time.Second)

	if got := r.Counter(SubmissionsTotal, Label{"submission_type", "SFTP"}, Label{"outcome", "success"}); got != 2 {
		t.Errorf("expected 2 SFTP successes, got %d", got)
	}
	if got := r.Counter(SubmissionsTotal, Label{"submission_type", "API"}, Label{"outcome", "transport"}); got != 1 {
		t.Errorf("expected 1 API transport failure, got %d", got)
	}
	if got := r.HistogramCount(SubmissionDuration, Label{"submission_type", "SFTP"}); got != 2 {
		t.Errorf("expected 2 SFTP duration observations, got %d", got)
	}
}

func TestObserveChannel_SkippedHasNoDuration(t *testing.T) {
	r := New()
	r.ObserveChannel("api", "skipped", 0)
	r.ObserveChannel("sftp", "failure", time.Second)

	if got := r.Counter(ChannelAttemptsTotal, Label{"channel", "api"}, Label{"outcome", "skipped"}); got != 1 {
		t.Errorf("expected skipped attempt counted, got %d", got)
	}
	if got := r.HistogramCount(ChannelDuration, Label{"channel", "api"}); got != 0 {
		t.Errorf("expected no duration for a skipped leg, got %d", got)
	}
	if got := r.HistogramCount(ChannelDuration, Label{"channel", "sftp"}); got != 1 {
		t.Errorf("expected sftp duration recorded, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandler_PrometheusFormat(t *testing.T) {
	r := New()
	r.AddCollector(func(r *Registry) {
		r.SetGauge(DBPoolAcquiredConns, "Acquired pool connections.", 3)
	})

	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", r.Handler())

	for i := 0; i < 3; i++ {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	}
	r.ObserveSubmission("BOTH", "success", time.Second)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain content type, got %q", ct)
	}

	body := rec.Body.String()
	required := []string{
		"# TYPE http_server_request_duration_seconds histogram",
		`http_server_request_duration_seconds_count{method="GET",route="/health",status_code="200"} 3`,
		`http_server_request_duration_seconds_bucket{method="GET",route="/health",status_code="200",le="+Inf"} 3`,
		"# TYPE http_server_active_requests gauge",
		`edi_submissions_total{submission_type="BOTH",outcome="success"} 1`,
		"db_pool_acquired_connections 3",
	}
	for _, m := range required {
		if !strings.Contains(body, m) {
			t.Errorf("expected metrics output to contain %q, body:\n%s", m, body)
		}
	}
}

func TestHandler_StableOrder(t *testing.T) {
	r := New()
	r.SetGauge("b_gauge", "b", 1)
	r.SetGauge("a_gauge", "a", 1)

	render := func() string {
		var b strings.Builder
		r.write(&b)
		return b.String()
	}
	first := render()
	if strings.Index(first, "a_gauge") > strings.Index(first, "b_gauge") {
		t.Errorf("expected families sorted by name:\n%s", first)
	}
	if render() != first {
		t.Error("expected identical output across scrapes")
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestRegistry_ConcurrentSafe(t *testing.T) {
	r := New()
	e := echo.New()
	e.Use(r.Middleware())
	e.GET("/api/v1/edi/payers/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	var wg sync.WaitGroup
	goroutines, perGoroutine := 20, 25
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/edi/payers/%d", i), nil)
				e.ServeHTTP(httptest.NewRecorder(), req)
				r.ObserveChannel("sftp", "success", time.Millisecond)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			var b strings.Builder
			r.write(&b)
		}
	}()
	wg.Wait()

	total := int64(goroutines * perGoroutine)
	got := r.HistogramCount(HTTPRequestDuration,
		Label{"method", "GET"}, Label{"route", "/api/v1/edi/payers/:id"}, Label{"status_code", "200"})
	if got != total {
		t.Fatalf("expected %d observations, got %d", total, got)
	}
	if got := r.Counter(ChannelAttemptsTotal, Label{"channel", "sftp"}, Label{"outcome", "success"}); got != total {
		t.Fatalf("expected %d channel attempts, got %d", total, got)
	}
}
