package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arai-a/phabr/internal/broker"
	"github.com/arai-a/phabr/internal/coordinator"
	"github.com/arai-a/phabr/internal/metrics"
	"github.com/arai-a/phabr/internal/middleware"
	"github.com/arai-a/phabr/internal/model"
	"github.com/arai-a/phabr/internal/review"
	"github.com/arai-a/phabr/internal/security"
)

const testOrigin = "https://bugzilla.mozilla.org"

func newTestRouter(t *testing.T, deps *RouterDeps) http.Handler {
	t.Helper()
	var buf bytes.Buffer
	if deps.Logger == nil {
		deps.Logger = newTestLogger(&buf)
	}
	if deps.RateLimiter == nil {
		deps.RateLimiter = middleware.NewRateLimiter(middleware.NewRateLimiterConfig(120), deps.Logger)
		t.Cleanup(deps.RateLimiter.Stop)
	}
	if deps.CORSAllowedOrigin == "" {
		deps.CORSAllowedOrigin = testOrigin
	}
	if deps.Reviews == nil {
		deps.Reviews = &mockQuerier{}
	}
	if deps.Feed == nil {
		deps.Feed = review.NewFeedWriter(review.FeedConfig{
			PhabricatorURL: "https://phabricator.services.mozilla.com",
			BugzillaURL:    "https://bugzilla.mozilla.org/",
			Sanitizer:      security.NewContentSanitizer(),
		})
	}
	if deps.Options == nil {
		deps.Options = &mockOptions{}
	}
	if deps.Status == nil {
		deps.Status = &mockStatus{}
	}
	return NewRouter(deps)
}

func TestNewRouter_Routes(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{
		Reviews: returningOutcome(model.OK(sampleReviews())),
		Options: &mockOptions{token: "api-abcdefgh1234"},
		Metrics: metrics.Handler(prometheus.NewRegistry()),
	})

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/reviews", "", http.StatusOK},
		{http.MethodGet, "/api/reviews/badge", "", http.StatusOK},
		{http.MethodGet, "/api/reviews/feed", "", http.StatusOK},
		{http.MethodGet, "/api/options", "", http.StatusOK},
		{http.MethodPut, "/api/options/token", `{"token":"api-x"}`, http.StatusOK},
		{http.MethodDelete, "/api/options/phid", "", http.StatusNoContent},
		{http.MethodGet, "/api/status", "", http.StatusOK},
		{http.MethodGet, "/api/unknown", "", http.StatusNotFound},
		{http.MethodPost, "/api/reviews", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, w.Code, tt.want)
			}
		})
	}
}

func TestNewRouter_HealthBody(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", w.Body.String())
	}
	// /healthは要求元の識別の対象外
	if got := w.Header().Get(middleware.ConsumerHeader); got != "" {
		t.Errorf("%s = %q, want empty", middleware.ConsumerHeader, got)
	}
}

func TestNewRouter_AppliesMiddlewareStack(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/api/reviews/badge", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set(middleware.ConsumerHeader, "tab-3")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, testOrigin)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get(middleware.ConsumerHeader); got != "tab-3" {
		t.Errorf("%s = %q, want tab-3", middleware.ConsumerHeader, got)
	}
}

func TestNewRouter_PreflightReturns204(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})

	req := httptest.NewRequest(http.MethodOptions, "/api/reviews", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
}

func TestNewRouter_RateLimitPerClient(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:            0.01,
		Burst:           1,
		CleanupInterval: time.Minute,
	}, logger)
	t.Cleanup(rl.Stop)

	router := newTestRouter(t, &RouterDeps{Logger: logger, RateLimiter: rl})

	send := func(remoteAddr, consumer string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/reviews/badge", nil)
		req.RemoteAddr = remoteAddr
		req.Header.Set(middleware.ConsumerHeader, consumer)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if got := send("192.0.2.1:1234", "tab-1"); got != http.StatusOK {
		t.Fatalf("first request status = %d", got)
	}
	// 要求元IDを変えても同じ接続元なら制限される
	if got := send("192.0.2.1:1235", "tab-2"); got != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", got)
	}
	if got := send("192.0.2.2:1234", "tab-1"); got != http.StatusOK {
		t.Errorf("other client status = %d, want 200", got)
	}
}

func TestNewRouter_Status(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{
		Status: &mockStatus{snapshot: coordinator.Snapshot{
			Running:     true,
			Queued:      2,
			Cached:      true,
			CacheStatus: model.StatusOK,
			CacheAgeMs:  1500,
			CacheValid:  true,
		}},
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	var got map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if got["running"] != true || got["queued"] != float64(2) || got["cacheStatus"] != "ok" || got["cacheAgeMs"] != float64(1500) {
		t.Errorf("status = %v", got)
	}
}

// --- 実際のブローカーとコーディネーターを使った結合テスト ---

type stubResolver struct{}

func (stubResolver) ResolveToken(context.Context) (string, bool) { return "api-x", true }
func (stubResolver) ResolveIdentity(context.Context, string) (string, bool, error) {
	return "PHID-USER-me", true, nil
}

// gatedFetcher は解放されるまで取得をブロックするReviewFetcher。
type gatedFetcher struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
	fetches atomic.Int32
}

func (f *gatedFetcher) FetchPending(ctx context.Context, token, phid string) ([]model.RawReview, error) {
	f.fetches.Add(1)
	f.once.Do(func() { close(f.started) })
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []model.RawReview{{Title: "Fix crash", URI: "https://phab.example/D1", AuthorPHID: "PHID-USER-a"}}, nil
}

func (f *gatedFetcher) ResolveAuthorNames(context.Context, string, []model.RawReview) (map[string]string, error) {
	return map[string]string{"PHID-USER-a": "Alice"}, nil
}

// 同時の要求は1回の取得を共有し、全員が同じ結果を受け取る。
func TestNewRouter_ConcurrentRequestsShareOneEpisode(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	fetcher := &gatedFetcher{release: make(chan struct{}), started: make(chan struct{})}
	b := broker.New(logger)
	coord := coordinator.New(stubResolver{}, fetcher, b, coordinator.WithLogger(logger))
	b.Attach(coord)

	router := newTestRouter(t, &RouterDeps{Logger: logger, Reviews: b, Status: coord})

	const n = 3
	var wg sync.WaitGroup
	bodies := make([]string, n)
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/reviews", nil))
			codes[i] = w.Code
			bodies[i] = w.Body.String()
		}(i)
	}

	<-fetcher.started
	// 全要求がキューに積まれるまで待つ
	deadline := time.Now().Add(2 * time.Second)
	for b.Pending() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(fetcher.release)
	wg.Wait()

	if got := fetcher.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if codes[i] != http.StatusOK {
			t.Errorf("request %d status = %d", i, codes[i])
		}
		if bodies[i] != bodies[0] {
			t.Errorf("request %d body = %s, want %s", i, bodies[i], bodies[0])
		}
	}
	if !strings.Contains(bodies[0], `"author":"Alice"`) {
		t.Errorf("body = %s, want author Alice", bodies[0])
	}

	// 直後の要求はキャッシュから応答する
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/reviews/badge", nil))
	if w.Body.String() != "1" {
		t.Errorf("badge = %q, want 1", w.Body.String())
	}
	if got := fetcher.fetches.Load(); got != 1 {
		t.Errorf("fetches after cache hit = %d, want 1", got)
	}
}
