package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/arai-a/phabr/internal/coordinator"
	"github.com/arai-a/phabr/internal/middleware"
	"github.com/arai-a/phabr/internal/model"
)

// --- モック定義 ---

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// mockQuerier はReviewQuerierのモック実装。
type mockQuerier struct {
	queryFn func(ctx context.Context, consumerID string) (model.Outcome, error)
}

func (m *mockQuerier) Query(ctx context.Context, consumerID string) (model.Outcome, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, consumerID)
	}
	return model.OK(nil), nil
}

func returningOutcome(o model.Outcome) *mockQuerier {
	return &mockQuerier{
		queryFn: func(context.Context, string) (model.Outcome, error) { return o, nil },
	}
}

// mockOptions はOptionsServiceのモック実装。
type mockOptions struct {
	token      string
	saved      []string
	saveErr    error
	clearErr   error
	clearCalls int
}

func (m *mockOptions) Token(context.Context) (string, bool) {
	if !model.IsValidToken(m.token) {
		return "", false
	}
	return m.token, true
}

func (m *mockOptions) SaveToken(_ context.Context, token string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, token)
	m.token = token
	return nil
}

func (m *mockOptions) ClearPHID(context.Context) error {
	m.clearCalls++
	return m.clearErr
}

// mockStatus はStatusProviderのモック実装。
type mockStatus struct {
	snapshot coordinator.Snapshot
}

func (m *mockStatus) Snapshot() coordinator.Snapshot {
	return m.snapshot
}

// withConsumerID はテスト用に要求元IDを注入するヘルパー。
func withConsumerID(ctx context.Context, id string) context.Context {
	return middleware.ContextWithConsumerID(ctx, id)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}
