package handler

import (
	"io"
	"net/http"

	"github.com/arai-a/phabr/internal/coordinator"
)

// StatusProvider はコーディネーターの状態を返すインターフェース。
type StatusProvider interface {
	Snapshot() coordinator.Snapshot
}

// StatusHandler は実行状態とヘルスチェックのHTTPハンドラー。
type StatusHandler struct {
	provider StatusProvider
}

// NewStatusHandler はStatusHandlerを生成する。
func NewStatusHandler(provider StatusProvider) *StatusHandler {
	return &StatusHandler{provider: provider}
}

// Status はコーディネーターの状態を返す。
// GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Snapshot())
}

// Health はプロセスの生存確認に応答する。
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok")
}
