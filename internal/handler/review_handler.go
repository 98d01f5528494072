package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/arai-a/phabr/internal/middleware"
	"github.com/arai-a/phabr/internal/model"
)

// ReviewQuerier はレビュー一覧の問い合わせを行うインターフェース。
// 結果が届くかctxが終了するまでブロックする。
type ReviewQuerier interface {
	Query(ctx context.Context, consumerID string) (model.Outcome, error)
}

// FeedRenderer はクエリ結果をRSS文書として書き出すインターフェース。
type FeedRenderer interface {
	Write(w io.Writer, outcome model.Outcome, now time.Time) error
}

// ReviewHandler はレビュー一覧、バッジ、RSSフィードのHTTPハンドラー。
type ReviewHandler struct {
	querier ReviewQuerier
	feed    FeedRenderer
	logger  *slog.Logger
	now     func() time.Time
}

// NewReviewHandler はReviewHandlerを生成する。
func NewReviewHandler(querier ReviewQuerier, feed FeedRenderer, logger *slog.Logger) *ReviewHandler {
	return &ReviewHandler{
		querier: querier,
		feed:    feed,
		logger:  logger,
		now:     time.Now,
	}
}

// List はクエリ結果をJSONで返す。
// 結果の種別はstatusフィールドで表すため、配送できた場合は常に200を返す。
// GET /api/reviews
func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	outcome, ok := h.query(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(outcome)
}

// Badge はバッジ表示用の文字列を返す。
// GET /api/reviews/badge
func (h *ReviewHandler) Badge(w http.ResponseWriter, r *http.Request) {
	outcome, ok := h.query(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, outcome.Badge())
}

// Feed はレビュー一覧をRSS 2.0で返す。
// GET /api/reviews/feed
func (h *ReviewHandler) Feed(w http.ResponseWriter, r *http.Request) {
	outcome, ok := h.query(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	if err := h.feed.Write(w, outcome, h.now()); err != nil {
		// ヘッダー送信後のため、ログのみ記録する
		h.logger.Error("RSSの書き出しに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// query は要求元IDでクエリを行う。
// 要求元が応答前に離脱した場合は何も書き込まずfalseを返す。
func (h *ReviewHandler) query(w http.ResponseWriter, r *http.Request) (model.Outcome, bool) {
	consumerID, _ := middleware.ConsumerIDFromContext(r.Context())

	outcome, err := h.querier.Query(r.Context(), consumerID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return model.Outcome{}, false
		}
		h.logger.Error("クエリ結果の受信に失敗しました",
			slog.String("consumer_id", consumerID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return model.Outcome{}, false
	}
	return outcome, true
}
