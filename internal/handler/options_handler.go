package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/arai-a/phabr/internal/middleware"
	"github.com/arai-a/phabr/internal/model"
)

// OptionsService は設定操作のインターフェース。
type OptionsService interface {
	Token(ctx context.Context) (string, bool)
	SaveToken(ctx context.Context, token string) error
	ClearPHID(ctx context.Context) error
}

// OptionsHandler はAPIトークン設定のHTTPハンドラー。
type OptionsHandler struct {
	service OptionsService
	logger  *slog.Logger
}

// NewOptionsHandler はOptionsHandlerを生成する。
func NewOptionsHandler(service OptionsService, logger *slog.Logger) *OptionsHandler {
	return &OptionsHandler{
		service: service,
		logger:  logger,
	}
}

// optionsResponse は設定状態のAPIレスポンス。トークンは伏せて返す。
type optionsResponse struct {
	Configured bool   `json:"configured"`
	Token      string `json:"token,omitempty"`
}

// tokenRequest はトークン保存リクエストのボディ。
type tokenRequest struct {
	Token string `json:"token"`
}

// Get は現在の設定状態を返す。
// GET /api/options
func (h *OptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.current(r.Context()))
}

// PutToken はAPIトークンを入力のまま保存する。
// PUT /api/options/token
func (h *OptionsHandler) PutToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	if err := h.service.SaveToken(r.Context(), req.Token); err != nil {
		h.logger.Error("APIトークンの保存に失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewCredentialStoreError())
		return
	}

	writeJSON(w, http.StatusOK, h.current(r.Context()))
}

// ClearPHID は保存済みのユーザーPHIDを削除する。
// DELETE /api/options/phid
func (h *OptionsHandler) ClearPHID(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearPHID(r.Context()); err != nil {
		h.logger.Error("PHIDの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewCredentialStoreError())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *OptionsHandler) current(ctx context.Context) optionsResponse {
	token, ok := h.service.Token(ctx)
	if !ok {
		return optionsResponse{}
	}
	return optionsResponse{Configured: true, Token: model.MaskToken(token)}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
