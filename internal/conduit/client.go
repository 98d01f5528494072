// Package conduit はPhabricatorのConduit API呼び出しを提供する。
// リクエストの組み立て、レスポンスのパース、APIエラーの分類はこのパッケージでのみ行う。
package conduit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 4 << 20
	userAgent       = "phabr/1.0"
)

// 呼び出し結果の分類。メトリクスのラベルに使う。
const (
	ResultOK             = "ok"
	ResultAPIError       = "api_error"
	ResultTransportError = "transport_error"
)

// Param はConduit呼び出しのクエリパラメータ1組。
// 順序を保持するためスライスで渡す。
type Param struct {
	Key   string
	Value string
}

// CallRecorder はConduit呼び出しの計測インターフェース。
type CallRecorder interface {
	RecordConduitCall(method, result string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordConduitCall(string, string, time.Duration) {}

// Client はConduit APIのクライアント。
// Cookie等の暗黙の資格情報は送らず、api.tokenパラメータのみで認可される。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	recorder   CallRecorder
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLはPhabricatorのURL（例: https://phabricator.services.mozilla.com）。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		recorder:   nopRecorder{},
	}
}

// WithRecorder は呼び出し計測用のレコーダーを設定する。
func (c *Client) WithRecorder(r CallRecorder) *Client {
	if r != nil {
		c.recorder = r
	}
	return c
}

type envelope struct {
	Result    json.RawMessage `json:"result"`
	ErrorCode *string         `json:"error_code"`
	ErrorInfo *string         `json:"error_info"`
}

// Call は名前付きのConduitメソッドを呼び出し、resultフィールドの生JSONを返す。
// resultが偽値の場合は*APIErrorを、通信やパースの失敗はそれ以外のエラーを返す。
func (c *Client) Call(ctx context.Context, name string, params []Param) (json.RawMessage, error) {
	start := time.Now()

	result, err := c.call(ctx, name, params)

	outcome := ResultOK
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		outcome = ResultAPIError
	case err != nil:
		outcome = ResultTransportError
	}
	c.recorder.RecordConduitCall(name, outcome, time.Since(start))

	return result, err
}

// CallInto はCallの結果をvにデコードする。
func (c *Client) CallInto(ctx context.Context, name string, params []Param, v any) error {
	result, err := c.Call(ctx, name, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, v); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", name, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, name string, params []Param) (json.RawMessage, error) {
	reqURL := c.baseURL + "/api/" + name
	if query := encodeParams(params); query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = stripRequestURL(err)
		c.logger.Error("Conduit APIの呼び出しに失敗しました",
			slog.String("method", name),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s: request failed: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("method", name),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s: failed to read response: %w", name, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Error("Conduit APIのレスポンスのパースに失敗しました",
			slog.String("method", name),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%s: failed to parse response (HTTP %d): %w", name, resp.StatusCode, err)
	}

	if !isTruthy(env.Result) {
		apiErr := &APIError{
			Name: name,
			Code: deref(env.ErrorCode),
			Info: deref(env.ErrorInfo),
		}
		c.logger.Warn("Conduit APIがエラーを返しました",
			slog.String("method", name),
			slog.String("error_code", apiErr.Code),
			slog.String("error_info", apiErr.Info),
		)
		return nil, apiErr
	}

	return env.Result, nil
}

// stripRequestURL は*url.Errorから原因のエラーを取り出す。
// リクエストURLにはapi.tokenが含まれるため、エラー文字列に残してはならない。
func stripRequestURL(err error) error {
	var urlErr *url.Error
	for errors.As(err, &urlErr) {
		if urlErr.Err == nil {
			return errors.New(strings.ToLower(urlErr.Op) + " failed")
		}
		err = urlErr.Err
	}
	return err
}

// encodeParams は各キーと値をURLエンコードし、順序を保って&で連結する。
func encodeParams(params []Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p.Key)+"="+url.QueryEscape(p.Value))
	}
	return strings.Join(parts, "&")
}

// isTruthy はresultフィールドが値として有効か（null、false、0、空文字列、欠落でないか）を返す。
// 空配列や空オブジェクトは有効とみなす。
func isTruthy(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch string(trimmed) {
	case "null", "false", `""`:
		return false
	}
	if trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9') {
		var f float64
		if err := json.Unmarshal(trimmed, &f); err == nil && f == 0 {
			return false
		}
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
