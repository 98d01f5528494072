package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// ConsumerHeader は要求元（ホストページのタブ等）を識別するリクエストヘッダー。
const ConsumerHeader = "X-Phabr-Consumer"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var consumerIDContextKey = contextKey("consumer_id")

var consumerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// NewConsumerMiddleware は要求元IDをコンテキストに格納するミドルウェアを返す。
// ヘッダーが無いか形式が不正な場合は新しいUUIDを割り当てる。
// 割り当てたIDはレスポンスヘッダーで返し、要求元が以後の要求で再利用できるようにする。
func NewConsumerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(ConsumerHeader)
			if !consumerIDPattern.MatchString(id) {
				id = uuid.NewString()
			}
			w.Header().Set(ConsumerHeader, id)

			next.ServeHTTP(w, r.WithContext(ContextWithConsumerID(r.Context(), id)))
		})
	}
}

// ConsumerIDFromContext はリクエストコンテキストから要求元IDを取得する。
func ConsumerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(consumerIDContextKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ContextWithConsumerID はコンテキストに要求元IDを設定する。
func ContextWithConsumerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, consumerIDContextKey, id)
}
