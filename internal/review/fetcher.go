// Package review はレビューリクエストの取得と表示用の変換を提供する。
// Conduitのdifferential.queryで保留中のレビューを取得し、phid.queryで著者名を解決する。
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/arai-a/phabr/internal/conduit"
	"github.com/arai-a/phabr/internal/model"
)

// Conduitメソッド名と取得条件。
const (
	MethodDifferentialQuery = "differential.query"
	MethodPHIDQuery         = "phid.query"

	statusNeedsReview = "status-needs-review"
	orderModified     = "order-modified"
	// FetchLimit は1回の取得で返すレビューの最大件数。
	FetchLimit = model.BadgeLimit

	bugIDKey = "bugzilla.bug-id"
)

// Caller はConduit呼び出しのインターフェース。
type Caller interface {
	CallInto(ctx context.Context, name string, params []conduit.Param, v any) error
}

// Fetcher はユーザーに割り当てられた保留中のレビューを取得する。
type Fetcher struct {
	caller Caller
	logger *slog.Logger
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(caller Caller, logger *slog.Logger) *Fetcher {
	return &Fetcher{caller: caller, logger: logger}
}

// FetchPending はphidがレビュアーで「レビュー待ち」のレビューを更新日時順に最大10件取得する。
// Conduitのエラーはそのまま返す。
func (f *Fetcher) FetchPending(ctx context.Context, token, phid string) ([]model.RawReview, error) {
	var revisions []revision
	err := f.caller.CallInto(ctx, MethodDifferentialQuery, []conduit.Param{
		{Key: "api.token", Value: token},
		{Key: "reviewers[0]", Value: phid},
		{Key: "status", Value: statusNeedsReview},
		{Key: "order", Value: orderModified},
		{Key: "limit", Value: strconv.Itoa(FetchLimit)},
	}, &revisions)
	if err != nil {
		return nil, err
	}

	reviews := make([]model.RawReview, 0, len(revisions))
	for _, rev := range revisions {
		reviews = append(reviews, rev.toModel())
	}

	f.logger.Debug("保留中のレビューを取得しました",
		slog.Int("count", len(reviews)),
	)
	return reviews, nil
}

// ResolveAuthorNames はレビューの著者PHIDを表示名に解決する。
// 重複を除いたPHIDを初出順にphids[i]として1回のphid.queryで問い合わせる。
// 著者が1人もいない場合はリモート呼び出しを行わず空のマップを返す。
func (f *Fetcher) ResolveAuthorNames(ctx context.Context, token string, reviews []model.RawReview) (map[string]string, error) {
	ids := distinctAuthors(reviews)
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	params := make([]conduit.Param, 0, len(ids)+1)
	params = append(params, conduit.Param{Key: "api.token", Value: token})
	for i, id := range ids {
		params = append(params, conduit.Param{Key: fmt.Sprintf("phids[%d]", i), Value: id})
	}

	var raw json.RawMessage
	if err := f.caller.CallInto(ctx, MethodPHIDQuery, params, &raw); err != nil {
		return nil, err
	}

	// 該当なしの場合、Conduitは空オブジェクトではなく空配列を返す
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return map[string]string{}, nil
	}

	var handles map[string]struct {
		FullName string `json:"fullName"`
	}
	if err := json.Unmarshal(trimmed, &handles); err != nil {
		return nil, fmt.Errorf("%s: failed to decode result: %w", MethodPHIDQuery, err)
	}

	names := make(map[string]string, len(handles))
	for phid, h := range handles {
		names[phid] = h.FullName
	}
	return names, nil
}

func distinctAuthors(reviews []model.RawReview) []string {
	seen := make(map[string]struct{}, len(reviews))
	ids := make([]string, 0, len(reviews))
	for _, r := range reviews {
		if r.AuthorPHID == "" {
			continue
		}
		if _, ok := seen[r.AuthorPHID]; ok {
			continue
		}
		seen[r.AuthorPHID] = struct{}{}
		ids = append(ids, r.AuthorPHID)
	}
	return ids
}

// revision はdifferential.queryの結果1件のうち、使用するフィールドのみを表す。
type revision struct {
	Title        string          `json:"title"`
	URI          string          `json:"uri"`
	AuthorPHID   string          `json:"authorPHID"`
	DateModified flexInt         `json:"dateModified"`
	Auxiliary    json.RawMessage `json:"auxiliary"`
}

func (r revision) toModel() model.RawReview {
	return model.RawReview{
		Title:         r.Title,
		URI:           r.URI,
		AuthorPHID:    r.AuthorPHID,
		TrackerNumber: trackerNumber(r.Auxiliary),
		DateModified:  int64(r.DateModified),
	}
}

// trackerNumber はauxiliaryからBugzillaのバグ番号を取り出す。
// 欠落、空、数値として解釈できない場合は0。
func trackerNumber(auxiliary json.RawMessage) int {
	if len(auxiliary) == 0 {
		return 0
	}
	// 値が空の場合auxiliaryは[]になることがある
	var fields map[string]flexInt
	if err := json.Unmarshal(auxiliary, &fields); err != nil {
		return 0
	}
	n := int(fields[bugIDKey])
	if n < 0 {
		return 0
	}
	return n
}

// flexInt は数値と数字文字列のどちらでも受け付ける整数。
// null、空文字列、解釈できない値は0になる。
type flexInt int64

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			*n = 0
			return nil
		}
		v = int64(f)
	}
	*n = flexInt(v)
	return nil
}
