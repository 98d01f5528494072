// Package model はドメインモデルを定義する。
package model

import "time"

// RawReview はConduitのdifferential.queryが返すレビュー1件を表す。
// クエリごとに取得し直し、永続化はしない。
type RawReview struct {
	Title         string
	URI           string
	AuthorPHID    string
	TrackerNumber int
	DateModified  int64 // UNIX秒
}

// ReviewSummary は表示用に簡略化したレビューリクエスト。
// RawReviewと著者名マッピングを結合して生成する。
type ReviewSummary struct {
	Title         string `json:"title"`
	URI           string `json:"uri"`
	Author        string `json:"author,omitempty"` // 著者名が解決できなかった場合は空
	TrackerNumber int    `json:"trackerNumber"`
	ModifiedAt    int64  `json:"modifiedAt"`
}

// ModifiedTime はModifiedAtをtime.Timeとして返す。
func (s ReviewSummary) ModifiedTime() time.Time {
	return time.Unix(s.ModifiedAt, 0).UTC()
}

// Summarize はRawReviewの並びを著者名マッピングと結合してReviewSummaryに変換する。
// 取得順を保持し、マッピングに無い著者は空の表示名になる。
func Summarize(reviews []RawReview, names map[string]string) []ReviewSummary {
	summaries := make([]ReviewSummary, 0, len(reviews))
	for _, r := range reviews {
		summaries = append(summaries, ReviewSummary{
			Title:         r.Title,
			URI:           r.URI,
			Author:        names[r.AuthorPHID],
			TrackerNumber: r.TrackerNumber,
			ModifiedAt:    r.DateModified,
		})
	}
	return summaries
}
