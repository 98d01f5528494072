package security

import (
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer はRSS項目のdescriptionに埋め込むHTMLを無害化する。
// レビューのタイトルや著者名はリモートから取得した任意の文字列のため、
// 組み立て後のHTMLを許可リストで再度フィルタする。
// 許可するのは p, strong, em, a（http/httpsのhrefのみ）。
// aタグには target="_blank" と rel="nofollow noreferrer noopener" を付与する。
type ContentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerの新しいインスタンスを生成する。
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements("p", "strong", "em")

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool { return true })
	p.AllowURLSchemeWithCustomPolicy("http", func(*url.URL) bool { return true })
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &ContentSanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズして返す。同一入力には常に同一出力を返す。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
