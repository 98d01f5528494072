package review

import (
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/arai-a/phabr/internal/model"
)

// Sanitizer はRSSのdescriptionに埋め込むHTMLを無害化する。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// FeedConfig はRSSフィード生成時の設定。
type FeedConfig struct {
	PhabricatorURL string
	BugzillaURL    string
	Sanitizer      Sanitizer
}

// FeedWriter はクエリ結果をRSS 2.0として書き出す。
type FeedWriter struct {
	cfg FeedConfig
}

// NewFeedWriter はFeedWriterの新しいインスタンスを生成する。
func NewFeedWriter(cfg FeedConfig) *FeedWriter {
	return &FeedWriter{cfg: cfg}
}

type rss struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title         string    `xml:"title"`
	Link          string    `xml:"link"`
	Description   string    `xml:"description"`
	LastBuildDate string    `xml:"lastBuildDate"`
	Items         []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string  `xml:"title"`
	Link        string  `xml:"link"`
	Description string  `xml:"description"`
	Author      string  `xml:"author,omitempty"`
	GUID        rssGUID `xml:"guid"`
	PubDate     string  `xml:"pubDate,omitempty"`
}

type rssGUID struct {
	IsPermaLink bool   `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

// Write はoutcomeをRSS文書としてwに書き出す。
// ok以外の結果は項目のない空のチャンネルになり、descriptionに状態を記載する。
func (fw *FeedWriter) Write(w io.Writer, outcome model.Outcome, now time.Time) error {
	doc := rss{
		Version: "2.0",
		Channel: rssChannel{
			Title:         "Phabricator review requests",
			Link:          strings.TrimRight(fw.cfg.PhabricatorURL, "/") + "/differential/",
			Description:   describe(outcome),
			LastBuildDate: now.UTC().Format(time.RFC1123Z),
		},
	}

	if outcome.IsOK() {
		doc.Channel.Items = make([]rssItem, 0, len(outcome.Reviews))
		for _, s := range outcome.Reviews {
			doc.Channel.Items = append(doc.Channel.Items, fw.item(s))
		}
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write feed: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode feed: %w", err)
	}
	return enc.Close()
}

func (fw *FeedWriter) item(s model.ReviewSummary) rssItem {
	it := rssItem{
		Title:       s.Title,
		Link:        s.URI,
		Description: fw.describeReview(s),
		Author:      s.Author,
		GUID:        rssGUID{IsPermaLink: true, Value: s.URI},
	}
	if s.ModifiedAt > 0 {
		it.PubDate = s.ModifiedTime().Format(time.RFC1123Z)
	}
	return it
}

func (fw *FeedWriter) describeReview(s model.ReviewSummary) string {
	var b strings.Builder
	author := s.Author
	if author == "" {
		author = "Someone"
	}
	b.WriteString("<p><strong>")
	b.WriteString(html.EscapeString(author))
	b.WriteString("</strong> asked for your review for <strong>")
	b.WriteString(html.EscapeString(s.Title))
	b.WriteString("</strong>")
	if s.TrackerNumber > 0 {
		fmt.Fprintf(&b, ` (<a href="%s">Bug %d</a>)`,
			html.EscapeString(BugURL(fw.cfg.BugzillaURL, s.TrackerNumber)), s.TrackerNumber)
	}
	b.WriteString("</p>")

	if fw.cfg.Sanitizer == nil {
		return b.String()
	}
	return fw.cfg.Sanitizer.Sanitize(b.String())
}

// BugURL はBugzillaのバグ表示ページのURLを返す。
func BugURL(base string, bug int) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "show_bug.cgi?id=" + strconv.Itoa(bug)
}

func describe(o model.Outcome) string {
	switch o.Status {
	case model.StatusOK:
		return fmt.Sprintf("%d review request(s) pending", len(o.Reviews))
	case model.StatusTokenUnavailable:
		return "Conduit API Token is not available."
	case model.StatusIdentityUnavailable:
		return "Phabricator PHID for token is not available."
	case model.StatusAPIError:
		return fmt.Sprintf("Conduit API Error for %s: error_code=%s, error_info=%s.", o.Name, o.Code, o.Info)
	default:
		return "Unknown error: " + o.Message
	}
}
