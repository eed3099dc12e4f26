package security

import (
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer は記事本文の表示用サニタイズを行う。
// 本文はリモートAPIに保存されたユーザー入力であり、表示前に必ずこれを通す。
type ContentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
// 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, h2-h4, img
// imgのsrcはhttpsのみ、aタグにはtarget="_blank"とrel="noopener noreferrer"を付与する。
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "h2", "h3", "h4",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool {
		return true
	})

	return &ContentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize は安全なHTMLを返す。同一入力に対して常に同一出力を返す。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// PlainText はすべてのタグを除去し、エンティティを戻したテキストを返す。
// 連続する空白は1つにまとめる。
func (s *ContentSanitizer) PlainText(rawHTML string) string {
	text := html.UnescapeString(s.strict.Sanitize(rawHTML))
	return strings.Join(strings.Fields(text), " ")
}

// Excerpt はPlainTextを最大maxRunes文字に切り詰める。切り詰めた場合は末尾に"..."を付ける。
func (s *ContentSanitizer) Excerpt(rawHTML string, maxRunes int) string {
	text := s.PlainText(rawHTML)
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxRunes])) + "..."
}
