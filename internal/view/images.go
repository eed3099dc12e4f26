package view

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// proxyImages はサニタイズ済みHTML内のimgのsrcを画像プロキシ経由に書き換える。
// CSPでimg-srcを自オリジンに限定しているため、本文中の外部画像もプロキシを通す。
func proxyImages(sanitized string) string {
	if !strings.Contains(sanitized, "<img") {
		return sanitized
	}

	z := html.NewTokenizer(strings.NewReader(sanitized))
	var b strings.Builder
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		tok := z.Token()
		if (tt == html.StartTagToken || tt == html.SelfClosingTagToken) && tok.DataAtom == atom.Img {
			for i, attr := range tok.Attr {
				if attr.Key == "src" {
					tok.Attr[i].Val = ProxyPath(attr.Val)
				}
			}
		}
		b.WriteString(tok.String())
	}
	return b.String()
}
