package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrFeedNotFound はURLがフィードでもフィードリンクを持つHTMLでもない場合のエラー。
var ErrFeedNotFound = errors.New("no RSS/Atom feed found")

// feedKind はフィードの種類（RSS/Atom）を表す。
type feedKind string

const (
	feedKindRSS  feedKind = "rss"
	feedKindAtom feedKind = "atom"
)

// feedLink はHTMLのheadから検出したフィード候補。
type feedLink struct {
	URL   string
	Kind  feedKind
	Title string
}

// resolveFeed は取得した本文がHTMLであれば、headのフィードリンクをたどってフィード本文を取得する。
// HTML以外はフィードとしてそのまま返し、解析はgofeedに任せる。
func (im *Importer) resolveFeed(ctx context.Context, pageURL string, body []byte, contentType string) (string, []byte, error) {
	if !isHTML(contentType) || looksLikeFeed(body) {
		return pageURL, body, nil
	}

	links := feedLinksFromHTML(body, pageURL)
	best := selectFeedLink(links, pageURL)
	if best == nil {
		return "", nil, fmt.Errorf("%w at %s", ErrFeedNotFound, pageURL)
	}

	im.logger.Info("discovered feed link",
		slog.String("page_url", pageURL),
		slog.String("feed_url", best.URL),
		slog.String("kind", string(best.Kind)),
	)

	feedBody, _, err := im.get(ctx, best.URL, im.cfg.MaxFeedBytes)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch discovered feed: %w", err)
	}
	return best.URL, feedBody, nil
}

func isHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.Contains(strings.ToLower(mediaType), "html")
}

// looksLikeFeed は本文の先頭4KBにRSS/Atomのルート要素があるかを判定する。
func looksLikeFeed(body []byte) bool {
	n := len(body)
	if n > 4096 {
		n = 4096
	}
	prefix := strings.ToLower(string(body[:n]))

	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// feedLinksFromHTML はheadにあるrel="alternate"のRSS/Atomリンクを返す。
// 相対URLはpageURLを基準に解決する。
func feedLinksFromHTML(body []byte, pageURL string) []feedLink {
	var links []feedLink

	base, err := url.Parse(pageURL)
	if err != nil {
		return links
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	inHead := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Head:
				inHead = true
				continue
			case atom.Body:
				return links
			case atom.Link:
			default:
				continue
			}
			if !inHead {
				continue
			}

			var rel, typ, href, title string
			for _, a := range tok.Attr {
				switch strings.ToLower(a.Key) {
				case "rel":
					rel = strings.ToLower(strings.TrimSpace(a.Val))
				case "type":
					typ = strings.ToLower(strings.TrimSpace(a.Val))
				case "href":
					href = strings.TrimSpace(a.Val)
				case "title":
					title = a.Val
				}
			}
			if rel != "alternate" || href == "" {
				continue
			}

			var kind feedKind
			switch typ {
			case "application/rss+xml":
				kind = feedKindRSS
			case "application/atom+xml":
				kind = feedKindAtom
			default:
				continue
			}

			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			links = append(links, feedLink{
				URL:   base.ResolveReference(ref).String(),
				Kind:  kind,
				Title: title,
			})

		case html.EndTagToken:
			if z.Token().DataAtom == atom.Head {
				return links
			}
		}
	}
}

// selectFeedLink は候補から取り込むフィードを選ぶ。
// 優先順位: 同一ホスト > Atom > RSS > 先頭
func selectFeedLink(links []feedLink, pageURL string) *feedLink {
	if len(links) == 0 {
		return nil
	}

	host := hostOf(pageURL)
	bestIdx, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == host {
			score += 100
		}
		if l.Kind == feedKindAtom {
			score += 10
		}
		// 同点なら先に出現した候補を残す
		if score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	return &links[bestIdx]
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
