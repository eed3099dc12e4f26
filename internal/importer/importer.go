// Package importer はRSS/Atomフィードの記事をリモートAPIのブログ記事として取り込む。
// フィードと画像はSSRF対策済みのクライアントで取得し、本文はサニタイズしてから送信する。
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hitoshi/blogfront/internal/api"
	"github.com/hitoshi/blogfront/internal/model"
	"github.com/hitoshi/blogfront/internal/security"
)

const (
	// DefaultLimit は1回の取り込みで作成する記事の上限。
	DefaultLimit = 10

	// DefaultMaxFeedBytes はフィード本文の最大サイズ。
	DefaultMaxFeedBytes = 5 << 20

	userAgent = "blogfront/1.0 feed importer"
)

// URLGuard はSSRF検証とURLごとのHTTPクライアント選択のインターフェース。
// security.SSRFGuardが満たす。
type URLGuard interface {
	ValidateURL(rawURL string) error
	ClientFor(rawURL string) *http.Client
}

// BlogCreator は記事作成のインターフェース。api.BlogClientが満たす。
type BlogCreator interface {
	Create(ctx context.Context, in api.BlogInput) (*model.Blog, error)
}

// Recorder は作成件数の記録先。
type Recorder interface {
	RecordBlogsImported(count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordBlogsImported(int) {}

// Config はImporterの設定。
type Config struct {
	Limit        int
	MaxFeedBytes int64
}

// Result は取り込み結果。
type Result struct {
	FeedTitle string
	Created   []*model.Blog
	Skipped   int
	Failed    int
}

// ErrUnauthorized はAPIがトークンを拒否した場合のエラー。以降の記事は送信しない。
var ErrUnauthorized = errors.New("blog api rejected the token")

// Importer はフィードの取り込みを行う。
type Importer struct {
	guard     URLGuard
	blogs     BlogCreator
	sanitizer *security.ContentSanitizer
	recorder  Recorder
	logger    *slog.Logger
	cfg       Config
}

// New はImporterを生成する。
func New(guard URLGuard, blogs BlogCreator, recorder Recorder, logger *slog.Logger, cfg Config) *Importer {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.MaxFeedBytes <= 0 {
		cfg.MaxFeedBytes = DefaultMaxFeedBytes
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		guard:     guard,
		blogs:     blogs,
		sanitizer: security.NewContentSanitizer(),
		recorder:  recorder,
		logger:    logger,
		cfg:       cfg,
	}
}

// Import はフィードを取得し、先頭から上限件数までの記事を作成する。
// HTMLページのURLが渡された場合は、headのフィードリンクをたどる。
// タイトルまたは本文が空の記事は読み飛ばす。画像は検証を通過した場合のみ添付する。
// APIが401を返した場合はErrUnauthorizedで中断する。それ以外の作成失敗は数えて続行する。
func (im *Importer) Import(ctx context.Context, feedURL string) (*Result, error) {
	start := time.Now()

	body, contentType, err := im.get(ctx, feedURL, im.cfg.MaxFeedBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	feedURL, body, err = im.resolveFeed(ctx, feedURL, body, contentType)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	result := &Result{FeedTitle: parsed.Title}
	for _, item := range parsed.Items {
		if len(result.Created) >= im.cfg.Limit {
			break
		}
		if item == nil {
			continue
		}

		in, ok := im.buildInput(ctx, item)
		if !ok {
			result.Skipped++
			continue
		}

		blog, err := im.blogs.Create(ctx, in)
		if err != nil {
			if api.StatusOf(err) == http.StatusUnauthorized {
				im.recorder.RecordBlogsImported(len(result.Created))
				return result, fmt.Errorf("%w: %s", ErrUnauthorized, api.MessageOf(err, ""))
			}
			im.logger.Warn("failed to create blog from feed item",
				slog.String("title", in.Title),
				slog.String("error", err.Error()),
			)
			result.Failed++
			continue
		}
		result.Created = append(result.Created, blog)
	}

	im.recorder.RecordBlogsImported(len(result.Created))
	im.logger.Info("feed import completed",
		slog.String("feed_url", feedURL),
		slog.String("feed_title", parsed.Title),
		slog.Int("created", len(result.Created)),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

// buildInput はフィード記事から作成リクエストを組み立てる。
func (im *Importer) buildInput(ctx context.Context, item *gofeed.Item) (api.BlogInput, bool) {
	raw := item.Content
	if strings.TrimSpace(raw) == "" {
		raw = item.Description
	}
	title := strings.TrimSpace(item.Title)
	content := strings.TrimSpace(im.sanitizer.Sanitize(raw))
	if title == "" || strings.TrimSpace(im.sanitizer.PlainText(content)) == "" {
		im.logger.Info("skipping feed item without title or content", slog.String("link", item.Link))
		return api.BlogInput{}, false
	}

	in := api.BlogInput{Title: title, Content: content}
	if imageURL := itemImageURL(item, raw); imageURL != "" {
		img, err := im.fetchImage(ctx, imageURL)
		if err != nil {
			im.logger.Warn("skipping feed item image",
				slog.String("image_url", imageURL),
				slog.String("error", err.Error()),
			)
		} else {
			in.Image = img
		}
	}
	return in, true
}

// fetchImage は画像を取得し、アップロードと同じ種類とサイズの検証を行う。
func (im *Importer) fetchImage(ctx context.Context, imageURL string) (*api.ImageUpload, error) {
	req, resp, err := im.do(ctx, imageURL, "image/*")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !model.IsAllowedImageType(contentType) {
		return nil, fmt.Errorf("unsupported image type %q", resp.Header.Get("Content-Type"))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, model.MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > model.MaxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", model.MaxImageBytes)
	}

	return &api.ImageUpload{
		Filename:    imageFilename(req.URL, contentType),
		ContentType: contentType,
		Data:        data,
	}, nil
}

// get はURLを取得して本文とContent-Typeを返す。
func (im *Importer) get(ctx context.Context, rawURL string, maxBytes int64) ([]byte, string, error) {
	_, resp, err := im.do(ctx, rawURL, "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, "", fmt.Errorf("body exceeds %d bytes", maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// do はSSRF検証の後にGETを送信する。2xx以外はエラーにする。
func (im *Importer) do(ctx context.Context, rawURL, accept string) (*http.Request, *http.Response, error) {
	if err := im.guard.ValidateURL(rawURL); err != nil {
		return nil, nil, fmt.Errorf("url rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := im.guard.ClientFor(rawURL).Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return req, resp, nil
}

// itemImageURL は記事の代表画像のURLを返す。
// 優先順位: フィードの画像要素 > 画像のエンクロージャ > 本文の最初の<img>
func itemImageURL(item *gofeed.Item, rawHTML string) string {
	if item.Image != nil && item.Image.URL != "" {
		return resolve(item.Link, item.Image.URL)
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			return resolve(item.Link, enc.URL)
		}
	}
	if src := firstImageSrc(rawHTML); src != "" {
		return resolve(item.Link, src)
	}
	return ""
}

// firstImageSrc はHTML中の最初のimg要素のsrcを返す。
func firstImageSrc(rawHTML string) string {
	z := html.NewTokenizer(strings.NewReader(rawHTML))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.Img {
				continue
			}
			for _, a := range tok.Attr {
				if a.Key == "src" && strings.TrimSpace(a.Val) != "" {
					return strings.TrimSpace(a.Val)
				}
			}
		}
	}
}

// resolve は記事リンクを基準に相対URLを絶対URLにする。基準が不正な場合はrefをそのまま返す。
func resolve(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return r.String()
	}
	return b.ResolveReference(r).String()
}

// imageFilename はURLのパスからファイル名を決める。拡張子がなければContent-Typeから補う。
func imageFilename(u *url.URL, contentType string) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "image"
	}
	if path.Ext(name) == "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}
