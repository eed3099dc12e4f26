// Package view はサーバーサイドレンダリング用のHTMLテンプレートと静的ファイルを提供する。
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/blogfront/internal/model"
	"github.com/hitoshi/blogfront/internal/notify"
	"github.com/hitoshi/blogfront/internal/security"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static/*.css static/*.js
var staticFS embed.FS

// ページテンプレート名
const (
	PageHome      = "home"
	PageBlog      = "blog"
	PageForm      = "form"
	PageDashboard = "dashboard"
	PageMyBlogs   = "my_blogs"
	PageLogin     = "login"
	PageSignup    = "signup"
	PageAuthError = "auth_error"
	PageNotFound  = "not_found"
	PageError     = "error"
)

var pageNames = []string{
	PageHome, PageBlog, PageForm, PageDashboard, PageMyBlogs,
	PageLogin, PageSignup, PageAuthError, PageNotFound, PageError,
}

// excerptLength は一覧に表示する本文抜粋の最大文字数。
const excerptLength = 150

// Page は全ページ共通のテンプレートデータ。
type Page struct {
	Title     string
	User      *model.User
	Toasts    []notify.Toast
	CSRFToken string
	Data      any
}

// Config はRendererの設定。
type Config struct {
	// UploadsBaseURL はimageフィールドのファイル名を解決するベースURL。
	UploadsBaseURL string
	// ToastTTL はブラウザ側でトーストを消すまでの時間。
	ToastTTL time.Duration
	Logger   *slog.Logger
}

// Renderer はページごとにパース済みのテンプレートを保持する。
type Renderer struct {
	pages       map[string]*template.Template
	sanitizer   *security.ContentSanitizer
	uploadsBase string
	toastTTL    time.Duration
	logger      *slog.Logger
}

// NewRenderer は埋め込みテンプレートをすべてパースしてRendererを生成する。
func NewRenderer(sanitizer *security.ContentSanitizer, cfg Config) (*Renderer, error) {
	if sanitizer == nil {
		sanitizer = security.NewContentSanitizer()
	}
	if cfg.ToastTTL <= 0 {
		cfg.ToastTTL = notify.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Renderer{
		pages:       make(map[string]*template.Template, len(pageNames)),
		sanitizer:   sanitizer,
		uploadsBase: strings.TrimRight(cfg.UploadsBaseURL, "/"),
		toastTTL:    cfg.ToastTTL,
		logger:      cfg.Logger,
	}

	funcs := template.FuncMap{
		"content":    r.content,
		"excerpt":    r.excerpt,
		"imageSrc":   r.imageSrc,
		"formatDate": formatDate,
		"pageLink":   pageLink,
		"toastTTLms": func() int64 { return r.toastTTL.Milliseconds() },
	}
	for _, name := range pageNames {
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(templatesFS,
			"templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.pages[name] = tmpl
	}
	return r, nil
}

// Render はページをレンダリングしてレスポンスに書き込む。
// 途中で失敗した場合に不完全なHTMLを返さないよう、一度バッファに書き出す。
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, page Page) {
	tmpl, ok := r.pages[name]
	if !ok {
		r.logger.Error("unknown template", slog.String("template", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", page); err != nil {
		r.logger.Error("failed to render template",
			slog.String("template", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// StaticHandler は/static/配下の静的ファイルを配信するハンドラーを返す。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// ImageURL は記事画像の取得元URLを返す。imageUrlを優先し、なければアップロード配信元のファイル名から組み立てる。
func (r *Renderer) ImageURL(b *model.Blog) string {
	if b.ImageURL != "" {
		return b.ImageURL
	}
	if b.Image == "" {
		return ""
	}
	return r.uploadsBase + "/" + strings.TrimLeft(b.Image, "/")
}

// ProxyPath は画像URLを画像プロキシ経由のパスに変換する。
func ProxyPath(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	return "/api/proxy?url=" + url.QueryEscape(rawURL)
}

func (r *Renderer) imageSrc(b model.Blog) string {
	return ProxyPath(r.ImageURL(&b))
}

func (r *Renderer) content(raw string) template.HTML {
	return template.HTML(proxyImages(r.sanitizer.Sanitize(raw)))
}

func (r *Renderer) excerpt(raw string) string {
	return r.sanitizer.Excerpt(raw, excerptLength)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("January 2, 2006")
}

func pageLink(path string, page int) string {
	return fmt.Sprintf("%s?page=%d", path, page)
}
