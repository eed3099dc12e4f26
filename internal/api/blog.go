package api

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/blogfront/internal/model"
)

const (
	// DefaultPageLimit は一覧取得時の1ページあたりのデフォルト件数。
	DefaultPageLimit = 10
)

// ImageUpload はマルチパートで送信する画像ファイル。
type ImageUpload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// BlogInput は記事の作成・更新リクエストの内容。
// Imageがnilの場合、imageパートは送信しない。
type BlogInput struct {
	Title   string
	Content string
	Image   *ImageUpload
}

// BlogClient は記事関連のエンドポイントを呼び出すサービスクライアント。
// 認証が必要な操作ではTokenSourceから読み取ったトークンを付与する。
type BlogClient struct {
	c      *Client
	tokens TokenSource
}

// NewBlogClient はトークン未設定のBlogClientを生成する。
func NewBlogClient(c *Client) *BlogClient {
	return &BlogClient{c: c}
}

// WithTokens は指定したTokenSourceを使うBlogClientのコピーを返す。
func (b *BlogClient) WithTokens(ts TokenSource) *BlogClient {
	cp := *b
	cp.tokens = ts
	return &cp
}

// token は現在のトークンを読み取る。未保存の場合は空文字列を返す。
func (b *BlogClient) token(ctx context.Context) (string, error) {
	if b.tokens == nil {
		return "", nil
	}
	tok, err := b.tokens.Token(ctx)
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("failed to read token: %v", err), Err: err}
	}
	return tok, nil
}

// List は公開記事一覧を取得する。
// GET /blogs?page=&limit=
func (b *BlogClient) List(ctx context.Context, page, limit int) (*model.BlogPage, error) {
	var out model.BlogPage
	if err := b.c.do(ctx, call{
		operation: "blog.list",
		method:    http.MethodGet,
		path:      "/blogs",
		query:     pageQuery(page, limit),
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get は記事を1件取得する。レスポンスの {blog} を展開して返す。
// GET /blogs/:id
func (b *BlogClient) Get(ctx context.Context, id string) (*model.Blog, error) {
	var out blogEnvelope
	if err := b.c.do(ctx, call{
		operation: "blog.get",
		method:    http.MethodGet,
		path:      "/blogs/" + url.PathEscape(id),
	}, &out); err != nil {
		return nil, err
	}
	if out.Blog == nil {
		return nil, &Error{StatusCode: http.StatusOK, Message: "blog missing in response"}
	}
	return out.Blog, nil
}

// Create は記事をマルチパート形式で作成する。
// POST /blogs
func (b *BlogClient) Create(ctx context.Context, in BlogInput) (*model.Blog, error) {
	return b.send(ctx, "blog.create", http.MethodPost, "/blogs", in)
}

// Update は記事をマルチパート形式で更新する。
// PUT /blogs/:id
func (b *BlogClient) Update(ctx context.Context, id string, in BlogInput) (*model.Blog, error) {
	return b.send(ctx, "blog.update", http.MethodPut, "/blogs/"+url.PathEscape(id), in)
}

// Delete は記事を削除する。
// DELETE /blogs/:id
func (b *BlogClient) Delete(ctx context.Context, id string) error {
	tok, err := b.token(ctx)
	if err != nil {
		return err
	}
	return b.c.do(ctx, call{
		operation: "blog.delete",
		method:    http.MethodDelete,
		path:      "/blogs/" + url.PathEscape(id),
		token:     tok,
	}, nil)
}

// ListMine はログインユーザー自身の記事一覧を取得する。
// GET /user/my-blogs?page=&limit=
func (b *BlogClient) ListMine(ctx context.Context, page, limit int) (*model.BlogPage, error) {
	tok, err := b.token(ctx)
	if err != nil {
		return nil, err
	}

	var out model.BlogPage
	if err := b.c.do(ctx, call{
		operation: "user.my_blogs",
		method:    http.MethodGet,
		path:      "/user/my-blogs",
		query:     pageQuery(page, limit),
		token:     tok,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Dashboard はダッシュボードの集計値と自分の記事を取得する。
// GET /user/dashboard
func (b *BlogClient) Dashboard(ctx context.Context) (*model.Dashboard, error) {
	tok, err := b.token(ctx)
	if err != nil {
		return nil, err
	}

	var out model.Dashboard
	if err := b.c.do(ctx, call{
		operation: "user.dashboard",
		method:    http.MethodGet,
		path:      "/user/dashboard",
		token:     tok,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// blogEnvelope は {blog} 形式のレスポンス。
type blogEnvelope struct {
	Blog *model.Blog `json:"blog"`
}

// send は作成・更新の共通処理。
func (b *BlogClient) send(ctx context.Context, operation, method, path string, in BlogInput) (*model.Blog, error) {
	tok, err := b.token(ctx)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBlogForm(in)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to encode form: %v", err), Err: err}
	}

	var out blogEnvelope
	if err := b.c.do(ctx, call{
		operation:   operation,
		method:      method,
		path:        path,
		body:        body,
		contentType: contentType,
		token:       tok,
	}, &out); err != nil {
		return nil, err
	}
	if out.Blog == nil {
		return nil, &Error{StatusCode: http.StatusOK, Message: "blog missing in response"}
	}
	return out.Blog, nil
}

// encodeBlogForm はtitle, content, 任意のimageパートを持つマルチパートボディを生成する。
func encodeBlogForm(in BlogInput) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("title", in.Title); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("content", in.Content); err != nil {
		return nil, "", err
	}

	if in.Image != nil {
		contentType := in.Image.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		filename := in.Image.Filename
		if filename == "" {
			filename = "image"
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(filename)))
		h.Set("Content-Type", contentType)

		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(in.Image.Data); err != nil {
			return nil, "", err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// pageQuery はpage/limitのクエリを生成する。0以下の値はデフォルトに置き換える。
func pageQuery(page, limit int) url.Values {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return url.Values{
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(limit)},
	}
}
