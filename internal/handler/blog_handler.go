package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/blogfront/internal/api"
	"github.com/hitoshi/blogfront/internal/model"
	"github.com/hitoshi/blogfront/internal/session"
	"github.com/hitoshi/blogfront/internal/view"
)

const (
	// MaxImageBytes はアップロード画像の上限サイズ。
	MaxImageBytes = model.MaxImageBytes

	msgRequiredFields = "Title and content are required"
	msgInvalidImage   = "Please select a valid image file (JPEG, PNG, GIF, WebP)"
	msgImageTooLarge  = "Image size should be less than 5MB"

	msgCreated        = "Blog created successfully!"
	msgCreateFailed   = "Failed to create blog"
	msgUpdated        = "Blog updated successfully!"
	msgUpdateFailed   = "Failed to update blog"
	msgDeleted        = "Blog deleted successfully"
	msgDeleteFailed   = "Failed to delete blog"
	msgDashboardError = "Failed to load dashboard data"
	msgListError      = "Failed to load blogs"
	msgNotAuthor      = "You can only edit your own blogs"
	msgSessionExpired = "Your session has expired. Please log in again."

	headingBlogNotFound = "Blog not found"
)

// errValidation は入力検証エラー。メッセージをそのままトーストに表示する。
type errValidation string

func (e errValidation) Error() string { return string(e) }

// BlogHandler は記事の一覧、詳細、作成、編集、削除、ダッシュボードのハンドラー。
type BlogHandler struct {
	pages
	blogs *api.BlogClient
}

// NewBlogHandler はBlogHandlerを生成する。
// blogsはトークン未設定のクライアントで、リクエストごとにプロファイルのトークンを束縛して使う。
func NewBlogHandler(blogs *api.BlogClient, renderer *view.Renderer, logger *slog.Logger) *BlogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlogHandler{
		pages: pages{renderer: renderer, logger: logger},
		blogs: blogs,
	}
}

func (h *BlogHandler) client(p *session.Profile) *api.BlogClient {
	return p.BlogClient(h.blogs)
}

// expireIfUnauthorized はAPIが401を返した場合にローカルのセッションを破棄する。
// 破棄した場合はtrueを返し、呼び出し側は/loginへリダイレクトする。
func (h *BlogHandler) expireIfUnauthorized(r *http.Request, p *session.Profile, err error) bool {
	if api.StatusOf(err) != http.StatusUnauthorized {
		return false
	}
	p.Session.Logout(r.Context())
	p.Toasts.Error(msgSessionExpired)
	return true
}

// Home は公開記事の一覧を表示する。
// GET /?page=
func (h *BlogHandler) Home(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	data := view.ListData{BasePath: "/"}
	result, err := h.client(p).List(r.Context(), pageParam(r), api.DefaultPageLimit)
	if err != nil {
		h.logger.Error("failed to list blogs", slog.String("error", err.Error()))
		p.Toasts.Error(api.MessageOf(err, msgListError))
	} else {
		data.Blogs = result.Blogs
		data.Pagination = result.Pagination
	}
	h.render(w, r, http.StatusOK, view.PageHome, "", data)
}

// Show は記事の詳細を表示する。著者には編集リンクを表示する。
// GET /blog/{id}
func (h *BlogHandler) Show(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	blog, err := h.client(p).Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if api.StatusOf(err) == http.StatusNotFound {
			h.notFound(w, r, headingBlogNotFound)
			return
		}
		h.logger.Error("failed to get blog", slog.String("error", err.Error()))
		h.render(w, r, statusForAPIError(err), view.PageError, headingBlogNotFound, view.MessageData{
			Heading: headingBlogNotFound,
			Message: api.MessageOf(err, ""),
		})
		return
	}

	h.render(w, r, http.StatusOK, view.PageBlog, blog.Title, view.BlogData{
		Blog:    *blog,
		CanEdit: blog.IsAuthoredBy(p.Session.User()),
	})
}

// NewForm は記事作成フォームを表示する。
// GET /create
func (h *BlogHandler) NewForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, view.PageForm, "Create Blog", view.FormData{})
}

// Create は記事を作成する。入力検証はAPI呼び出しより前に行う。
// POST /create
func (h *BlogHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	form := view.FormData{
		Title:   r.PostFormValue("title"),
		Content: r.PostFormValue("content"),
	}
	in, err := readBlogInput(r)
	if err != nil {
		h.rejectForm(w, r, p, form, err)
		return
	}

	if _, err := h.client(p).Create(r.Context(), in); err != nil {
		if h.expireIfUnauthorized(r, p, err) {
			redirect(w, r, "/login")
			return
		}
		p.Toasts.Error(api.MessageOf(err, msgCreateFailed))
		h.render(w, r, statusForAPIError(err), view.PageForm, "Create Blog", form)
		return
	}

	p.Toasts.Success(msgCreated)
	redirect(w, r, "/dashboard")
}

// EditForm は記事編集フォームを表示する。著者以外は詳細ページへ戻す。
// GET /edit/{id}
func (h *BlogHandler) EditForm(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	blog, err := h.client(p).Get(r.Context(), id)
	if err != nil {
		if api.StatusOf(err) == http.StatusNotFound {
			h.notFound(w, r, headingBlogNotFound)
			return
		}
		p.Toasts.Error(api.MessageOf(err, headingBlogNotFound))
		redirect(w, r, "/dashboard")
		return
	}
	if !blog.IsAuthoredBy(p.Session.User()) {
		p.Toasts.Error(msgNotAuthor)
		redirect(w, r, "/blog/"+id)
		return
	}

	h.render(w, r, http.StatusOK, view.PageForm, "Edit Blog", view.FormData{
		Editing:      true,
		BlogID:       blog.ID,
		Title:        blog.Title,
		Content:      blog.Content,
		CurrentImage: view.ProxyPath(h.renderer.ImageURL(blog)),
	})
}

// Update は記事を更新する。画像を選択しなかった場合は既存の画像を維持する。
// POST /edit/{id}
func (h *BlogHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	form := view.FormData{
		Editing: true,
		BlogID:  id,
		Title:   r.PostFormValue("title"),
		Content: r.PostFormValue("content"),
	}
	in, err := readBlogInput(r)
	if err != nil {
		h.rejectForm(w, r, p, form, err)
		return
	}

	if _, err := h.client(p).Update(r.Context(), id, in); err != nil {
		if h.expireIfUnauthorized(r, p, err) {
			redirect(w, r, "/login")
			return
		}
		if api.StatusOf(err) == http.StatusNotFound {
			h.notFound(w, r, headingBlogNotFound)
			return
		}
		p.Toasts.Error(api.MessageOf(err, msgUpdateFailed))
		h.render(w, r, statusForAPIError(err), view.PageForm, "Edit Blog", form)
		return
	}

	p.Toasts.Success(msgUpdated)
	redirect(w, r, "/blog/"+id)
}

// Delete は記事を削除してダッシュボードへ戻る。
// POST /blog/{id}/delete
func (h *BlogHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	if err := h.client(p).Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if h.expireIfUnauthorized(r, p, err) {
			redirect(w, r, "/login")
			return
		}
		h.logger.Warn("failed to delete blog", slog.String("error", err.Error()))
		p.Toasts.Error(msgDeleteFailed)
		redirect(w, r, "/dashboard")
		return
	}

	p.Toasts.Success(msgDeleted)
	redirect(w, r, "/dashboard")
}

// Dashboard は集計値と自分の記事を表示する。
// GET /dashboard
func (h *BlogHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	var data view.DashboardData
	dash, err := h.client(p).Dashboard(r.Context())
	if err != nil {
		if h.expireIfUnauthorized(r, p, err) {
			redirect(w, r, "/login")
			return
		}
		h.logger.Error("failed to load dashboard", slog.String("error", err.Error()))
		p.Toasts.Error(msgDashboardError)
	} else {
		data.Stats = dash.Stats
		data.Blogs = dash.Blogs
	}
	h.render(w, r, http.StatusOK, view.PageDashboard, "Dashboard", data)
}

// MyBlogs は自分の記事をページング付きで表示する。
// GET /my-blogs?page=
func (h *BlogHandler) MyBlogs(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	data := view.ListData{BasePath: "/my-blogs"}
	result, err := h.client(p).ListMine(r.Context(), pageParam(r), api.DefaultPageLimit)
	if err != nil {
		if h.expireIfUnauthorized(r, p, err) {
			redirect(w, r, "/login")
			return
		}
		h.logger.Error("failed to list own blogs", slog.String("error", err.Error()))
		p.Toasts.Error(api.MessageOf(err, msgListError))
	} else {
		data.Blogs = result.Blogs
		data.Pagination = result.Pagination
	}
	h.render(w, r, http.StatusOK, view.PageMyBlogs, "My Blogs", data)
}

// rejectForm は検証エラーをトーストで通知し、入力値を保持したフォームを再表示する。
func (h *BlogHandler) rejectForm(w http.ResponseWriter, r *http.Request, p *session.Profile, form view.FormData, err error) {
	title, failed := "Create Blog", msgCreateFailed
	if form.Editing {
		title, failed = "Edit Blog", msgUpdateFailed
	}
	var verr errValidation
	if !errors.As(err, &verr) {
		h.logger.Error("failed to read blog form", slog.String("error", err.Error()))
		p.Toasts.Error(failed)
		h.render(w, r, http.StatusBadRequest, view.PageForm, title, form)
		return
	}
	p.Toasts.Error(verr.Error())
	h.render(w, r, http.StatusUnprocessableEntity, view.PageForm, title, form)
}

// readBlogInput はフォームから記事入力を読み取り検証する。
// タイトルと本文は前後の空白を除いて必須。画像は任意で、種類とサイズを検証する。
func readBlogInput(r *http.Request) (api.BlogInput, error) {
	title := r.PostFormValue("title")
	content := r.PostFormValue("content")
	if strings.TrimSpace(title) == "" || strings.TrimSpace(content) == "" {
		return api.BlogInput{}, errValidation(msgRequiredFields)
	}

	in := api.BlogInput{Title: title, Content: content}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return in, nil
	}
	if err != nil {
		return api.BlogInput{}, fmt.Errorf("failed to read image: %w", err)
	}
	defer file.Close()

	img, err := readImage(file, header)
	if err != nil {
		return api.BlogInput{}, err
	}
	in.Image = img
	return in, nil
}

func readImage(file multipart.File, header *multipart.FileHeader) (*api.ImageUpload, error) {
	contentType := strings.ToLower(header.Header.Get("Content-Type"))
	if !model.IsAllowedImageType(contentType) {
		return nil, errValidation(msgInvalidImage)
	}
	if header.Size > MaxImageBytes {
		return nil, errValidation(msgImageTooLarge)
	}

	data, err := io.ReadAll(io.LimitReader(file, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, errValidation(msgImageTooLarge)
	}

	return &api.ImageUpload{
		Filename:    header.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}
