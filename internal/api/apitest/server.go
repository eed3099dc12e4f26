// Package apitest はテスト用のインメモリなリモートブログAPIを提供する。
// 実APIと同じパスとレスポンス形式を返し、受信したリクエストを記録する。
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/blogfront/internal/model"
)

// ValidGoogleIDToken はPOST /auth/googleで受理されるIDトークン。
const ValidGoogleIDToken = "valid-google-id-token"

// RecordedRequest は受信したリクエストの記録。
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	HasAuthHeader bool
}

type account struct {
	user     model.User
	password string
}

type image struct {
	contentType string
	data        []byte
}

// Server はインメモリのリモートAPI。
type Server struct {
	*httptest.Server

	// GoogleAuthURL はGET /auth/googleが返す認可URL。
	GoogleAuthURL string

	mu       sync.Mutex
	accounts map[string]*account // email -> account
	tokens   map[string]string   // token -> user ID
	blogs    []*model.Blog
	images   map[string]image
	requests []RecordedRequest
	seq      int
	now      func() time.Time
}

// NewServer はServerを起動する。呼び出し側でCloseすること。
func NewServer() *Server {
	s := &Server{
		GoogleAuthURL: "https://accounts.example.com/o/oauth2/auth?client_id=test",
		accounts:      make(map[string]*account),
		tokens:        make(map[string]string),
		images:        make(map[string]image),
		now:           func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", s.signup)
		r.Post("/auth/login", s.login)
		r.Get("/auth/google", s.googleURL)
		r.Post("/auth/google", s.googleAuth)
		r.Get("/auth/me", s.me)

		r.Get("/blogs", s.listBlogs)
		r.Post("/blogs", s.createBlog)
		r.Get("/blogs/{id}", s.getBlog)
		r.Put("/blogs/{id}", s.updateBlog)
		r.Delete("/blogs/{id}", s.deleteBlog)

		r.Get("/user/my-blogs", s.myBlogs)
		r.Get("/user/dashboard", s.dashboard)
	})
	r.Get("/uploads/{name}", s.upload)

	s.Server = httptest.NewServer(s.record(r))
	return s
}

// BaseURL はサービスクライアントに渡すAPIのベースURLを返す。
func (s *Server) BaseURL() string {
	return s.URL + "/api"
}

// AddUser はユーザーを登録する。
func (s *Server) AddUser(fullName, email, password string) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(fullName, email, password)
}

// IssueToken は指定ユーザーのトークンを発行する。
func (s *Server) IssueToken(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueTokenLocked(userID)
}

// RevokeToken はトークンを無効化する。
func (s *Server) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// AddBlog は記事を直接登録する。
func (s *Server) AddBlog(author model.User, title, content string) model.Blog {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := s.now().Add(time.Duration(s.seq) * time.Millisecond)
	b := &model.Blog{
		ID:         fmt.Sprintf("blog-%d", s.seq),
		Title:      title,
		Content:    content,
		AuthorName: author.FullName,
		Author:     model.Author{ID: author.ID, FullName: author.FullName},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.blogs = append(s.blogs, b)
	return *b
}

// Requests は記録したリクエストのコピーを返す。
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// CountRequests は指定パスへのリクエスト数を返す。
func (s *Server) CountRequests(method, p string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == p {
			n++
		}
	}
	return n
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, has := r.Header["Authorization"]
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			HasAuthHeader: has,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) addUserLocked(fullName, email, password string) model.User {
	s.seq++
	u := model.User{
		ID:       fmt.Sprintf("user-%d", s.seq),
		FullName: fullName,
		Email:    email,
	}
	s.accounts[email] = &account{user: u, password: password}
	return u
}

func (s *Server) issueTokenLocked(userID string) string {
	s.seq++
	tok := fmt.Sprintf("token-%d", s.seq)
	s.tokens[tok] = userID
	return tok
}

func (s *Server) userByIDLocked(id string) *model.User {
	for _, a := range s.accounts {
		if a.user.ID == id {
			u := a.user
			return &u
		}
	}
	return nil
}

// authenticate はBearerトークンからユーザーを特定する。
func (s *Server) authenticate(r *http.Request) *model.User {
	h := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || tok == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[tok]
	if !ok {
		return nil
	}
	return s.userByIDLocked(id)
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		FullName string `json:"fullName"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid request body"})
		return
	}
	if in.FullName == "" || in.Email == "" || in.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "All fields are required"})
		return
	}

	s.mu.Lock()
	if _, exists := s.accounts[in.Email]; exists {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "User already exists"})
		return
	}
	u := s.addUserLocked(in.FullName, in.Email, in.Password)
	tok := s.issueTokenLocked(u.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User created successfully",
		"token":   tok,
		"user":    u,
	})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid request body"})
		return
	}

	s.mu.Lock()
	a, ok := s.accounts[in.Email]
	if !ok || a.password != in.Password {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid credentials"})
		return
	}
	tok := s.issueTokenLocked(a.user.ID)
	u := a.user
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "user": u})
}

func (s *Server) googleURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"authUrl": s.GoogleAuthURL})
}

func (s *Server) googleAuth(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IDToken string `json:"idToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.IDToken != ValidGoogleIDToken {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid Google token"})
		return
	}

	s.mu.Lock()
	a, ok := s.accounts["google-user@example.com"]
	var u model.User
	if ok {
		u = a.user
	} else {
		u = s.addUserLocked("Google User", "google-user@example.com", "")
	}
	tok := s.issueTokenLocked(u.ID)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "user": u})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	u := s.authenticate(r)
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Token is not valid"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) listBlogs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	all := s.sortedBlogsLocked(func(*model.Blog) bool { return true })
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, paginate(all, r))
}

func (s *Server) myBlogs(w http.ResponseWriter, r *http.Request) {
	u := s.authenticate(r)
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "No token, authorization denied"})
		return
	}
	s.mu.Lock()
	mine := s.sortedBlogsLocked(func(b *model.Blog) bool { return b.Author.ID == u.ID })
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, paginate(mine, r))
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	u := s.authenticate(r)
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "No token, authorization denied"})
		return
	}
	s.mu.Lock()
	mine := s.sortedBlogsLocked(func(b *model.Blog) bool { return b.Author.ID == u.ID })
	weekAgo := s.now().Add(-7 * 24 * time.Hour)
	s.mu.Unlock()

	recent := 0
	for _, b := range mine {
		if b.CreatedAt.After(weekAgo) {
			recent++
		}
	}
	writeJSON(w, http.StatusOK, model.Dashboard{
		Stats: model.DashboardStats{TotalBlogs: len(mine), RecentActivity: recent},
		Blogs: mine,
	})
}

func (s *Server) getBlog(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	b := s.findBlogLocked(chi.URLParam(r, "id"))
	var out model.Blog
	if b != nil {
		out = *b
	}
	s.mu.Unlock()

	if b == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Blog not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blog": out})
}

func (s *Server) createBlog(w http.ResponseWriter, r *http.Request) {
	u := s.authenticate(r)
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "No token, authorization denied"})
		return
	}
	title, content, img, err := readBlogForm(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}
	if title == "" || content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Title and content are required"})
		return
	}

	s.mu.Lock()
	s.seq++
	now := s.now()
	b := &model.Blog{
		ID:         fmt.Sprintf("blog-%d", s.seq),
		Title:      title,
		Content:    content,
		AuthorName: u.FullName,
		Author:     model.Author{ID: u.ID, FullName: u.FullName},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if img != nil {
		s.attachImageLocked(b, img)
	}
	s.blogs = append(s.blogs, b)
	out := *b
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"message": "Blog created successfully", "blog": out})
}

func (s *Server) updateBlog(w http.ResponseWriter, r *http.Request) {
	u := s.authenticate(r)
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "No token, authorization denied"})
		return
	}
	title, content, img, err := readBlogForm(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.findBlogLocked(chi.URLParam(r, "id"))
	if b == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Blog not found"})
		return
	}
	if b.Author.ID != u.ID {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "Not authorized to update this blog"})
		return
	}
	if title != "" {
		b.Title = title
	}
	if content != "" {
		b.Content = content
	}
	if img != nil {
		s.attachImageLocked(b, img)
	}
	b.UpdatedAt = s.now().Add(time.Second)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Blog updated successfully", "blog": *b})
}

func (s *Server) deleteBlog(w http.ResponseWriter, r *http.Request) {
	u := s.authenticate(r)
	if u == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "No token, authorization denied"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := chi.URLParam(r, "id")
	for i, b := range s.blogs {
		if b.ID != id {
			continue
		}
		if b.Author.ID != u.ID {
			writeJSON(w, http.StatusForbidden, map[string]any{"message": "Not authorized to delete this blog"})
			return
		}
		s.blogs = append(s.blogs[:i], s.blogs[i+1:]...)
		writeJSON(w, http.StatusOK, map[string]any{"message": "Blog deleted successfully"})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"message": "Blog not found"})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	img, ok := s.images[chi.URLParam(r, "name")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", img.contentType)
	w.Write(img.data)
}

func (s *Server) attachImageLocked(b *model.Blog, img *uploadedImage) {
	name := fmt.Sprintf("img-%d%s", s.seq, path.Ext(img.filename))
	s.images[name] = image{contentType: img.contentType, data: img.data}
	b.Image = name
	b.ImageURL = s.URL + "/uploads/" + name
}

func (s *Server) findBlogLocked(id string) *model.Blog {
	for _, b := range s.blogs {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// sortedBlogsLocked は条件に合う記事を作成日時の降順で返す。
func (s *Server) sortedBlogsLocked(keep func(*model.Blog) bool) []model.Blog {
	out := make([]model.Blog, 0, len(s.blogs))
	for _, b := range s.blogs {
		if keep(b) {
			out = append(out, *b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

type uploadedImage struct {
	filename    string
	contentType string
	data        []byte
}

func readBlogForm(r *http.Request) (string, string, *uploadedImage, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return "", "", nil, fmt.Errorf("invalid multipart form: %v", err)
	}
	title := r.FormValue("title")
	content := r.FormValue("content")

	file, header, err := r.FormFile("image")
	if err == http.ErrMissingFile {
		return title, content, nil, nil
	}
	if err != nil {
		return "", "", nil, fmt.Errorf("invalid image: %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", "", nil, fmt.Errorf("invalid image: %v", err)
	}
	return title, content, &uploadedImage{
		filename:    header.Filename,
		contentType: header.Header.Get("Content-Type"),
		data:        data,
	}, nil
}

func paginate(all []model.Blog, r *http.Request) model.BlogPage {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	start := (page - 1) * limit
	end := start + limit
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}

	return model.BlogPage{
		Blogs: all[start:end],
		Pagination: model.Pagination{
			Current: page,
			Pages:   int(math.Ceil(float64(len(all)) / float64(limit))),
			Total:   len(all),
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
