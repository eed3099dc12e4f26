package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/blogfront/internal/api"
	"github.com/hitoshi/blogfront/internal/api/apitest"
	"github.com/hitoshi/blogfront/internal/middleware"
	"github.com/hitoshi/blogfront/internal/model"
	"github.com/hitoshi/blogfront/internal/security"
	"github.com/hitoshi/blogfront/internal/session"
	"github.com/hitoshi/blogfront/internal/tokenstore"
	"github.com/hitoshi/blogfront/internal/view"
)

// --- テスト環境 ---

var zeroTime time.Time

// mockProxyRecorder はProxyRecorderのテスト用モック。
type mockProxyRecorder struct {
	results []string
}

func (m *mockProxyRecorder) RecordProxy(result string) {
	m.results = append(m.results, result)
}

// mockHealthChecker はHealthCheckerのテスト用モック。
type mockHealthChecker struct {
	pingFn func(ctx context.Context) error
}

func (m *mockHealthChecker) Ping(ctx context.Context) error {
	return m.pingFn(ctx)
}

// testEnv はインメモリAPIとルーター全体を起動したテスト環境。
type testEnv struct {
	api      *apitest.Server
	storage  tokenstore.Storage
	registry *session.Registry
	recorder *mockProxyRecorder
	app      *httptest.Server
}

type envOption func(*RouterDeps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	apiSrv := apitest.NewServer()
	t.Cleanup(apiSrv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := api.NewClient(apiSrv.BaseURL(), api.WithLogger(logger))
	storage := tokenstore.NewMemory(tokenstore.Config{})
	registry := session.NewRegistry(api.NewAuthClient(client), storage, session.RegistryConfig{
		ToastTTL: time.Minute,
		Logger:   logger,
	})
	t.Cleanup(registry.Close)

	renderer, err := view.NewRenderer(security.NewContentSanitizer(), view.Config{
		UploadsBaseURL: apiSrv.URL + "/uploads",
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	recorder := &mockProxyRecorder{}
	deps := &RouterDeps{
		Logger:        logger,
		RateLimiter:   limiter,
		Registry:      registry,
		Blogs:         api.NewBlogClient(client),
		Renderer:      renderer,
		SSRFGuard:     security.NewSSRFGuard(5*time.Second, apiSrv.URL),
		ProxyRecorder: recorder,
		HealthChecker: storage,
	}
	for _, opt := range opts {
		opt(deps)
	}

	app := httptest.NewServer(NewRouter(deps))
	t.Cleanup(app.Close)

	return &testEnv{
		api:      apiSrv,
		storage:  storage,
		registry: registry,
		recorder: recorder,
		app:      app,
	}
}

// browser はCookieを保持し、リダイレクトを追わないHTTPクライアント。
type browser struct {
	t      *testing.T
	env    *testEnv
	client *http.Client
}

func (e *testEnv) newBrowser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New failed: %v", err)
	}
	return &browser{
		t:   t,
		env: e,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

type response struct {
	status int
	header http.Header
	body   string
}

func (b *browser) do(req *http.Request) response {
	b.t.Helper()
	resp, err := b.client.Do(req)
	if err != nil {
		b.t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		b.t.Fatalf("failed to read body: %v", err)
	}
	return response{status: resp.StatusCode, header: resp.Header, body: string(body)}
}

func (b *browser) get(path string) response {
	b.t.Helper()
	req, err := http.NewRequest(http.MethodGet, b.env.app.URL+path, nil)
	if err != nil {
		b.t.Fatalf("NewRequest failed: %v", err)
	}
	return b.do(req)
}

func (b *browser) cookie(name string) string {
	u, _ := url.Parse(b.env.app.URL)
	for _, c := range b.client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// csrfToken はCSRF Cookieを返す。未取得であれば/loginを開いて取得する。
func (b *browser) csrfToken() string {
	b.t.Helper()
	if tok := b.cookie("csrf_token"); tok != "" {
		return tok
	}
	b.get("/login")
	tok := b.cookie("csrf_token")
	if tok == "" {
		b.t.Fatal("csrf cookie was not issued")
	}
	return tok
}

func (b *browser) post(path string, form url.Values) response {
	b.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	form.Set("csrf_token", b.csrfToken())
	req, err := http.NewRequest(http.MethodPost, b.env.app.URL+path, strings.NewReader(form.Encode()))
	if err != nil {
		b.t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

type upload struct {
	filename    string
	contentType string
	data        []byte
}

func (b *browser) postMultipart(path string, fields map[string]string, file *upload) response {
	b.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("csrf_token", b.csrfToken())
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="`+file.filename+`"`)
		h.Set("Content-Type", file.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			b.t.Fatalf("CreatePart failed: %v", err)
		}
		part.Write(file.data)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, b.env.app.URL+path, &buf)
	if err != nil {
		b.t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return b.do(req)
}

// profile はブラウザのプロファイルを返す。
func (b *browser) profile() *session.Profile {
	b.t.Helper()
	id := b.cookie(middleware.ProfileCookieName)
	if id == "" {
		b.t.Fatal("profile cookie was not issued")
	}
	p, ok := b.env.registry.Lookup(id)
	if !ok {
		b.t.Fatalf("profile %s is not registered", id)
	}
	return p
}

// login はユーザーを登録してログインする。
func (b *browser) login(fullName, email, password string) {
	b.t.Helper()
	b.env.api.AddUser(fullName, email, password)
	resp := b.post("/login", url.Values{"email": {email}, "password": {password}})
	if resp.status != http.StatusSeeOther {
		b.t.Fatalf("login: expected 303, got %d", resp.status)
	}
}

func assertStatus(t *testing.T, resp response, want int) {
	t.Helper()
	if resp.status != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.status, resp.body)
	}
}

func assertRedirect(t *testing.T, resp response, location string) {
	t.Helper()
	assertStatus(t, resp, http.StatusSeeOther)
	if got := resp.header.Get("Location"); got != location {
		t.Errorf("expected Location %q, got %q", location, got)
	}
}

func assertContains(t *testing.T, body, want string) {
	t.Helper()
	if !strings.Contains(body, want) {
		t.Errorf("expected body to contain %q", want)
	}
}

func assertNotContains(t *testing.T, body, unwanted string) {
	t.Helper()
	if strings.Contains(body, unwanted) {
		t.Errorf("expected body not to contain %q", unwanted)
	}
}

// --- ProfileLoader / RequireAuth ---

func TestProfileLoader_MissingProfile(t *testing.T) {
	registry := session.NewRegistry(nil, tokenstore.NewMemory(tokenstore.Config{}), session.RegistryConfig{})
	defer registry.Close()

	called := false
	h := NewProfileLoader(registry, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not be called without a profile")
	}
}

func TestProfileLoader_JSONMissingProfile(t *testing.T) {
	registry := session.NewRegistry(nil, tokenstore.NewMemory(tokenstore.Config{}), session.RegistryConfig{})
	defer registry.Close()

	h := NewProfileLoader(registry, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not be called without a profile")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	body := decodeErrorBody(t, rec)
	if rec.Code != http.StatusBadRequest || body.Code != model.ErrCodeValidationFailed {
		t.Errorf("status = %d, code = %q, want 400 %s", rec.Code, body.Code, model.ErrCodeValidationFailed)
	}
}

// blockingAuth はreleaseが閉じられるまでCurrentUserが戻らないAuthAPI。
type blockingAuth struct {
	release chan struct{}
}

func (a *blockingAuth) Login(context.Context, string, string) (*model.AuthResult, error) {
	return nil, errors.New("not implemented")
}

func (a *blockingAuth) Signup(context.Context, string, string, string) (*model.AuthResult, error) {
	return nil, errors.New("not implemented")
}

func (a *blockingAuth) GoogleAuthURL(context.Context) (string, error) {
	return "", errors.New("not implemented")
}

func (a *blockingAuth) CurrentUser(ctx context.Context, _ string) (*model.User, error) {
	select {
	case <-a.release:
	case <-ctx.Done():
	}
	return nil, errors.New("unavailable")
}

func TestProfileLoader_JSONSessionNotRestored(t *testing.T) {
	auth := &blockingAuth{release: make(chan struct{})}
	defer close(auth.release)

	storage := tokenstore.NewMemory(tokenstore.Config{})
	if err := storage.Set(context.Background(), "p1", "t1", zeroTime); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	registry := session.NewRegistry(auth, storage, session.RegistryConfig{})
	defer registry.Close()

	h := NewProfileLoader(registry, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not be called before the session is restored")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil).WithContext(middleware.ContextWithProfileID(ctx, "p1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := decodeErrorBody(t, rec)
	if rec.Code != http.StatusServiceUnavailable || body.Code != model.ErrCodeUpstreamFailed {
		t.Errorf("status = %d, code = %q, want 503 %s", rec.Code, body.Code, model.ErrCodeUpstreamFailed)
	}
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestProfileFromContext_Missing(t *testing.T) {
	if _, err := ProfileFromContext(context.Background()); err == nil {
		t.Error("expected error when no profile is set")
	}
}

func TestRequireAuth_RedirectsAnonymous(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	for _, path := range []string{"/dashboard", "/my-blogs", "/create", "/edit/blog-1"} {
		assertRedirect(t, b.get(path), "/login")
	}

	if n := env.api.CountRequests(http.MethodGet, "/api/user/dashboard"); n != 0 {
		t.Errorf("expected no API request, got %d", n)
	}
}

func TestRouter_NotFoundPage(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.get("/no-such-page")
	assertStatus(t, resp, http.StatusNotFound)
	assertContains(t, resp.body, "Page not found")
}

func TestRouter_SecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.get("/")
	assertStatus(t, resp, http.StatusOK)
	if got := resp.header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected X-Frame-Options DENY, got %q", got)
	}
	if resp.header.Get("Content-Security-Policy") == "" {
		t.Error("expected Content-Security-Policy header")
	}
}

func TestRouter_StaticAssets(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.get("/static/app.js")
	assertStatus(t, resp, http.StatusOK)
	if b.cookie(middleware.ProfileCookieName) != "" {
		t.Error("static assets should not issue a profile cookie")
	}
}

func TestRouter_Metrics(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "blogfront_up 1\n")
	})
	env := newTestEnv(t, func(d *RouterDeps) { d.MetricsHandler = metricsHandler })
	b := env.newBrowser(t)

	resp := b.get("/metrics")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "blogfront_up 1")
}

func TestRouter_CSRFRejectsPostWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.get("/login")

	req, _ := http.NewRequest(http.MethodPost, env.app.URL+"/login",
		strings.NewReader(url.Values{"email": {"a@example.com"}, "password": {"x"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := b.do(req)

	assertStatus(t, resp, http.StatusForbidden)
	if n := env.api.CountRequests(http.MethodPost, "/api/auth/login"); n != 0 {
		t.Errorf("expected no API request, got %d", n)
	}
}
