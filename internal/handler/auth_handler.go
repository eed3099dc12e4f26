package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/blogfront/internal/model"
	"github.com/hitoshi/blogfront/internal/view"
)

const (
	msgLoginSuccess       = "Login successful!"
	msgSignupSuccess      = "Account created successfully!"
	msgLogoutSuccess      = "Logged out successfully"
	msgGoogleSuccess      = "Google authentication successful!"
	msgCallbackParseError = "Failed to process authentication"
	msgCallbackMissing    = "Authentication failed: Missing token or user data"
	msgAuthErrorDefault   = "Authentication failed"
	msgCredentialsMissing = "Email and password are required"
	msgSignupMissing      = "All fields are required"
)

// AuthHandler はログイン、サインアップ、Google OAuth、ログアウトのハンドラー。
type AuthHandler struct {
	pages
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(renderer *view.Renderer, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{pages: pages{renderer: renderer, logger: logger}}
}

// LoginForm はログインフォームを表示する。認証済みならダッシュボードへ移動する。
// GET /login
func (h *AuthHandler) LoginForm(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err == nil && p.Session.IsAuthenticated() {
		redirect(w, r, "/dashboard")
		return
	}
	h.render(w, r, http.StatusOK, view.PageLogin, "Login", view.AuthFormData{})
}

// Login はメールアドレスとパスワードでログインする。
// POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	form := view.AuthFormData{Email: email}

	if email == "" || password == "" {
		p.Toasts.Error(msgCredentialsMissing)
		h.render(w, r, http.StatusUnprocessableEntity, view.PageLogin, "Login", form)
		return
	}

	res := p.Session.Login(r.Context(), email, password)
	if !res.Success {
		p.Toasts.Error(res.Message)
		h.render(w, r, http.StatusUnauthorized, view.PageLogin, "Login", form)
		return
	}

	p.Toasts.Success(msgLoginSuccess)
	redirect(w, r, "/dashboard")
}

// SignupForm はサインアップフォームを表示する。
// GET /signup
func (h *AuthHandler) SignupForm(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err == nil && p.Session.IsAuthenticated() {
		redirect(w, r, "/dashboard")
		return
	}
	h.render(w, r, http.StatusOK, view.PageSignup, "Sign Up", view.AuthFormData{})
}

// Signup はユーザー登録を行う。
// POST /signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	fullName := strings.TrimSpace(r.PostFormValue("fullName"))
	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	form := view.AuthFormData{FullName: fullName, Email: email}

	if fullName == "" || email == "" || password == "" {
		p.Toasts.Error(msgSignupMissing)
		h.render(w, r, http.StatusUnprocessableEntity, view.PageSignup, "Sign Up", form)
		return
	}

	res := p.Session.Signup(r.Context(), fullName, email, password)
	if !res.Success {
		p.Toasts.Error(res.Message)
		h.render(w, r, http.StatusUnprocessableEntity, view.PageSignup, "Sign Up", form)
		return
	}

	p.Toasts.Success(msgSignupSuccess)
	redirect(w, r, "/dashboard")
}

// Google はGoogleの認可URLへリダイレクトする。
// GET /auth/google
func (h *AuthHandler) Google(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	authURL, res := p.Session.LoginWithGoogle(r.Context())
	if !res.Success {
		http.Redirect(w, r, "/auth/error?message="+url.QueryEscape(res.Message), http.StatusFound)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// GoogleSuccess はOAuth完了時のリダイレクトを処理する。
// userはURLエンコードされたJSON。トークンはセッションストアで再検証される。
// GET /auth/success?token=&user=
func (h *AuthHandler) GoogleSuccess(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	userParam := r.URL.Query().Get("user")
	if token == "" || userParam == "" {
		p.Toasts.Error(msgCallbackMissing)
		redirect(w, r, "/login")
		return
	}

	supplied, err := parseCallbackUser(userParam)
	if err != nil {
		h.logger.Warn("failed to parse oauth callback user", slog.String("error", err.Error()))
		p.Toasts.Error(msgCallbackParseError)
		redirect(w, r, "/login")
		return
	}

	res := p.Session.HandleGoogleCallback(r.Context(), token, supplied)
	if !res.Success {
		p.Toasts.Error(res.Message)
		redirect(w, r, "/login")
		return
	}

	p.Toasts.Success(msgGoogleSuccess)
	redirect(w, r, "/dashboard")
}

// parseCallbackUser はuserパラメータをデコードする。
// クエリ解析で1回デコード済みの値と、二重にエンコードされた値の両方を受け付ける。
func parseCallbackUser(raw string) (*model.User, error) {
	var u model.User
	if err := json.Unmarshal([]byte(raw), &u); err == nil {
		return &u, nil
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(decoded), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// AuthError は認証エラーページを表示する。5秒後に/loginへ移動する。
// GET /auth/error?message=
func (h *AuthHandler) AuthError(w http.ResponseWriter, r *http.Request) {
	message := r.URL.Query().Get("message")
	if message == "" {
		message = msgAuthErrorDefault
	}
	h.render(w, r, http.StatusOK, view.PageAuthError, "Authentication Error", view.MessageData{
		Heading: "Authentication Error",
		Message: message,
	})
}

// Logout はローカルのセッションを破棄する。
// POST /logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		http.Error(w, "missing profile", http.StatusBadRequest)
		return
	}

	wasAuthenticated := p.Session.IsAuthenticated()
	p.Session.Logout(r.Context())
	if wasAuthenticated {
		p.Toasts.Info(msgLogoutSuccess)
	}
	redirect(w, r, "/")
}
