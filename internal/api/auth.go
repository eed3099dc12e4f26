package api

import (
	"context"
	"net/http"

	"github.com/hitoshi/blogfront/internal/model"
)

// AuthClient は認証関連のエンドポイントを呼び出すサービスクライアント。
type AuthClient struct {
	c *Client
}

// NewAuthClient はAuthClientを生成する。
func NewAuthClient(c *Client) *AuthClient {
	return &AuthClient{c: c}
}

// Signup はユーザー登録を行い、発行されたトークンとユーザーを返す。
// POST /auth/signup
func (a *AuthClient) Signup(ctx context.Context, fullName, email, password string) (*model.AuthResult, error) {
	body, err := jsonBody(map[string]string{
		"fullName": fullName,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	var out model.AuthResult
	if err := a.c.do(ctx, call{
		operation:   "auth.signup",
		method:      http.MethodPost,
		path:        "/auth/signup",
		body:        body,
		contentType: "application/json",
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (a *AuthClient) Login(ctx context.Context, email, password string) (*model.AuthResult, error) {
	body, err := jsonBody(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}

	var out model.AuthResult
	if err := a.c.do(ctx, call{
		operation:   "auth.login",
		method:      http.MethodPost,
		path:        "/auth/login",
		body:        body,
		contentType: "application/json",
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GoogleAuthURL はGoogle OAuthの認可URLを取得する。
// GET /auth/google
func (a *AuthClient) GoogleAuthURL(ctx context.Context) (string, error) {
	var out struct {
		AuthURL string `json:"authUrl"`
	}
	if err := a.c.do(ctx, call{
		operation: "auth.google_url",
		method:    http.MethodGet,
		path:      "/auth/google",
	}, &out); err != nil {
		return "", err
	}
	if out.AuthURL == "" {
		return "", &Error{StatusCode: http.StatusOK, Message: "authorization URL missing in response"}
	}
	return out.AuthURL, nil
}

// GoogleAuth はGoogleのIDトークンをリモートAPIのトークンに交換する。
// POST /auth/google
func (a *AuthClient) GoogleAuth(ctx context.Context, idToken string) (*model.AuthResult, error) {
	body, err := jsonBody(map[string]string{"idToken": idToken})
	if err != nil {
		return nil, err
	}

	var out model.AuthResult
	if err := a.c.do(ctx, call{
		operation:   "auth.google",
		method:      http.MethodPost,
		path:        "/auth/google",
		body:        body,
		contentType: "application/json",
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentUser はトークンの持ち主を取得する。レスポンスの {user} を展開して返す。
// トークンが空の場合はリクエストを送らずにErrNoTokenを返す。
// GET /auth/me
func (a *AuthClient) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, &Error{Message: "No token found", Err: ErrNoToken}
	}

	var out struct {
		User *model.User `json:"user"`
	}
	if err := a.c.do(ctx, call{
		operation: "auth.me",
		method:    http.MethodGet,
		path:      "/auth/me",
		token:     token,
	}, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, &Error{StatusCode: http.StatusOK, Message: "user missing in response"}
	}
	return out.User, nil
}
