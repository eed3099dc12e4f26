package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/hitoshi/blogfront/internal/model"
)

func TestLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	env.api.AddUser("Alice", "alice@example.com", "secret")

	resp := b.post("/login", url.Values{"email": {"alice@example.com"}, "password": {"secret"}})
	assertRedirect(t, resp, "/dashboard")

	p := b.profile()
	u := p.Session.User()
	if u == nil || u.Email != "alice@example.com" {
		t.Fatalf("expected authenticated user alice, got %+v", u)
	}
	tok, err := env.storage.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("storage.Get failed: %v", err)
	}
	if tok == "" {
		t.Error("expected token to be stored server side")
	}
	if b.cookie("token") != "" {
		t.Error("token must not be exposed to the browser")
	}

	resp = b.get("/dashboard")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "Welcome back, Alice!")
	assertContains(t, resp.body, "Login successful!")
}

func TestLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	env.api.AddUser("Alice", "alice@example.com", "secret")

	resp := b.post("/login", url.Values{"email": {"alice@example.com"}, "password": {"wrong"}})

	assertStatus(t, resp, http.StatusUnauthorized)
	assertContains(t, resp.body, "Invalid credentials")
	assertContains(t, resp.body, `value="alice@example.com"`)
	if b.profile().Session.IsAuthenticated() {
		t.Error("expected session to stay anonymous")
	}
}

func TestLogin_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.post("/login", url.Values{"email": {"alice@example.com"}})

	assertStatus(t, resp, http.StatusUnprocessableEntity)
	assertContains(t, resp.body, "Email and password are required")
	if n := env.api.CountRequests(http.MethodPost, "/api/auth/login"); n != 0 {
		t.Errorf("expected no API request, got %d", n)
	}
}

func TestLoginForm_RedirectsAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "secret")

	assertRedirect(t, b.get("/login"), "/dashboard")
	assertRedirect(t, b.get("/signup"), "/dashboard")
}

func TestSignup_Success(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.post("/signup", url.Values{
		"fullName": {"Bob Builder"},
		"email":    {"bob@example.com"},
		"password": {"hunter2"},
	})
	assertRedirect(t, resp, "/dashboard")

	u := b.profile().Session.User()
	if u == nil || u.FullName != "Bob Builder" {
		t.Fatalf("expected authenticated user Bob Builder, got %+v", u)
	}

	resp = b.get("/dashboard")
	assertContains(t, resp.body, "Account created successfully!")
}

func TestSignup_Errors(t *testing.T) {
	tests := []struct {
		name     string
		form     url.Values
		existing bool
		wantMsg  string
		wantAPI  int
	}{
		{
			name:    "missing full name",
			form:    url.Values{"email": {"bob@example.com"}, "password": {"pw"}},
			wantMsg: "All fields are required",
			wantAPI: 0,
		},
		{
			name:     "duplicate email",
			form:     url.Values{"fullName": {"Bob"}, "email": {"bob@example.com"}, "password": {"pw"}},
			existing: true,
			wantMsg:  "User already exists",
			wantAPI:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			b := env.newBrowser(t)
			if tt.existing {
				env.api.AddUser("Bob", "bob@example.com", "pw")
			}

			resp := b.post("/signup", tt.form)

			assertStatus(t, resp, http.StatusUnprocessableEntity)
			assertContains(t, resp.body, tt.wantMsg)
			if n := env.api.CountRequests(http.MethodPost, "/api/auth/signup"); n != tt.wantAPI {
				t.Errorf("expected %d API requests, got %d", tt.wantAPI, n)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.login("Alice", "alice@example.com", "secret")
	p := b.profile()

	resp := b.post("/logout", nil)
	assertRedirect(t, resp, "/")

	if p.Session.IsAuthenticated() {
		t.Error("expected session to be cleared")
	}
	tok, _ := env.storage.Get(context.Background(), p.ID)
	if tok != "" {
		t.Errorf("expected stored token to be removed, got %q", tok)
	}

	resp = b.get("/")
	assertContains(t, resp.body, "Logged out successfully")
	assertNotContains(t, resp.body, "Welcome, Alice")
}

func TestLogout_Anonymous(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.post("/logout", nil)
	assertRedirect(t, resp, "/")
	if n := b.profile().Toasts.Len(); n != 0 {
		t.Errorf("expected no toast for anonymous logout, got %d", n)
	}
}

func TestSessionRestoredFromStorage(t *testing.T) {
	env := newTestEnv(t)
	u := env.api.AddUser("Carol", "carol@example.com", "pw")
	tok := env.api.IssueToken(u.ID)

	b := env.newBrowser(t)
	b.get("/")
	id := b.profile().ID

	// 別プロセスで保存されたトークンを再起動後に読み込む状況を再現する
	env.registry.Close()
	if err := env.storage.Set(context.Background(), id, tok, zeroTime); err != nil {
		t.Fatalf("storage.Set failed: %v", err)
	}

	resp := b.get("/dashboard")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "Welcome back, Carol!")
}

func TestSessionRestore_InvalidTokenIsRemoved(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)
	b.get("/")
	id := b.profile().ID

	env.registry.Close()
	env.storage.Set(context.Background(), id, "revoked-token", zeroTime)

	assertRedirect(t, b.get("/dashboard"), "/login")
	tok, _ := env.storage.Get(context.Background(), id)
	if tok != "" {
		t.Errorf("expected invalid token to be removed, got %q", tok)
	}
}

func TestGoogle_RedirectsToAuthURL(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.get("/auth/google")

	assertStatus(t, resp, http.StatusFound)
	if got := resp.header.Get("Location"); got != env.api.GoogleAuthURL {
		t.Errorf("expected redirect to %q, got %q", env.api.GoogleAuthURL, got)
	}
}

func TestGoogleSuccess(t *testing.T) {
	env := newTestEnv(t)
	u := env.api.AddUser("Dana", "dana@example.com", "")
	tok := env.api.IssueToken(u.ID)

	userJSON, _ := json.Marshal(u)

	tests := []struct {
		name      string
		userParam string
	}{
		{name: "encoded once", userParam: url.QueryEscape(string(userJSON))},
		{name: "encoded twice", userParam: url.QueryEscape(url.QueryEscape(string(userJSON)))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := env.newBrowser(t)

			resp := b.get("/auth/success?token=" + url.QueryEscape(tok) + "&user=" + tt.userParam)
			assertRedirect(t, resp, "/dashboard")

			got := b.profile().Session.User()
			if got == nil || got.ID != u.ID {
				t.Fatalf("expected user %s, got %+v", u.ID, got)
			}
			assertContains(t, b.get("/dashboard").body, "Google authentication successful!")
		})
	}
}

func TestGoogleSuccess_UsesServerUser(t *testing.T) {
	env := newTestEnv(t)
	u := env.api.AddUser("Dana", "dana@example.com", "")
	tok := env.api.IssueToken(u.ID)
	forged, _ := json.Marshal(model.User{ID: "someone-else", FullName: "Mallory"})

	b := env.newBrowser(t)
	resp := b.get("/auth/success?token=" + url.QueryEscape(tok) + "&user=" + url.QueryEscape(string(forged)))
	assertRedirect(t, resp, "/dashboard")

	got := b.profile().Session.User()
	if got == nil || got.ID != u.ID || got.FullName != "Dana" {
		t.Errorf("expected server-verified user, got %+v", got)
	}
}

func TestGoogleSuccess_Failures(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantMsg string
	}{
		{name: "missing token", query: "?user=%7B%7D", wantMsg: "Authentication failed: Missing token or user data"},
		{name: "missing user", query: "?token=abc", wantMsg: "Authentication failed: Missing token or user data"},
		{name: "malformed user", query: "?token=abc&user=not-json", wantMsg: "Failed to process authentication"},
		{name: "invalid token", query: "?token=bogus&user=%7B%7D", wantMsg: "Token is not valid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			b := env.newBrowser(t)

			resp := b.get("/auth/success" + tt.query)
			assertRedirect(t, resp, "/login")

			p := b.profile()
			if p.Session.IsAuthenticated() {
				t.Error("expected session to stay anonymous")
			}
			assertContains(t, b.get("/login").body, tt.wantMsg)
		})
	}
}

func TestAuthError(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBrowser(t)

	resp := b.get("/auth/error?message=" + url.QueryEscape("Access denied"))
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "Access denied")
	assertContains(t, resp.body, `http-equiv="refresh"`)

	resp = b.get("/auth/error")
	assertStatus(t, resp, http.StatusOK)
	assertContains(t, resp.body, "Authentication failed")
}

func TestParseCallbackUser(t *testing.T) {
	raw := `{"id":"u1","fullName":"Eve","email":"eve@example.com"}`

	for _, in := range []string{raw, url.QueryEscape(raw)} {
		u, err := parseCallbackUser(in)
		if err != nil {
			t.Fatalf("parseCallbackUser(%q) failed: %v", in, err)
		}
		if u.ID != "u1" || u.FullName != "Eve" {
			t.Errorf("unexpected user: %+v", u)
		}
	}

	if _, err := parseCallbackUser("%%%"); err == nil {
		t.Error("expected error for malformed input")
	}
}
