// Package session はプロファイルごとの認証状態を管理する。
// 認証状態はuserがnilでないことと同値であり、トークンはtokenstoreに保存する。
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/blogfront/internal/api"
	"github.com/hitoshi/blogfront/internal/model"
)

// AuthAPI はセッションストアが使用するリモート認証API。
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*model.AuthResult, error)
	Signup(ctx context.Context, fullName, email, password string) (*model.AuthResult, error)
	GoogleAuthURL(ctx context.Context) (string, error)
	CurrentUser(ctx context.Context, token string) (*model.User, error)
}

// TokenStore はプロファイルに束縛されたトークンの保存先。
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Remove(ctx context.Context) error
}

// State はセッションの状態。
type State string

const (
	// StateUnknown は初期化が完了していない状態。
	StateUnknown       State = "unknown"
	StateAuthenticated State = "authenticated"
	StateAnonymous     State = "anonymous"
)

// Result は認証操作の結果。認証操作はエラーを返さず、失敗をResultで表す。
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

const (
	msgSaveFailed     = "Failed to save session"
	msgMissingToken   = "Missing token or user data"
	msgGoogleFailed   = "Failed to start Google authentication"
	msgCallbackFailed = "Failed to process authentication"
)

// Store は1プロファイルの認証状態。
// ロックはI/O中に保持しない。成功時はトークンの保存をメモリ上の更新より先に行う。
type Store struct {
	auth   AuthAPI
	tokens TokenStore
	logger *slog.Logger

	mu      sync.RWMutex
	user    *model.User
	loading bool

	initOnce sync.Once
	ready    chan struct{}
}

// NewStore はStoreを生成する。Initializeが完了するまでLoadingはtrueを返す。
func NewStore(auth AuthAPI, tokens TokenStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		auth:    auth,
		tokens:  tokens,
		logger:  logger,
		loading: true,
		ready:   make(chan struct{}),
	}
}

// Initialize は保存済みトークンから認証状態を復元する。複数回呼んでも1度だけ実行する。
// トークンがなければネットワーク呼び出しを行わず匿名状態になる。
// トークンの検証に失敗した場合はトークンを削除し、userはnilのままにする。
func (s *Store) Initialize(ctx context.Context) {
	s.initOnce.Do(func() {
		defer close(s.ready)

		user := s.restore(ctx)

		s.mu.Lock()
		s.user = user
		s.loading = false
		s.mu.Unlock()
	})
}

func (s *Store) restore(ctx context.Context) *model.User {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.logger.Error("failed to read stored token", slog.String("error", err.Error()))
		return nil
	}
	if token == "" {
		return nil
	}

	user, err := s.auth.CurrentUser(ctx, token)
	if err != nil {
		s.logger.Warn("auth check failed",
			slog.String("error", err.Error()),
			slog.Int("http_status", api.StatusOf(err)),
		)
		if rmErr := s.tokens.Remove(ctx); rmErr != nil {
			s.logger.Error("failed to remove stale token", slog.String("error", rmErr.Error()))
		}
		return nil
	}
	return user
}

// Ready はInitializeの完了時にクローズされるチャネルを返す。
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Wait はInitializeの完了またはctxの終了まで待つ。
func (s *Store) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Login はメールアドレスとパスワードでログインする。失敗時はuserを変更しない。
func (s *Store) Login(ctx context.Context, email, password string) Result {
	res, err := s.auth.Login(ctx, email, password)
	if err != nil {
		return Result{Success: false, Message: api.MessageOf(err, "Login failed")}
	}
	return s.establish(ctx, res.Token, res.User)
}

// Signup はユーザー登録を行い、そのままログイン状態にする。
func (s *Store) Signup(ctx context.Context, fullName, email, password string) Result {
	res, err := s.auth.Signup(ctx, fullName, email, password)
	if err != nil {
		return Result{Success: false, Message: api.MessageOf(err, "Signup failed")}
	}
	return s.establish(ctx, res.Token, res.User)
}

// LoginWithGoogle はGoogle認可URLを取得する。リダイレクトは呼び出し側が行う。
func (s *Store) LoginWithGoogle(ctx context.Context) (string, Result) {
	authURL, err := s.auth.GoogleAuthURL(ctx)
	if err != nil {
		return "", Result{Success: false, Message: api.MessageOf(err, msgGoogleFailed)}
	}
	return authURL, Result{Success: true}
}

// HandleGoogleCallback はOAuthリダイレクトで受け取ったトークンを採用する。
// トークンは/auth/meで再検証し、サーバーが返したユーザーを正とする。
// 検証に失敗した場合は既存の状態を変更しない。
func (s *Store) HandleGoogleCallback(ctx context.Context, token string, supplied *model.User) Result {
	if token == "" {
		return Result{Success: false, Message: msgMissingToken}
	}

	user, err := s.auth.CurrentUser(ctx, token)
	if err != nil {
		s.logger.Warn("oauth callback token rejected",
			slog.String("error", err.Error()),
			slog.Int("http_status", api.StatusOf(err)),
		)
		return Result{Success: false, Message: api.MessageOf(err, msgCallbackFailed)}
	}

	if supplied != nil && supplied.ID != "" && supplied.ID != user.ID {
		s.logger.Warn("oauth callback user mismatch",
			slog.String("supplied_user_id", supplied.ID),
			slog.String("user_id", user.ID),
		)
	}

	return s.establish(ctx, token, user)
}

// establish はトークンを保存し、読み戻せたことを確認してからuserを設定する。
func (s *Store) establish(ctx context.Context, token string, user *model.User) Result {
	if token == "" || user == nil {
		return Result{Success: false, Message: msgMissingToken}
	}
	if err := s.tokens.Save(ctx, token); err != nil {
		s.logger.Error("failed to save token", slog.String("error", err.Error()))
		return Result{Success: false, Message: msgSaveFailed}
	}
	// 保存先が即座に失効させた場合は認証済みにしない
	stored, err := s.tokens.Token(ctx)
	if err != nil || stored != token {
		s.logger.Error("saved token could not be read back", slog.Bool("read_error", err != nil))
		return Result{Success: false, Message: msgSaveFailed}
	}

	u := *user
	s.mu.Lock()
	s.user = &u
	s.loading = false
	s.mu.Unlock()
	return Result{Success: true}
}

// Logout はローカルの認証状態を破棄する。リモートAPIは呼ばない。何度呼んでもよい。
// メモリ上のuserを先に破棄してからトークンを削除する。
func (s *Store) Logout(ctx context.Context) {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()

	if err := s.tokens.Remove(ctx); err != nil {
		s.logger.Error("failed to remove token", slog.String("error", err.Error()))
	}
}

// User は現在のユーザーのコピーを返す。未認証の場合はnil。
func (s *Store) User() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Loading は初期化中かどうかを返す。
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// IsAuthenticated はuserがnilでないかを返す。
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// State は現在の状態を返す。
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.loading:
		return StateUnknown
	case s.user != nil:
		return StateAuthenticated
	default:
		return StateAnonymous
	}
}
