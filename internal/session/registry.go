package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/blogfront/internal/api"
	"github.com/hitoshi/blogfront/internal/notify"
	"github.com/hitoshi/blogfront/internal/tokenstore"
)

const (
	// DefaultIdleTTL はアクセスのないプロファイルをメモリから破棄するまでの時間。
	DefaultIdleTTL = 30 * time.Minute

	initTimeout = 10 * time.Second
)

// Profile はブラウザ1つ分の状態。profile_id Cookieで識別する。
type Profile struct {
	ID      string
	Session *Store
	Toasts  *notify.Store
	Tokens  *tokenstore.Scoped

	mu       sync.Mutex
	lastSeen time.Time
}

func (p *Profile) touch(now time.Time) {
	p.mu.Lock()
	p.lastSeen = now
	p.mu.Unlock()
}

func (p *Profile) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Gauge はアクティブなプロファイル数の記録先。
type Gauge interface {
	SetActiveProfiles(n int)
}

// RegistryConfig はRegistryの設定。
type RegistryConfig struct {
	IdleTTL       time.Duration
	ToastTTL      time.Duration
	ToastRecorder notify.Recorder
	Gauge         Gauge
	Logger        *slog.Logger
}

// Registry はプロファイルを遅延生成し、アイドル状態のものを破棄する。
type Registry struct {
	auth    AuthAPI
	storage tokenstore.Storage
	cfg     RegistryConfig
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewRegistry はRegistryを生成する。
func NewRegistry(auth AuthAPI, storage tokenstore.Storage, cfg RegistryConfig) *Registry {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		auth:     auth,
		storage:  storage,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		profiles: make(map[string]*Profile),
	}
}

// Get はプロファイルを返す。存在しなければ生成し、初期化の完了を待ってから返す。
// 初期化は最初の呼び出しで1度だけ実行され、同時に来た他の呼び出しはその完了を待つ。
func (r *Registry) Get(ctx context.Context, profileID string) (*Profile, error) {
	p := r.getOrCreate(profileID)
	p.touch(r.now())

	select {
	case <-p.Session.Ready():
		return p, nil
	default:
	}

	// リクエストのキャンセルで保存済みトークンを失わないよう、初期化は切り離したcontextで行う
	go func() {
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initTimeout)
		defer cancel()
		p.Session.Initialize(initCtx)
	}()

	if err := p.Session.Wait(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Lookup は既存のプロファイルを返す。生成は行わない。
func (r *Registry) Lookup(profileID string) (*Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[profileID]
	return p, ok
}

func (r *Registry) getOrCreate(profileID string) *Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.profiles[profileID]; ok {
		return p
	}

	tokens := tokenstore.NewScoped(r.storage, profileID)
	toastOpts := []notify.Option{notify.WithTTL(r.cfg.ToastTTL)}
	if r.cfg.ToastRecorder != nil {
		toastOpts = append(toastOpts, notify.WithRecorder(r.cfg.ToastRecorder))
	}
	p := &Profile{
		ID:      profileID,
		Session: NewStore(r.auth, tokens, r.logger.With(slog.String("profile_id", profileID))),
		Toasts:  notify.NewStore(toastOpts...),
		Tokens:  tokens,
	}
	r.profiles[profileID] = p
	r.reportLocked()
	return p
}

// BlogClient はプロファイルのトークンを使うBlogClientを返す。
func (p *Profile) BlogClient(base *api.BlogClient) *api.BlogClient {
	return base.WithTokens(p.Tokens)
}

// EvictIdle はidleTTL以上アクセスのないプロファイルを破棄し、その件数を返す。
// 破棄したプロファイルのトーストタイマーは停止する。保存済みトークンは残す。
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.cfg.IdleTTL)

	r.mu.Lock()
	var evicted []*Profile
	for id, p := range r.profiles {
		if p.idleSince().Before(cutoff) {
			evicted = append(evicted, p)
			delete(r.profiles, id)
		}
	}
	r.reportLocked()
	r.mu.Unlock()

	for _, p := range evicted {
		p.Toasts.Close()
	}
	if len(evicted) > 0 {
		r.logger.Debug("evicted idle profiles", slog.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Run はctxが終了するまで定期的にEvictIdleを実行する。
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.cfg.IdleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

// Len は保持しているプロファイル数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles)
}

// Close はすべてのプロファイルを破棄する。
func (r *Registry) Close() {
	r.mu.Lock()
	profiles := r.profiles
	r.profiles = make(map[string]*Profile)
	r.reportLocked()
	r.mu.Unlock()

	for _, p := range profiles {
		p.Toasts.Close()
	}
}

func (r *Registry) reportLocked() {
	if r.cfg.Gauge != nil {
		r.cfg.Gauge.SetActiveProfiles(len(r.profiles))
	}
}
