// Package tokenstore はプロファイルごとのBearerトークンをサーバー側で保持する。
// ブラウザはプロファイルIDのCookieのみを持ち、トークン自体は公開されない。
package tokenstore

import (
	"context"
	"time"
)

// Storage はプロファイルIDをキーとするトークンの永続化インターフェース。
// 1プロファイルにつき有効なトークンは1つで、Setは既存の値を上書きする。
type Storage interface {
	// Get はトークンを返す。未保存または期限切れの場合は空文字列を返す。
	Get(ctx context.Context, profileID string) (string, error)

	// Set はトークンを保存する。expiresAtがゼロ値の場合は保持期間で失効する。
	Set(ctx context.Context, profileID, token string, expiresAt time.Time) error

	// Remove はトークンを削除する。未保存の場合もエラーにしない。
	Remove(ctx context.Context, profileID string) error

	// DeleteExpired は期限切れのトークンを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Ping はバックエンドへの疎通を確認する。/healthで使用する。
	Ping(ctx context.Context) error

	Close() error
}

// Config はトークンストアの設定。
type Config struct {
	Driver string

	// Retention はexpiresAtが不明なトークンの保持期間。
	Retention time.Duration

	Redis *RedisConfig
}

// RedisConfig はredisドライバの接続設定。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

const defaultRetention = 30 * 24 * time.Hour

func retentionOf(cfg Config) time.Duration {
	if cfg.Retention <= 0 {
		return defaultRetention
	}
	return cfg.Retention
}
