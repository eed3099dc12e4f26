package tokenstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore はPostgreSQLのprofile_tokensテーブルを使用するStorage。
// スキーマはdatabaseパッケージのマイグレーションで作成する。
type PostgresStore struct {
	db        *sql.DB
	retention time.Duration
}

// NewPostgres はPostgresStoreを生成する。dbのクローズは呼び出し側の責務。
func NewPostgres(db *sql.DB, cfg Config) *PostgresStore {
	return &PostgresStore{db: db, retention: retentionOf(cfg)}
}

// Get は有効期限内のトークンを取得する。
func (s *PostgresStore) Get(ctx context.Context, profileID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM profile_tokens
		 WHERE profile_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		profileID,
	).Scan(&token)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find token: %w", err)
	}
	return token, nil
}

// Set はトークンをUPSERTする。
func (s *PostgresStore) Set(ctx context.Context, profileID, token string, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(s.retention)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_tokens (profile_id, token, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (profile_id)
		 DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		profileID, token, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Remove はトークンを削除する。
func (s *PostgresStore) Remove(ctx context.Context, profileID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM profile_tokens WHERE profile_id = $1`,
		profileID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのトークンを一括削除する。
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM profile_tokens WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Ping はDBへの疎通を確認する。
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close は何もしない。
func (s *PostgresStore) Close() error {
	return nil
}

var _ Storage = (*PostgresStore)(nil)
