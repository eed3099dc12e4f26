package tokenstore

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scoped は1つのプロファイルに束縛されたStorage。
// セッションストアのトークン置き場とapi.TokenSourceを兼ねる。
type Scoped struct {
	storage   Storage
	profileID string
}

// NewScoped はScopedを生成する。
func NewScoped(storage Storage, profileID string) *Scoped {
	return &Scoped{storage: storage, profileID: profileID}
}

// ProfileID は束縛先のプロファイルIDを返す。
func (s *Scoped) ProfileID() string {
	return s.profileID
}

// Token は保存されているトークンを返す。
func (s *Scoped) Token(ctx context.Context) (string, error) {
	return s.storage.Get(ctx, s.profileID)
}

// Save はトークンを保存する。JWT形式であればexpクレームを有効期限に使う。
// expが現在時刻以前の場合は時計のずれとみなし、保存期間の既定値に任せる。
// トークンの有効性はリモートAPIが判定する。
func (s *Scoped) Save(ctx context.Context, token string) error {
	expiresAt := ExpiryFromToken(token)
	if !expiresAt.After(time.Now()) {
		expiresAt = time.Time{}
	}
	return s.storage.Set(ctx, s.profileID, token, expiresAt)
}

// Remove はトークンを削除する。
func (s *Scoped) Remove(ctx context.Context) error {
	return s.storage.Remove(ctx, s.profileID)
}

// ExpiryFromToken はJWT形式のトークンからexpクレームを読み取る。
// 署名は検証しない。保存期間の決定にのみ使い、正当性の根拠にはしない。
// JWTでない場合やexpがない場合はゼロ値を返す。
func ExpiryFromToken(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
