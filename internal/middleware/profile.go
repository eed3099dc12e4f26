// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// ProfileCookieName はプロファイルIDを保持するCookieの名前。
// ブラウザが保持するのはこの不透明なIDのみで、Bearerトークンはサーバー側に置く。
const ProfileCookieName = "profile_id"

// DefaultProfileMaxAge はプロファイルCookieのデフォルト有効期間（秒）。30日。
const DefaultProfileMaxAge = 30 * 24 * 60 * 60

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var profileIDContextKey = contextKey("profile_id")

// ProfileConfig はプロファイルミドルウェアの設定。
type ProfileConfig struct {
	CookieSecure bool
	CookieDomain string
	MaxAge       int
}

// NewProfileMiddleware はprofile_id Cookieを読み取り、なければ発行するミドルウェアを返す。
// UUIDとして解釈できない値は新しいIDで置き換える。
// プロファイルIDはリクエストコンテキストに注入され、ログにも記録される。
func NewProfileMiddleware(config ProfileConfig) func(next http.Handler) http.Handler {
	maxAge := config.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultProfileMaxAge
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profileID := ""
			if cookie, err := r.Cookie(ProfileCookieName); err == nil {
				if id, err := uuid.Parse(cookie.Value); err == nil {
					profileID = id.String()
				}
			}

			if profileID == "" {
				profileID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     ProfileCookieName,
					Value:    profileID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   maxAge,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			annotate(r.Context(), func(f *logFields) { f.profileID = profileID })
			ctx := context.WithValue(r.Context(), profileIDContextKey, profileID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProfileIDFromContext はリクエストコンテキストからプロファイルIDを取得する。
// プロファイルミドルウェアを通過したリクエストでのみ有効。
func ProfileIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(profileIDContextKey).(string)
	if !ok || id == "" {
		return "", fmt.Errorf("profile ID not found in context")
	}
	return id, nil
}

// ContextWithProfileID はコンテキストにプロファイルIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithProfileID(ctx context.Context, profileID string) context.Context {
	return context.WithValue(ctx, profileIDContextKey, profileID)
}
