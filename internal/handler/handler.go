// Package handler はHTTPハンドラーを提供する。
// HTMLページはview.Rendererで描画し、状態はプロファイルごとのセッションストアと通知ストアに保持する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/blogfront/internal/api"
	"github.com/hitoshi/blogfront/internal/middleware"
	"github.com/hitoshi/blogfront/internal/model"
	"github.com/hitoshi/blogfront/internal/session"
	"github.com/hitoshi/blogfront/internal/view"
)

type contextKey string

var profileContextKey = contextKey("profile")

// errNoProfile はプロファイルローダーの外側でプロファイルを参照した場合のエラー。
var errNoProfile = errors.New("profile not loaded")

// ProfileFromContext はリクエストに紐づくプロファイルを返す。
func ProfileFromContext(ctx context.Context) (*session.Profile, error) {
	p, ok := ctx.Value(profileContextKey).(*session.Profile)
	if !ok || p == nil {
		return nil, errNoProfile
	}
	return p, nil
}

// ContextWithProfile はコンテキストにプロファイルを注入する。
func ContextWithProfile(ctx context.Context, p *session.Profile) context.Context {
	return context.WithValue(ctx, profileContextKey, p)
}

// NewProfileLoader はprofile_idに対応するプロファイルを取得してコンテキストに注入するミドルウェアを返す。
// セッションの初期化が完了するまで待つため、後段のハンドラーは常に確定した認証状態を参照できる。
func NewProfileLoader(registry *session.Registry, logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profileID, err := middleware.ProfileIDFromContext(r.Context())
			if err != nil {
				if middleware.WantsJSON(r) {
					writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("missing profile"))
					return
				}
				http.Error(w, "missing profile", http.StatusBadRequest)
				return
			}

			p, err := registry.Get(r.Context(), profileID)
			if err != nil {
				logger.Warn("failed to load profile",
					slog.String("profile_id", profileID),
					slog.String("error", err.Error()),
				)
				// 初期化はリモートAPIでのトークン検証を待つため、上流の失敗として扱う
				if middleware.WantsJSON(r) {
					writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewUpstreamError("Session could not be restored."))
					return
				}
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			if u := p.Session.User(); u != nil {
				middleware.AnnotateUserID(r.Context(), u.ID)
			}
			next.ServeHTTP(w, r.WithContext(ContextWithProfile(r.Context(), p)))
		})
	}
}

// RequireAuth は未認証のリクエストを/loginへリダイレクトするミドルウェア。
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := ProfileFromContext(r.Context())
		if err != nil || !p.Session.IsAuthenticated() {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pages はHTMLページを描画するハンドラーの共通部分。
type pages struct {
	renderer *view.Renderer
	logger   *slog.Logger
}

// page はプロファイルの状態から共通のテンプレートデータを組み立てる。
func (h pages) page(r *http.Request, title string, data any) view.Page {
	pg := view.Page{
		Title:     title,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		Data:      data,
	}
	if p, err := ProfileFromContext(r.Context()); err == nil {
		pg.User = p.Session.User()
		pg.Toasts = p.Toasts.List()
	}
	return pg
}

func (h pages) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	h.renderer.Render(w, status, name, h.page(r, title, data))
}

func (h pages) notFound(w http.ResponseWriter, r *http.Request, heading string) {
	h.render(w, r, http.StatusNotFound, view.PageNotFound, heading, view.MessageData{Heading: heading})
}

// redirect はPOST後のリダイレクトを行う。
func redirect(w http.ResponseWriter, r *http.Request, path string) {
	http.Redirect(w, r, path, http.StatusSeeOther)
}

// statusForAPIError はリモートAPIのエラーを画面のステータスコードに変換する。
// 4xxはそのまま、5xxと通信エラーは502にする。
func statusForAPIError(err error) int {
	status := api.StatusOf(err)
	if status >= 400 && status < 500 {
		return status
	}
	return http.StatusBadGateway
}

// pageParam はクエリのpageを解析する。不正値は1とする。
func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}
