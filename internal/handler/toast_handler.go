package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/blogfront/internal/model"
	"github.com/hitoshi/blogfront/internal/notify"
	"github.com/hitoshi/blogfront/internal/session"
)

// toastListResponse は通知一覧のレスポンス。
type toastListResponse struct {
	Toasts []notify.Toast `json:"toasts"`
}

// sessionResponse はセッション状態のレスポンス。
type sessionResponse struct {
	User            *model.User   `json:"user"`
	Loading         bool          `json:"loading"`
	IsAuthenticated bool          `json:"isAuthenticated"`
	State           session.State `json:"state"`
}

// StateHandler はセッションストアと通知ストアのJSONビューを提供する。
type StateHandler struct{}

// NewStateHandler はStateHandlerを生成する。
func NewStateHandler() *StateHandler {
	return &StateHandler{}
}

// Session は現在のセッション状態を返す。
// GET /api/session
func (h *StateHandler) Session(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("missing profile"))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		User:            p.Session.User(),
		Loading:         p.Session.Loading(),
		IsAuthenticated: p.Session.IsAuthenticated(),
		State:           p.Session.State(),
	})
}

// ListToasts は表示中の通知を挿入順で返す。
// GET /api/toasts
func (h *StateHandler) ListToasts(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("missing profile"))
		return
	}
	toasts := p.Toasts.List()
	if toasts == nil {
		toasts = []notify.Toast{}
	}
	writeJSON(w, http.StatusOK, toastListResponse{Toasts: toasts})
}

// DismissToast は通知を期限前に削除する。
// 既に削除済みの場合は404を返すが、ストアの状態は変わらない。
// POST /toasts/{id}/dismiss
func (h *StateHandler) DismissToast(w http.ResponseWriter, r *http.Request) {
	p, err := ProfileFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("missing profile"))
		return
	}

	id := chi.URLParam(r, "id")
	if !p.Toasts.Remove(id) {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewToastNotFoundError(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
