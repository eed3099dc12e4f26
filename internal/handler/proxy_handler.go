package handler

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/blogfront/internal/metrics"
	"github.com/hitoshi/blogfront/internal/security"
)

const (
	// DefaultProxyMaxSize は画像プロキシが中継する最大バイト数。
	DefaultProxyMaxSize = 10 << 20

	proxyCacheControl  = "public, max-age=86400"
	defaultImageType   = "image/jpeg"
	msgProxyMissingURL = "URL parameter is required"
	msgProxyNotFound   = "Image not found"
)

// ProxyRecorder は画像プロキシの結果の記録先。
type ProxyRecorder interface {
	RecordProxy(result string)
}

type nopProxyRecorder struct{}

func (nopProxyRecorder) RecordProxy(string) {}

// ProxyHandler は外部画像を自オリジン経由で配信する画像プロキシ。
type ProxyHandler struct {
	guard    *security.SSRFGuard
	maxSize  int64
	recorder ProxyRecorder
	logger   *slog.Logger
}

// NewProxyHandler はProxyHandlerを生成する。
func NewProxyHandler(guard *security.SSRFGuard, maxSize int64, recorder ProxyRecorder, logger *slog.Logger) *ProxyHandler {
	if maxSize <= 0 {
		maxSize = DefaultProxyMaxSize
	}
	if recorder == nil {
		recorder = nopProxyRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyHandler{
		guard:    guard,
		maxSize:  maxSize,
		recorder: recorder,
		logger:   logger,
	}
}

// writePlainText はメッセージをそのままボディに書き込む。http.Errorと違い改行を付けない。
func writePlainText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}

// ServeHTTP は?url=の画像を取得して中継する。
// パラメータがなければ400、取得に失敗した場合は理由を問わず404を返す。
// GET /api/proxy?url=
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		h.recorder.RecordProxy(metrics.ProxyResultBadReq)
		writePlainText(w, http.StatusBadRequest, msgProxyMissingURL)
		return
	}

	body, contentType, err := h.fetch(r, target)
	if err != nil {
		h.logger.Warn("image proxy fetch failed",
			slog.String("url", target),
			slog.String("error", err.Error()),
		)
		if err == errProxyTooLarge {
			h.recorder.RecordProxy(metrics.ProxyResultTooLarge)
		} else {
			h.recorder.RecordProxy(metrics.ProxyResultNotFound)
		}
		writePlainText(w, http.StatusNotFound, msgProxyNotFound)
		return
	}

	h.recorder.RecordProxy(metrics.ProxyResultOK)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", proxyCacheControl)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

var errProxyTooLarge = fmt.Errorf("image exceeds size limit")

// fetch は画像を取得し、本文とContent-Typeを返す。
// 画像以外のContent-Typeは自オリジンで配信しないよう拒否する。
func (h *ProxyHandler) fetch(r *http.Request, target string) ([]byte, string, error) {
	if err := h.guard.ValidateURL(target); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := h.guard.ClientFor(target).Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultImageType
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, "", fmt.Errorf("unexpected content type %q", contentType)
	}

	if resp.ContentLength > h.maxSize {
		return nil, "", errProxyTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > h.maxSize {
		return nil, "", errProxyTooLarge
	}
	return body, contentType, nil
}
