// Package api はリモートブログAPIのサービスクライアントを提供する。
// 1操作につき1回のHTTPリクエストを発行し、レスポンスを正規化して返す。
// 自動リトライは行わない。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL はリモートAPIのデフォルトのベースURL。
	DefaultBaseURL = "http://localhost:8080/api"

	// defaultErrorMessage はエラーレスポンスにmessageが含まれない場合のメッセージ。
	defaultErrorMessage = "Something went wrong"
)

// ErrNoToken はトークンが保存されていない状態で認証必須の操作を呼んだ場合のエラー。
var ErrNoToken = errors.New("no token found")

// Error はリモートAPI呼び出しの正規化されたエラー。
// HTTPエラーもネットワークエラーもこの型に集約される。
// StatusCodeが0の場合はレスポンスを受信できなかったことを示す。
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return e.Message
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// MessageOf はエラーからユーザー向けメッセージを取り出す。
// *Error 以外のエラーやメッセージが空の場合はfallbackを返す。
func MessageOf(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// StatusOf はエラーが保持するHTTPステータスコードを返す。不明な場合は0。
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// TokenSource は現在保存されているBearerトークンを読み取るインターフェース。
// リクエスト構築側は読み取りのみ行い、書き込みはセッションストアだけが行う。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken は固定のトークンを返すTokenSource。
type StaticToken string

// Token はTokenSourceを実装する。
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Recorder はAPI呼び出しのメトリクス記録先。
type Recorder interface {
	RecordAPIRequest(operation string, statusCode int, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordAPIRequest(string, int, time.Duration) {}

// Client はリモートAPIへのHTTPトランスポート。
// ベースURL、HTTPクライアント、ロガー、メトリクス記録先を保持する。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	recorder   Recorder
}

// Option はClientの生成オプション。
type Option func(*Client)

// WithHTTPClient は使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// NewClient はClientを生成する。baseURLが空の場合はDefaultBaseURLを使用する。
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		recorder:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL はリモートAPIのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// call は1回のAPI呼び出しを表す。
type call struct {
	operation   string
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	// tokenが空の場合Authorizationヘッダーは付与しない
	token string
}

// do はAPIリクエストを1回だけ送信し、レスポンスをoutにデコードする。
// ステータスコードに関わらずボディをJSONとして解析し、
// 失敗ステータスの場合はボディのmessageフィールドを持つ*Errorを返す。
func (c *Client) do(ctx context.Context, cl call, out any) error {
	start := time.Now()

	reqURL := c.baseURL + cl.path
	if len(cl.query) > 0 {
		reqURL += "?" + cl.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, reqURL, cl.body)
	if err != nil {
		return &Error{Message: fmt.Sprintf("failed to create request: %v", err), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recorder.RecordAPIRequest(cl.operation, 0, time.Since(start))
		c.logger.Error("api request failed",
			slog.String("operation", cl.operation),
			slog.String("error", err.Error()),
		)
		return &Error{Message: fmt.Sprintf("request failed: %v", err), Err: err}
	}
	defer resp.Body.Close()

	c.recorder.RecordAPIRequest(cl.operation, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read response: %v", err),
			Err:        err,
		}
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	trimmed := bytes.TrimSpace(body)

	var envelope struct {
		Message string `json:"message"`
	}
	var parseErr error
	if len(trimmed) > 0 {
		parseErr = json.Unmarshal(trimmed, &envelope)
	}

	if !ok {
		msg := defaultErrorMessage
		if parseErr == nil && envelope.Message != "" {
			msg = envelope.Message
		}
		c.logger.Warn("api returned error status",
			slog.String("operation", cl.operation),
			slog.Int("http_status", resp.StatusCode),
			slog.String("message", msg),
		)
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	if len(trimmed) == 0 || out == nil {
		return nil
	}
	if parseErr != nil {
		return &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to parse response: %v", parseErr),
			Err:        parseErr,
		}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to parse response: %v", err),
			Err:        err,
		}
	}
	return nil
}

// jsonBody は値をJSONエンコードしたリクエストボディを返す。
func jsonBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("failed to encode request: %v", err), Err: err}
	}
	return bytes.NewReader(data), nil
}
