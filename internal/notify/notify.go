// Package notify はプロファイルごとの一時的な通知（トースト）を管理する。
// 各トーストは一定時間後に自動で消え、明示的に閉じることもできる。
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL はトーストの表示時間。
const DefaultTTL = 4 * time.Second

// Kind はトーストの種類。
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
	KindWarning Kind = "warning"
)

// Toast は1件の通知。
type Toast struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recorder はトースト追加のメトリクス記録先。
type Recorder interface {
	RecordToast(kind string)
}

type entry struct {
	toast Toast
	timer *time.Timer
}

// Store はトーストの集合。並行に呼び出してよい。
type Store struct {
	mu       sync.Mutex
	entries  []*entry
	ttl      time.Duration
	closed   bool
	recorder Recorder
	now      func() time.Time
}

// Option はStoreの生成オプション。
type Option func(*Store)

// WithTTL は表示時間を設定する。
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(s *Store) {
		s.recorder = r
	}
}

// NewStore はStoreを生成する。
func NewStore(opts ...Option) *Store {
	s := &Store{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add はトーストを追加し、TTL経過後に自動で削除するタイマーを設定する。
// Close後の追加は破棄される。
func (s *Store) Add(kind Kind, message string) Toast {
	t := Toast{
		ID:        uuid.NewString(),
		Kind:      kind,
		Message:   message,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return t
	}
	e := &entry{toast: t}
	e.timer = time.AfterFunc(s.ttl, func() { s.Remove(t.ID) })
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordToast(string(kind))
	}
	return t
}

func (s *Store) Success(message string) Toast { return s.Add(KindSuccess, message) }
func (s *Store) Error(message string) Toast   { return s.Add(KindError, message) }
func (s *Store) Info(message string) Toast    { return s.Add(KindInfo, message) }
func (s *Store) Warning(message string) Toast { return s.Add(KindWarning, message) }

// Remove はトーストを削除しタイマーを停止する。存在しない場合はfalseを返す。
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.toast.ID != id {
			continue
		}
		e.timer.Stop()
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		return true
	}
	return false
}

// List は現在のトーストを追加順で返す。
func (s *Store) List() []Toast {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Toast, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.toast
	}
	return out
}

// Len は現在のトースト数を返す。
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close はすべてのタイマーを停止し、トーストを破棄する。
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.timer.Stop()
	}
	s.entries = nil
	s.closed = true
}
