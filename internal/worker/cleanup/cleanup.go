// Package cleanup は期限切れトークンの削除ジョブを提供する。
// トークンストアに残った失効済みのBearerトークンを定期的に削除する。
// redisドライバはTTLで失効するため、削除件数は常に0になる。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Expirer は期限切れトークンを削除するインターフェース。tokenstore.Storageが満たす。
type Expirer interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Recorder は削除件数の記録先。
type Recorder interface {
	RecordTokensCleaned(count int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordTokensCleaned(int64) {}

// CleanupJob は期限切れトークンの削除ジョブ。
// 何度実行しても結果が変わらない冪等な削除処理を行う。
type CleanupJob struct {
	store    Expirer
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderがnilの場合は記録しない。
func NewCleanupJob(store Expirer, recorder Recorder, logger *slog.Logger) *CleanupJob {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		store:    store,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}
}

// Run は現在時刻の時点で期限切れのトークンを削除する。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	deletedCount, err := j.store.DeleteExpired(ctx, start)
	if err != nil {
		j.logger.Error("token cleanup failed",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to delete expired tokens: %w", err)
	}

	j.recorder.RecordTokensCleaned(deletedCount)
	j.logger.Info("token cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Loop はintervalごとにRunを実行する。起動直後に1回実行し、ctxがキャンセルされるまで戻らない。
// 個々の実行の失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Loop(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
