// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 期限切れのログインセッションと、保持期間（デフォルト180日）を超過した
// キュー閲覧履歴を定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ohq/internal/metrics"
)

// メトリクスの削除対象ラベル。
const (
	TargetSessions = "sessions"
	TargetHistory  = "queue_history"
)

// DefaultRetentionDays は閲覧履歴のデフォルト保持日数。
const DefaultRetentionDays = 180

// SessionPurger は期限切れセッションを削除する。repository.SessionRepositoryが実装する。
type SessionPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// HistoryPurger は古い閲覧履歴を削除する。repository.HistoryRepositoryが実装する。
type HistoryPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob はセッションと閲覧履歴の削除ジョブ。
// 削除は冪等で、対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions      SessionPurger
	history       HistoryPurger
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 閲覧履歴の保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。collectorはnilでもよい。
func NewCleanupJob(sessions SessionPurger, history HistoryPurger, collector metrics.MetricsCollector, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions:      sessions,
		history:       history,
		metrics:       collector,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run は期限切れセッションと保持期間を超えた閲覧履歴を削除する。
// セッション削除に失敗しても履歴の削除は試み、最初のエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var firstErr error

	sessionCount, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("セッションの削除に失敗しました", slog.String("error", err.Error()))
		firstErr = fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
	} else {
		j.record(TargetSessions, sessionCount)
	}

	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)
	historyCount, err := j.history.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("閲覧履歴の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		if firstErr == nil {
			firstErr = fmt.Errorf("閲覧履歴の削除に失敗: %w", err)
		}
	} else {
		j.record(TargetHistory, historyCount)
	}

	if firstErr != nil {
		return firstErr
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessionCount),
		slog.Int64("deleted_history", historyCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) record(target string, count int64) {
	if j.metrics != nil {
		j.metrics.RecordCleanup(target, count)
	}
}

// Start は起動直後に1回実行し、その後intervalごとにRunを繰り返す。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}
