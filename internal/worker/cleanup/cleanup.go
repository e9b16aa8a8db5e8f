// Package cleanup は有効期限切れのログインセッションを削除するジョブを提供する。
// 端末セッション（device_sessions）は削除しない。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultInterval はジョブの実行間隔。
	DefaultInterval = 24 * time.Hour
	// DefaultGrace は有効期限切れから削除までの猶予期間。
	DefaultGrace = 24 * time.Hour
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は有効期限切れログインセッションの削除ジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	db       Executor
	logger   *slog.Logger
	Interval time.Duration
	Grace    time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:       db,
		logger:   logger,
		Interval: DefaultInterval,
		Grace:    DefaultGrace,
	}
}

// Start はジョブを起動直後に1回実行し、以降Intervalごとに実行する。
// ctxがキャンセルされると終了する。失敗はログに記録して次のサイクルを待つ。
func (j *CleanupJob) Start(ctx context.Context) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(j.Interval)
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

// Run はexpires_atからGrace以上経過したログインセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	grace := fmt.Sprintf("%d seconds", int64(j.Grace/time.Second))

	query := `DELETE FROM login_sessions WHERE expires_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, grace)
	if err != nil {
		j.logger.Error("ログインセッションのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("grace", j.Grace),
		)
		return fmt.Errorf("ログインセッションのクリーンアップに失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("ログインセッションのクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("grace", j.Grace),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
