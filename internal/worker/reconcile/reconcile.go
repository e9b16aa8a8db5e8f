// Package reconcile は端末数上限を超過したアカウントを是正するバッチジョブを提供する。
// プランのダウングレードや上限判定導入前のデータにより上限を超えて残った
// アクティブなセッションを、古い順にkickedにする。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/devicegate/internal/repository"
)

const (
	// DefaultInterval はバッチサイクルのデフォルト実行間隔。
	DefaultInterval = time.Minute
	// DefaultBatchSize は1回の問い合わせで取得するアカウント数のデフォルト値。
	DefaultBatchSize = 100
	// minimumLimit はどのアカウントにも保証される最小の上限。
	// これ以下のアクティブ数のアカウントは是正対象にならない。
	minimumLimit = 1
)

// AccountLister は是正候補のアカウントを列挙するインターフェース。
type AccountLister interface {
	ListAccountsOverCount(ctx context.Context, since time.Time, minActive int, afterAccountID string, limit int) ([]repository.AccountActiveCount, error)
}

// Enforcer はアカウントの端末数上限を強制するインターフェース。lease.Serviceが実装する。
type Enforcer interface {
	Enforce(ctx context.Context, accountID string) (int, error)
}

// Config はジョブの設定。ゼロ値の項目はデフォルト値を使用する。
type Config struct {
	Interval       time.Duration
	LivenessWindow time.Duration
	BatchSize      int
}

// Result は1サイクルの実行結果。
type Result struct {
	Checked int // 是正候補として確認したアカウント数
	Kicked  int // kickedにしたセッション数
	Failed  int // Enforceに失敗したアカウント数
}

// Job は上限超過アカウントの是正ジョブ。
type Job struct {
	lister   AccountLister
	enforcer Enforcer
	logger   *slog.Logger
	config   Config
	now      func() time.Time
}

// NewJob は新しいJobを生成する。
func NewJob(lister AccountLister, enforcer Enforcer, logger *slog.Logger, config Config) *Job {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.LivenessWindow <= 0 {
		config.LivenessWindow = 5 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	return &Job{
		lister:   lister,
		enforcer: enforcer,
		logger:   logger,
		config:   config,
		now:      time.Now,
	}
}

// Start はバッチジョブを定期実行する。
// 起動直後に1回実行し、その後Interval間隔で実行する。
// ctxがキャンセルされると停止する。
func (j *Job) Start(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("端末数是正ジョブを開始しました",
		slog.Duration("interval", j.config.Interval),
		slog.Int("batch_size", j.config.BatchSize),
	)

	j.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("端末数是正ジョブを停止しました")
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

func (j *Job) runAndLog(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("端末数是正サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は1サイクル分の是正を実行する。
// 候補アカウントをaccount_id順にページングしながら列挙し、それぞれEnforceを呼ぶ。
// 個々のアカウントの失敗はログに記録して次のアカウントへ進む。
// 候補の列挙に失敗した場合はそこで中断してエラーを返す。
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	start := j.now()
	since := start.Add(-j.config.LivenessWindow)

	var result Result
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		accounts, err := j.lister.ListAccountsOverCount(ctx, since, minimumLimit, after, j.config.BatchSize)
		if err != nil {
			return result, fmt.Errorf("是正候補アカウントの取得に失敗: %w", err)
		}

		for _, a := range accounts {
			result.Checked++
			kicked, err := j.enforcer.Enforce(ctx, a.AccountID)
			if err != nil {
				result.Failed++
				j.logger.Warn("アカウントの端末数是正に失敗しました",
					slog.String("account_id", a.AccountID),
					slog.Int("active_count", a.ActiveCount),
					slog.String("error", err.Error()),
				)
				continue
			}
			result.Kicked += kicked
		}

		if len(accounts) < j.config.BatchSize {
			break
		}
		after = accounts[len(accounts)-1].AccountID
	}

	j.logger.Info("端末数是正サイクルが完了しました",
		slog.Int("checked", result.Checked),
		slog.Int("kicked", result.Kicked),
		slog.Int("failed", result.Failed),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)

	return result, nil
}
