// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/devicegate/internal/model"
)

// SessionRepository はログインセッションの参照インターフェース。
// セッションの発行・削除は外部の認証基盤が担う。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// SubscriptionRecordRepository は契約レコードの参照インターフェース。
type SubscriptionRecordRepository interface {
	// LatestActiveByAccount はstatusがactiveまたはtrialingの契約のうち、
	// created_atが最も新しいものを返す。存在しない場合はnilを返す。
	LatestActiveByAccount(ctx context.Context, accountID string) (*model.SubscriptionRecord, error)
}

// PlanRepository はプランカタログの参照インターフェース。
// 検索系メソッドはis_active = trueのプランのみを対象とする。
type PlanRepository interface {
	// FindActiveBySlug はslugが一致する有効なプランを返す。見つからない場合はnilを返す。
	FindActiveBySlug(ctx context.Context, slug string) (*model.Plan, error)

	// FindActiveByPrice は金額が一致する有効なプランを返す。
	// 該当なし、または複数のプランが一致して特定できない場合はnilを返す。
	FindActiveByPrice(ctx context.Context, amount int64) (*model.Plan, error)

	// ListActive は有効なプランをsort_order、amountの昇順で返す。
	ListActive(ctx context.Context) ([]*model.Plan, error)
}

// DeviceSessionQueries はアカウント単位のロックを保持したトランザクション内で
// 実行する端末セッション操作。
type DeviceSessionQueries interface {
	// ListActive はstatus = 'active' かつ last_seen > since のセッションを
	// last_seenの昇順（古い順）で返す。
	ListActive(ctx context.Context, accountID string, since time.Time) ([]*model.DeviceSession, error)

	// Touch は既存セッションのメタデータとlast_seenを更新し、statusをactiveにする。
	Touch(ctx context.Context, accountID, deviceID string, meta model.DeviceMetadata, now time.Time) error

	// Upsert はセッションを作成する。(account_id, device_id)が既に存在する場合は
	// statusをactiveに戻し、メタデータとlast_seenを更新する。
	// sessionのID、CreatedAtは保存後の値で上書きされる。
	Upsert(ctx context.Context, session *model.DeviceSession) error

	// KickByIDs は指定IDのアクティブなセッションをkickedにする。更新件数を返す。
	KickByIDs(ctx context.Context, accountID string, ids []string, now time.Time) (int64, error)

	// KickBySelector はsessionID、deviceIDのうち空でない条件すべてに一致する
	// アクティブなセッションをkickedにする。更新件数を返す。
	KickBySelector(ctx context.Context, accountID, sessionID, deviceID string, now time.Time) (int64, error)
}

// DeviceSessionRepository は端末セッション（Liveness Store）の永続化インターフェース。
type DeviceSessionRepository interface {
	// WithAccountLock はアカウント単位の排他ロックを取得したトランザクション内でfnを実行する。
	// fnがエラーを返した場合はロールバックし、変更は一切残らない。
	WithAccountLock(ctx context.Context, accountID string, fn func(q DeviceSessionQueries) error) error

	// TouchIfStale はアクティブなセッションのlast_seenをnowに更新する。
	// last_seenがNULL、またはstaleBefore以前かつliveSinceより後の場合のみ更新し、
	// 更新した場合はtrueを返す。
	TouchIfStale(ctx context.Context, accountID, deviceID string, now, staleBefore, liveSince time.Time) (bool, error)

	// ListByAccount はアカウントの全セッションをlast_seenの降順で返す。
	ListByAccount(ctx context.Context, accountID string) ([]*model.DeviceSession, error)

	// CountActive はlast_seen > since のアクティブなセッション数を返す。
	CountActive(ctx context.Context, accountID string, since time.Time) (int, error)

	// ListAccountsOverCount はlast_seen > since のアクティブなセッションを
	// minActive台より多く保持するアカウントを、afterAccountIDより後ろから
	// account_idの昇順で最大limit件返す。
	ListAccountsOverCount(ctx context.Context, since time.Time, minActive int, afterAccountID string, limit int) ([]AccountActiveCount, error)
}

// AccountActiveCount はアカウントとアクティブなセッション数の組。
type AccountActiveCount struct {
	AccountID   string
	ActiveCount int
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// queryer は*sql.DBと*sql.Txの共通メソッド。
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
