package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/devicegate/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した契約レコードリポジトリ（読み取り専用）。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// LatestActiveByAccount はアカウントの最新のactive/trialing契約を返す。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) LatestActiveByAccount(ctx context.Context, accountID string) (*model.SubscriptionRecord, error) {
	var (
		sub                                   model.SubscriptionRecord
		plan, planSlug, slug, currency        sql.NullString
		amount, price                         sql.NullFloat64
		periodEnd, endsAt, cancelAt, cancelled sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, account_id, plan, plan_slug, slug, amount, price, currency, status,
		        current_period_end, ends_at, cancel_at, cancelled_at, created_at
		 FROM subscriptions
		 WHERE account_id = $1 AND status IN ('active', 'trialing')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		accountID,
	).Scan(
		&sub.ID, &sub.AccountID, &plan, &planSlug, &slug, &amount, &price, &currency, &sub.Status,
		&periodEnd, &endsAt, &cancelAt, &cancelled, &sub.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("契約レコードの取得に失敗しました: %w", err)
	}

	sub.Plan = nullStringPtr(plan)
	sub.PlanSlug = nullStringPtr(planSlug)
	sub.Slug = nullStringPtr(slug)
	sub.Amount = nullFloatPtr(amount)
	sub.Price = nullFloatPtr(price)
	sub.Currency = nullStringPtr(currency)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.EndsAt = nullTimePtr(endsAt)
	sub.CancelAt = nullTimePtr(cancelAt)
	sub.CancelledAt = nullTimePtr(cancelled)

	return &sub, nil
}

// compile-time interface check
var _ SubscriptionRecordRepository = (*PostgresSubscriptionRepo)(nil)
