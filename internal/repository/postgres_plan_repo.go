package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/devicegate/internal/model"
)

const planColumns = `slug, name, amount, currency, devices, features, is_active, sort_order`

// PostgresPlanRepo はPostgreSQLを使用したプランカタログリポジトリ（読み取り専用）。
type PostgresPlanRepo struct {
	db *sql.DB
}

// NewPostgresPlanRepo はPostgresPlanRepoを生成する。
func NewPostgresPlanRepo(db *sql.DB) *PostgresPlanRepo {
	return &PostgresPlanRepo{db: db}
}

// FindActiveBySlug はslugが一致する有効なプランを返す。見つからない場合はnilを返す。
func (r *PostgresPlanRepo) FindActiveBySlug(ctx context.Context, slug string) (*model.Plan, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE slug = $1 AND is_active = true`,
		slug,
	)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find plan by slug: %w", err)
	}
	return plan, nil
}

// FindActiveByPrice は金額が一致する有効なプランを返す。
// 一致するプランがちょうど1件でない場合はnilを返す。
func (r *PostgresPlanRepo) FindActiveByPrice(ctx context.Context, amount int64) (*model.Plan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE amount = $1 AND is_active = true LIMIT 2`,
		amount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find plan by price: %w", err)
	}
	plans, err := scanPlans(rows)
	if err != nil {
		return nil, err
	}
	if len(plans) != 1 {
		return nil, nil
	}
	return plans[0], nil
}

// ListActive は有効なプランをsort_order、amountの昇順で返す。
func (r *PostgresPlanRepo) ListActive(ctx context.Context) ([]*model.Plan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE is_active = true ORDER BY sort_order ASC, amount ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return scanPlans(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*model.Plan, error) {
	var (
		p        model.Plan
		devices  sql.NullInt64
		features []byte
	)
	if err := row.Scan(&p.Slug, &p.Name, &p.Amount, &p.Currency, &devices, &features, &p.IsActive, &p.SortOrder); err != nil {
		return nil, err
	}
	p.Devices = nullIntPtr(devices)
	p.Features = decodeFeatures(features)
	return &p, nil
}

func scanPlans(rows *sql.Rows) ([]*model.Plan, error) {
	defer rows.Close()

	var plans []*model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return plans, nil
}

// decodeFeatures はfeatures列を文字列のリストとして読み取る。
// 配列でない値や文字列以外の要素は無視する。
func decodeFeatures(raw []byte) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var values []any
	if err := json.Unmarshal(raw, &values); err != nil {
		return []string{}
	}
	features := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			features = append(features, s)
		}
	}
	return features
}

// compile-time interface check
var _ PlanRepository = (*PostgresPlanRepo)(nil)
