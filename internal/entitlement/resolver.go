// Package entitlement はアカウントが同時に利用できる端末数の上限を解決する。
package entitlement

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/devicegate/internal/metrics"
	"github.com/hitoshi/devicegate/internal/model"
	"github.com/hitoshi/devicegate/internal/repository"
)

// 上限の解決元
const (
	SourceNone    = "none"    // 有効な契約なし
	SourceInvalid = "invalid" // 契約が期限切れ・解約済み
	SourceSlug    = "slug"    // プラン識別子で一致
	SourcePrice   = "price"   // 金額で一致
	SourceDefault = "default" // 契約はあるがプランを特定できない
)

// Resolution は上限の解決結果を表す。
type Resolution struct {
	Limit  model.DeviceLimit
	Source string
	Plan   *model.Plan
}

// Resolver は契約レコードとプランカタログから端末数上限を解決する。
type Resolver struct {
	subs    repository.SubscriptionRecordRepository
	plans   repository.PlanRepository
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// NewResolver はResolverを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewResolver(subs repository.SubscriptionRecordRepository, plans repository.PlanRepository, collector metrics.MetricsCollector) *Resolver {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Resolver{
		subs:    subs,
		plans:   plans,
		metrics: collector,
		now:     time.Now,
	}
}

// Resolve はアカウントの現在の端末数上限を返す。
// プランを特定できない場合は1台を返し、エラーにはしない。
// データストアへのアクセスに失敗した場合のみmodel.ErrStoreUnavailableをラップしたエラーを返す。
func (r *Resolver) Resolve(ctx context.Context, accountID string) (model.DeviceLimit, error) {
	res, err := r.ResolveDetail(ctx, accountID)
	if err != nil {
		return model.DefaultDeviceLimit, err
	}
	return res.Limit, nil
}

// ResolveDetail は上限と解決元を返す。
func (r *Resolver) ResolveDetail(ctx context.Context, accountID string) (*Resolution, error) {
	res, err := r.resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordEntitlementSource(res.Source)
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, accountID string) (*Resolution, error) {
	sub, err := r.subs.LatestActiveByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: 契約レコードの取得に失敗しました: %w", model.ErrStoreUnavailable, err)
	}
	if sub == nil {
		return &Resolution{Limit: model.DefaultDeviceLimit, Source: SourceNone}, nil
	}
	if !IsCurrentlyValid(sub, r.now()) {
		return &Resolution{Limit: model.DefaultDeviceLimit, Source: SourceInvalid}, nil
	}

	if key, ok := PlanKey(sub); ok {
		plan, err := r.plans.FindActiveBySlug(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: プランの取得に失敗しました: %w", model.ErrStoreUnavailable, err)
		}
		if plan != nil {
			return &Resolution{Limit: plan.DeviceLimit(), Source: SourceSlug, Plan: plan}, nil
		}
	}

	if amount, ok := PriceKey(sub); ok {
		plan, err := r.plans.FindActiveByPrice(ctx, amount)
		if err != nil {
			return nil, fmt.Errorf("%w: プランの取得に失敗しました: %w", model.ErrStoreUnavailable, err)
		}
		if plan != nil {
			return &Resolution{Limit: plan.DeviceLimit(), Source: SourcePrice, Plan: plan}, nil
		}
	}

	return &Resolution{Limit: model.DefaultDeviceLimit, Source: SourceDefault}, nil
}

// IsCurrentlyValid は契約がnow時点で有効かを判定する。
// statusがactive/trialingであり、設定済みの期限がすべて未来で、解約日時が未設定であること。
func IsCurrentlyValid(sub *model.SubscriptionRecord, now time.Time) bool {
	if sub.Status != model.SubscriptionStatusActive && sub.Status != model.SubscriptionStatusTrialing {
		return false
	}
	for _, deadline := range []*time.Time{sub.CurrentPeriodEnd, sub.EndsAt, sub.CancelAt} {
		if deadline != nil && !deadline.After(now) {
			return false
		}
	}
	return sub.CancelledAt == nil
}

// planKeyExtractor は契約レコードからプラン識別子の候補を取り出す。
type planKeyExtractor func(sub *model.SubscriptionRecord) (string, bool)

// planKeyExtractors は優先順に並べた識別子の取り出し関数。
var planKeyExtractors = []planKeyExtractor{
	func(s *model.SubscriptionRecord) (string, bool) { return normalizedField(s.PlanSlug) },
	func(s *model.SubscriptionRecord) (string, bool) { return normalizedField(s.Slug) },
	func(s *model.SubscriptionRecord) (string, bool) { return normalizedField(s.Plan) },
}

// PlanKey は最初に見つかった空でないプラン識別子を正規化して返す。
func PlanKey(sub *model.SubscriptionRecord) (string, bool) {
	for _, extract := range planKeyExtractors {
		if key, ok := extract(sub); ok {
			return key, true
		}
	}
	return "", false
}

// PriceKey はamount、priceの順で最初に設定されている金額を整数に丸めて返す。
func PriceKey(sub *model.SubscriptionRecord) (int64, bool) {
	for _, v := range []*float64{sub.Amount, sub.Price} {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			continue
		}
		return int64(math.Round(*v)), true
	}
	return 0, false
}

func normalizedField(v *string) (string, bool) {
	if v == nil {
		return "", false
	}
	key := NormalizeSlug(*v)
	return key, key != ""
}

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	underscoreRun = regexp.MustCompile(`_+`)
)

// NormalizeSlug はプラン識別子を正規化する。
// 前後の空白を除去して小文字化し、連続する空白とアンダースコアをそれぞれ1つのハイフンに置き換える。
func NormalizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = whitespaceRun.ReplaceAllString(s, "-")
	return underscoreRun.ReplaceAllString(s, "-")
}
