// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// DeviceLimit は同時利用可能な端末数を表す。
// 有限値（Finite）または無制限（Unlimited）のいずれか。
// ゼロ値は有限値0ではなく、最小値1として扱う。
type DeviceLimit struct {
	n         int
	unlimited bool
}

// DefaultDeviceLimit は契約が解決できない場合の安全側の上限（1台）。
var DefaultDeviceLimit = FiniteLimit(1)

// FiniteLimit は有限の上限を生成する。1未満は1に切り上げる。
func FiniteLimit(n int) DeviceLimit {
	if n < 1 {
		n = 1
	}
	return DeviceLimit{n: n}
}

// UnlimitedLimit は無制限の上限を生成する。
func UnlimitedLimit() DeviceLimit {
	return DeviceLimit{unlimited: true}
}

// LimitFromDevices はplans.devices列の値から上限を生成する。
// NULL（nil）は無制限を意味する。
func LimitFromDevices(devices *int) DeviceLimit {
	if devices == nil {
		return UnlimitedLimit()
	}
	return FiniteLimit(*devices)
}

// IsUnlimited は無制限かどうかを返す。
func (l DeviceLimit) IsUnlimited() bool {
	return l.unlimited
}

// Value は有限の上限値を返す。無制限の場合はfalseを返す。
func (l DeviceLimit) Value() (int, bool) {
	if l.unlimited {
		return 0, false
	}
	return l.max(), true
}

// Allows はactive台の端末が利用中のとき、さらに1台を追加できるかを返す。
func (l DeviceLimit) Allows(active int) bool {
	if l.unlimited {
		return true
	}
	return active < l.max()
}

// Overflow はactive台のうち上限を超過している台数を返す。
func (l DeviceLimit) Overflow(active int) int {
	if l.unlimited || active <= l.max() {
		return 0
	}
	return active - l.max()
}

// String は上限の表示用文字列を返す。
func (l DeviceLimit) String() string {
	if l.unlimited {
		return "unlimited"
	}
	return strconv.Itoa(l.max())
}

// MarshalJSON は有限値を数値、無制限を文字列 "unlimited" としてエンコードする。
func (l DeviceLimit) MarshalJSON() ([]byte, error) {
	if l.unlimited {
		return json.Marshal("unlimited")
	}
	return json.Marshal(l.max())
}

func (l DeviceLimit) max() int {
	if l.n < 1 {
		return 1
	}
	return l.n
}

// SubscriptionStatus は契約レコードのステータス。
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
)

// SubscriptionRecord はアカウントの契約レコードを表す（読み取り専用）。
// 複数の上流ワークフローから作成されるため、プランを識別するフィールド名が一定しない。
type SubscriptionRecord struct {
	ID        string
	AccountID string

	// プラン識別子（いずれか1つ以上が設定される）
	Plan     *string
	PlanSlug *string
	Slug     *string

	// 金額（いずれか1つ以上が設定される）
	Amount   *float64
	Price    *float64
	Currency *string

	Status SubscriptionStatus

	// 期限関連
	CurrentPeriodEnd *time.Time
	EndsAt           *time.Time
	CancelAt         *time.Time
	CancelledAt      *time.Time

	CreatedAt time.Time
}

// Plan はプランカタログのエントリを表す（読み取り専用）。
type Plan struct {
	Slug      string
	Name      string
	Amount    int64
	Currency  string
	Devices   *int // nilは無制限
	Features  []string
	IsActive  bool
	SortOrder int
}

// DeviceLimit はプランの同時利用端末数上限を返す。
func (p *Plan) DeviceLimit() DeviceLimit {
	return LimitFromDevices(p.Devices)
}
