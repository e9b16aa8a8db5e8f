// Package model はドメインモデルを定義する。
package model

import "time"

// DeviceStatus は端末セッションの状態を表す。
type DeviceStatus string

const (
	// DeviceStatusActive は端末が利用枠を保持している状態。
	DeviceStatusActive DeviceStatus = "active"
	// DeviceStatusKicked は端末が枠を失った状態（追い出し・明示的な終了）。
	// 行は削除されず、次回の登録成功で active に戻る。
	DeviceStatusKicked DeviceStatus = "kicked"
)

// DeviceSession はアカウントと端末の組ごとの利用状況を表す。
// (AccountID, DeviceID) の組は一意。
type DeviceSession struct {
	ID         string
	AccountID  string
	DeviceID   string
	DeviceName *string
	UserAgent  *string
	Status     DeviceStatus
	LastSeen   *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsLive はsince以降に最終アクセスがあるアクティブなセッションかどうかを返す。
func (d *DeviceSession) IsLive(since time.Time) bool {
	return d.Status == DeviceStatusActive && d.LastSeen != nil && d.LastSeen.After(since)
}

const (
	// MaxDeviceIDLength はdevice_idの最大文字数（device_sessions.device_idの列幅）。
	MaxDeviceIDLength = 255

	// MaxDeviceNameLength はdevice_nameの最大文字数。超過分は切り詰める。
	MaxDeviceNameLength = 255
)

// DeviceMetadata は登録時に端末から送られる説明情報。
// 上限判定には使用しない。
type DeviceMetadata struct {
	DeviceName *string
	UserAgent  *string
}
