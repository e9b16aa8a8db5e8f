package model

import "time"

// Session はアカウントのログインセッションを表す。
// 発行は外部の認証基盤が行い、本サービスは参照のみ行う。
type Session struct {
	ID        string
	AccountID string
	ExpiresAt time.Time
	CreatedAt time.Time
}
