// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, device, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeMissingDeviceID    = "MISSING_DEVICE_ID"
	ErrCodeMissingSelector    = "MISSING_SELECTOR"
	ErrCodeDeviceIDTooLong    = "DEVICE_ID_TOO_LONG"
	ErrCodeDeviceLimitReached = "DEVICE_LIMIT_REACHED"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeCSRFInvalid        = "CSRF_TOKEN_INVALID"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// ErrStoreUnavailable はデータストアへのアクセス失敗を示す。
// 一時的な障害として扱い、呼び出し元での再試行が可能。
var ErrStoreUnavailable = errors.New("store unavailable")

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewMissingDeviceIDError はdevice_id未指定エラーを生成する。
func NewMissingDeviceIDError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingDeviceID,
		Message:  "device_idが指定されていません。",
		Category: "validation",
		Action:   "端末IDを指定して再度お試しください。",
	}
}

// NewDeviceIDTooLongError はdevice_idが長すぎる場合のエラーを生成する。
func NewDeviceIDTooLongError() *APIError {
	return &APIError{
		Code:     ErrCodeDeviceIDTooLong,
		Message:  fmt.Sprintf("device_idは%d文字以内で指定してください。", MaxDeviceIDLength),
		Category: "validation",
		Action:   "端末IDを短くして再度お試しください。",
	}
}

// NewMissingSelectorError は終了対象のセッション指定がない場合のエラーを生成する。
func NewMissingSelectorError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingSelector,
		Message:  "session_idまたはdevice_idが指定されていません。",
		Category: "validation",
		Action:   "終了するセッションのIDまたは端末IDを指定してください。",
	}
}

// NewStoreUnavailableError はデータストア一時障害エラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データストアに一時的にアクセスできません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// CapacityExceededError は同時利用端末数の上限に達していることを示す。
// 呼び出し元は ActiveCount と Limit を使って「他の端末からサインアウト」UIを提示できる。
type CapacityExceededError struct {
	ActiveCount int
	Limit       DeviceLimit
}

// Error はerrorインターフェースを実装する。
func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("device limit reached (%s): %d active", e.Limit, e.ActiveCount)
}

// APIError は統一エラーフォーマットに変換する。
func (e *CapacityExceededError) APIError() *APIError {
	return &APIError{
		Code:     ErrCodeDeviceLimitReached,
		Message:  fmt.Sprintf("同時利用端末数の上限（%s台）に達しています。", e.Limit),
		Category: "device",
		Action:   "他の端末からサインアウトするか、プランをアップグレードしてください。",
	}
}
