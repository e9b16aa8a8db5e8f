package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/devicegate/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// NewErrorResponseBody はAPIErrorからレスポンスボディを生成する。
func NewErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	WriteJSON(w, statusCode, NewErrorResponseBody(apiErr))
}

// WriteJSON は任意の値をJSONとして書き込む。
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// WriteUnauthorized は未認証の統一レスポンスを書き込む。
func WriteUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
}

// WriteStoreUnavailable はデータストア一時障害の統一レスポンスを書き込む。
// クライアントに短い間隔での再試行を促す。
func WriteStoreUnavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError())
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
