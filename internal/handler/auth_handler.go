// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"net/http"

	"github.com/hitoshi/devicegate/internal/middleware"
)

// AuthHandler は認証状態を返すHTTPハンドラー。
// ログインとセッション発行は外部の認証基盤が担う。
type AuthHandler struct{}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

// Me は現在のアカウントIDを返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDOrUnauthorized(w, r)
	if !ok {
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"account_id": accountID,
	})
}
