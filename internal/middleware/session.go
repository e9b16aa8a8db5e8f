// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// SessionCookieName はログインセッションIDを保持するCookie名。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// accountIDContextKey はリクエストコンテキストにアカウントIDを格納するためのキー。
var accountIDContextKey = contextKey("account_id")

// Authenticator はリクエストの資格情報からアカウントIDを解決するインターフェース。
// auth.Serviceが実装する。
type Authenticator interface {
	// AccountFromSession はセッションIDからアカウントIDを返す。無効な場合は空文字を返す。
	AccountFromSession(ctx context.Context, sessionID string) (string, error)
	// AccountFromToken はBearerトークンを検証してアカウントIDを返す。
	AccountFromToken(token string) (string, error)
}

// NewSessionMiddleware はセッションCookie、またはAuthorization: Bearerヘッダーから
// アカウントを識別するミドルウェアを返す。
// Cookieを優先し、Cookieで識別できない場合にBearerトークンを検証する。
// 識別できないリクエストにはデータストアに触れる前に401 Unauthorizedを返す。
// セッションの照会に失敗した場合は503 Service Unavailableを返す。
func NewSessionMiddleware(authn Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := accountFromCookie(r, authn)
			if err != nil {
				slog.Error("failed to find session",
					slog.String("error", err.Error()),
				)
				WriteStoreUnavailable(w)
				return
			}
			if accountID == "" {
				if token, ok := BearerToken(r); ok {
					id, err := authn.AccountFromToken(token)
					if err != nil {
						slog.Debug("bearer token rejected", slog.String("error", err.Error()))
					}
					accountID = id
				}
			}

			if accountID == "" {
				WriteUnauthorized(w)
				return
			}

			setLoggedAccountID(r.Context(), accountID)
			ctx := ContextWithAccountID(r.Context(), accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func accountFromCookie(r *http.Request, authn Authenticator) (string, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", nil
	}
	return authn.AccountFromSession(r.Context(), cookie.Value)
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// AccountIDFromContext はリクエストコンテキストからアカウントIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func AccountIDFromContext(ctx context.Context) (string, error) {
	accountID, ok := ctx.Value(accountIDContextKey).(string)
	if !ok || accountID == "" {
		return "", fmt.Errorf("account ID not found in context")
	}
	return accountID, nil
}

// ContextWithAccountID はコンテキストにアカウントIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDContextKey, accountID)
}
