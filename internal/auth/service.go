// Package auth はアカウントの識別（セッションCookie・Bearerトークン）を提供する。
// ログインフロー自体は外部の認証基盤が担い、本パッケージは発行済みの資格情報を検証する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/devicegate/internal/repository"
)

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	sessionRepo repository.SessionRepository
	tokens      TokenConfig
}

// NewService はServiceを生成する。
func NewService(sessionRepo repository.SessionRepository, tokens TokenConfig) *Service {
	return &Service{
		sessionRepo: sessionRepo,
		tokens:      tokens,
	}
}

// AccountFromSession はセッションIDからアカウントIDを取得する。
// セッションが存在しない、または期限切れの場合は空文字を返す。
func (s *Service) AccountFromSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", nil
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return "", nil
	}
	return session.AccountID, nil
}

// AccountFromToken はBearerトークンを検証してアカウントIDを返す。
func (s *Service) AccountFromToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("token is required")
	}

	claims, err := VerifyToken(token, s.tokens)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.AccountID, nil
}

// IssueToken はネイティブクライアント向けのBearerトークンを発行する。
func (s *Service) IssueToken(accountID string) (string, error) {
	token, err := CreateToken(accountID, s.tokens)
	if err != nil {
		return "", fmt.Errorf("failed to issue token: %w", err)
	}

	slog.Info("token issued", slog.String("account_id", accountID))
	return token, nil
}
