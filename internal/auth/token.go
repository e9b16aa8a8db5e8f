package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims はBearerトークンのクレーム。subにアカウントIDを格納する。
type Claims struct {
	AccountID string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenConfig はトークンの署名・検証設定。
type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

// DefaultTokenConfig はデフォルトの有効期間（30日）でTokenConfigを生成する。
func DefaultTokenConfig(secret, issuer string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 30 * 24 * time.Hour,
		Issuer: issuer,
	}
}

// CreateToken はアカウントIDを含むHS256署名のトークンを生成する。
func CreateToken(accountID string, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if accountID == "" {
		return "", errors.New("missing account ID")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        hex.EncodeToString(jtiBytes),
			Subject:   accountID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// VerifyToken はトークンの署名・有効期限・発行者を検証し、クレームを返す。
func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.AccountID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
