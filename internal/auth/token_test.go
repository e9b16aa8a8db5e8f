package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testTokenConfig() TokenConfig {
	return DefaultTokenConfig("test-secret", "devicegate")
}

func TestCreateToken_RoundTrip(t *testing.T) {
	cfg := testTokenConfig()

	token, err := CreateToken("acct-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	claims, err := VerifyToken(token, cfg)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if claims.AccountID != "acct-1" {
		t.Errorf("AccountID = %q, want %q", claims.AccountID, "acct-1")
	}
	if claims.Issuer != "devicegate" {
		t.Errorf("Issuer = %q, want %q", claims.Issuer, "devicegate")
	}
	if claims.ID == "" {
		t.Error("expected non-empty jti")
	}
}

func TestCreateToken_InvalidInput(t *testing.T) {
	tests := []struct {
		name      string
		accountID string
		cfg       TokenConfig
	}{
		{"secret未設定", "acct-1", TokenConfig{Expiry: time.Hour}},
		{"accountID未指定", "", testTokenConfig()},
		{"有効期間が0", "acct-1", TokenConfig{Secret: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CreateToken(tt.accountID, tt.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	token, err := CreateToken("acct-1", testTokenConfig())
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	other := testTokenConfig()
	other.Secret = "other-secret"
	if _, err := VerifyToken(token, other); !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		t.Errorf("err = %v, want ErrTokenSignatureInvalid", err)
	}
}

func TestVerifyToken_WrongIssuer(t *testing.T) {
	cfg := testTokenConfig()
	cfg.Issuer = "someone-else"
	token, err := CreateToken("acct-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	if _, err := VerifyToken(token, testTokenConfig()); !errors.Is(err, jwt.ErrTokenInvalidIssuer) {
		t.Errorf("err = %v, want ErrTokenInvalidIssuer", err)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	cfg := testTokenConfig()
	claims := Claims{
		AccountID: "acct-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := VerifyToken(token, cfg); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyToken_RejectsOtherAlgorithms(t *testing.T) {
	cfg := testTokenConfig()
	claims := Claims{AccountID: "acct-1", RegisteredClaims: jwt.RegisteredClaims{Issuer: cfg.Issuer}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := VerifyToken(token, cfg); err == nil {
		t.Error("expected HS512 token to be rejected")
	}
}
