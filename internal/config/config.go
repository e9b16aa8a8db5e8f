// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL     string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Session / Token
	SessionSecret string
	TokenIssuer   string
	TokenExpiry   time.Duration

	// Lease
	LivenessWindow    time.Duration
	HeartbeatThrottle time.Duration

	// Reconcile
	ReconcileInterval  time.Duration
	ReconcileBatchSize int

	// Rate Limit（req/min）
	RateLimitGeneral   int
	RateLimitDeviceReg int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 10)
	cfg.TokenIssuer = getEnvString("TOKEN_ISSUER", "devicegate")
	cfg.TokenExpiry = getEnvDuration("TOKEN_EXPIRY", 30*24*time.Hour)
	cfg.LivenessWindow = getEnvDuration("LIVENESS_WINDOW", 5*time.Minute)
	cfg.HeartbeatThrottle = getEnvDuration("HEARTBEAT_THROTTLE", 60*time.Second)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", time.Minute)
	cfg.ReconcileBatchSize = getEnvInt("RECONCILE_BATCH_SIZE", 100)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitDeviceReg = getEnvInt("RATE_LIMIT_DEVICE_REG", 20)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvInt は正の整数を読み込む。解析できない値や0以下の値はデフォルト値にする。
func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
