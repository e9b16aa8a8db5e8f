package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/devicegate/internal/model"
	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	DeviceRegRate   rate.Limit    // 端末登録のレート（req/sec）。20/60
	DeviceRegBurst  int           // 端末登録のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/account、端末登録 20 req/min/account
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 20)
}

// NewRateLimiterConfig は1分あたりのリクエスト数からRateLimiterConfigを生成する。
func NewRateLimiterConfig(generalPerMin, deviceRegPerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		DeviceRegRate:   rate.Limit(float64(deviceRegPerMin) / 60.0),
		DeviceRegBurst:  deviceRegPerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// accountLimiter はアカウントごとのレートリミッターとアクセス時刻を保持する。
type accountLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は同一設定のアカウント別リミッターの集合。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*accountLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		name:     name,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*accountLimiter),
	}
}

// allow はアカウントのリミッターからトークンを1つ消費できるかを返す。
func (s *limiterSet) allow(accountID string, now time.Time) bool {
	s.mu.Lock()
	al, ok := s.limiters[accountID]
	if !ok {
		al = &accountLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[accountID] = al
	}
	al.lastAccess = now
	s.mu.Unlock()

	return al.limiter.AllowN(now, 1)
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// evictIdle は最終アクセスからttlを超えたエントリを削除する。
func (s *limiterSet) evictIdle(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for accountID, al := range s.limiters {
		if now.Sub(al.lastAccess) > ttl {
			delete(s.limiters, accountID)
		}
	}
}

// middleware はアカウント単位のレート制限ミドルウェアを返す。
// リクエストコンテキストにアカウントIDが含まれている必要がある（SessionMiddlewareの後に配置）。
func (s *limiterSet) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := AccountIDFromContext(r.Context())
			if err != nil {
				WriteUnauthorized(w)
				return
			}

			if !s.allow(accountID, time.Now()) {
				slog.Warn("rate limit exceeded",
					slog.String("account_id", accountID),
					slog.String("limit_type", s.name),
				)
				writeRateLimitResponse(w, s.limit)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はアカウントごとのレート制限を管理する。
// API全般のレート制限と端末登録のレート制限の2種類を提供する。
type RateLimiter struct {
	config    RateLimiterConfig
	general   *limiterSet
	deviceReg *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:    config,
		general:   newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		deviceReg: newLimiterSet("device_registration", config.DeviceRegRate, config.DeviceRegBurst),
		stopCh:    make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼び出しても安全。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware()
}

// DeviceRegistrationMiddleware は端末登録専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) DeviceRegistrationMiddleware() func(next http.Handler) http.Handler {
	return rl.deviceReg.middleware()
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// DeviceRegLimiterCount は現在管理されている端末登録リミッターのエントリ数を返す。
func (rl *RateLimiter) DeviceRegLimiterCount() int {
	return rl.deviceReg.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.general.evictIdle(now, ttl)
	rl.deviceReg.evictIdle(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
