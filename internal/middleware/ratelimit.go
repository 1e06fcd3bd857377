package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/ohq/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	AdminWriteRate  rate.Limit    // 管理用書き込みAPIのレート（req/sec）
	AdminWriteBurst int           // 管理用書き込みAPIのバーストサイズ
	CleanupInterval time.Duration // 使われなくなったリミッターの掃除間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min、管理用書き込み 30 req/min（Identity単位）。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		AdminWriteRate:  rate.Limit(30.0 / 60.0),
		AdminWriteBurst: 30,
		CleanupInterval: 5 * time.Minute,
	}
}

type identityLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet はIdentityごとのリミッターの集合。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[int64]*identityLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		name:     name,
		limit:    limit,
		burst:    burst,
		limiters: make(map[int64]*identityLimiter),
	}
}

func (s *limiterSet) allow(identityID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	il, ok := s.limiters[identityID]
	if !ok {
		il = &identityLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[identityID] = il
	}
	il.lastAccess = time.Now()
	return il.limiter.Allow()
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// evictIdle はttlより長く使われていないリミッターを削除する。
func (s *limiterSet) evictIdle(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, il := range s.limiters {
		if now.Sub(il.lastAccess) > ttl {
			delete(s.limiters, id)
		}
	}
}

// middleware はセッションミドルウェアの後段に置くレート制限ミドルウェアを返す。
func (s *limiterSet) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identityID, err := IdentityIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
				return
			}

			if !s.allow(identityID) {
				slog.Warn("rate limit exceeded",
					slog.Int64("identity_id", identityID),
					slog.String("limit_type", s.name),
				)
				writeRateLimitResponse(w, s.limit)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はIdentityごとのHTTPレート制限を管理する。
// API全般と管理用書き込みの2系統を独立に持つ。
type RateLimiter struct {
	config     RateLimiterConfig
	general    *limiterSet
	adminWrite *limiterSet
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewRateLimiter はRateLimiterを生成し、バックグラウンドの掃除を開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:     config,
		general:    newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		adminWrite: newLimiterSet("admin_write", config.AdminWriteRate, config.AdminWriteBurst),
		stopCh:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop は掃除のゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware()
}

// AdminWriteMiddleware はキュー作成・メンバー変更など管理用書き込みAPIのレート制限ミドルウェアを返す。
func (rl *RateLimiter) AdminWriteMiddleware() func(next http.Handler) http.Handler {
	return rl.adminWrite.middleware()
}

// GeneralLimiterCount は保持しているAPI全般リミッターの数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// AdminWriteLimiterCount は保持している管理用書き込みリミッターの数を返す。
func (rl *RateLimiter) AdminWriteLimiterCount() int {
	return rl.adminWrite.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスがCleanupIntervalの2倍より古いリミッターを削除する。
func (rl *RateLimiter) cleanup() {
	now := time.Now()
	ttl := rl.config.CleanupInterval * 2
	rl.general.evictIdle(now, ttl)
	rl.adminWrite.evictIdle(now, ttl)
}

// writeRateLimitResponse は429を書き込む。
// Retry-Afterにはトークン1つが補充されるまでの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
