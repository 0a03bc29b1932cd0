package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/photogate/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	LoginRate       rate.Limit    // ログインのレート（req/sec、IP単位）
	LoginBurst      int           // ログインのバーストサイズ
	GeneralRate     rate.Limit    // API全般のレート（req/sec、ユーザー単位）
	GeneralBurst    int           // API全般のバーストサイズ
	UploadRate      rate.Limit    // アップロードのレート（req/sec、ユーザー単位）
	UploadBurst     int           // アップロードのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// PerMinute は1分あたりのリクエスト数からレートとバーストを求める。
func PerMinute(n int) (rate.Limit, int) {
	return rate.Limit(float64(n) / 60.0), n
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// ログイン 10 req/min/IP、API全般 120 req/min/user、アップロード 30 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	cfg := RateLimiterConfig{CleanupInterval: 5 * time.Minute}
	cfg.LoginRate, cfg.LoginBurst = PerMinute(10)
	cfg.GeneralRate, cfg.GeneralBurst = PerMinute(120)
	cfg.UploadRate, cfg.UploadBurst = PerMinute(30)
	return cfg
}

// keyedLimiter はキー（ユーザーIDまたはIP）ごとのリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は同じレート設定を共有するキー別リミッターの集合。
type limiterSet struct {
	name  string
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*keyedLimiter
}

func newLimiterSet(name string, r rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		name:     name,
		rate:     r,
		burst:    burst,
		limiters: make(map[string]*keyedLimiter),
	}
}

// get はキーのリミッターを取得または作成する。
func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kl, ok := s.limiters[key]; ok {
		kl.lastAccess = now
		return kl.limiter
	}

	limiter := rate.NewLimiter(s.rate, s.burst)
	s.limiters[key] = &keyedLimiter{limiter: limiter, lastAccess: now}
	return limiter
}

// evict は最終アクセス時刻からttl以上経過したエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kl := range s.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

func (s *limiterSet) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// RateLimiter はログイン（IP単位）、API全般（ユーザー単位）、
// アップロード（ユーザー単位）の3種類のレート制限を管理する。
// nilのRateLimiterは何も制限しないミドルウェアを返す。
type RateLimiter struct {
	config RateLimiterConfig

	login   *limiterSet
	general *limiterSet
	upload  *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		login:   newLimiterSet("login", config.LoginRate, config.LoginBurst),
		general: newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		upload:  newLimiterSet("upload", config.UploadRate, config.UploadBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// LoginMiddleware はクライアントIP単位のログイン試行レート制限ミドルウェアを返す。
// プロキシ配下ではNewRealIPMiddlewareの後に配置する。
func (rl *RateLimiter) LoginMiddleware() func(next http.Handler) http.Handler {
	if rl == nil {
		return passThrough
	}
	return rl.middleware(rl.login, func(r *http.Request) (string, bool) {
		return clientIP(r), true
	})
}

// GeneralMiddleware はAPI全般のユーザー単位レート制限ミドルウェアを返す。
// 未認証リクエストは制限せずに通す（RequireAuthが401を返す）。
// NewAuthGuardMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	if rl == nil {
		return passThrough
	}
	return rl.middleware(rl.general, userKey)
}

// UploadMiddleware はアップロード専用のユーザー単位レート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) UploadMiddleware() func(next http.Handler) http.Handler {
	if rl == nil {
		return passThrough
	}
	return rl.middleware(rl.upload, userKey)
}

// LoginLimiterCount は現在管理されているログインリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) LoginLimiterCount() int { return rl.login.count() }

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int { return rl.general.count() }

// UploadLimiterCount は現在管理されているアップロードリミッターのエントリ数を返す。
func (rl *RateLimiter) UploadLimiterCount() int { return rl.upload.count() }

// middleware はkeyFnで求めたキーごとにsetのリミッターを適用する。
// keyFnがfalseを返したリクエストは制限しない。
func (rl *RateLimiter) middleware(set *limiterSet, keyFn func(r *http.Request) (string, bool)) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := keyFn(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !set.get(key, time.Now()).Allow() {
				writeRateLimitResponse(w, set.rate)
				slog.Warn("rate limit exceeded",
					slog.String("key", key),
					slog.String("limit_type", set.name),
					slog.String("request_id", RequestIDFromContext(r.Context())),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
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

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	for _, set := range []*limiterSet{rl.login, rl.general, rl.upload} {
		set.evict(now, ttl)
	}
}

func passThrough(next http.Handler) http.Handler { return next }

// userKey は認証済みユーザーのIDをキーとして返す。
func userKey(r *http.Request) (string, bool) {
	userID, err := UserIDFromContext(r.Context())
	if err != nil {
		return "", false
	}
	return userID, true
}

// clientIP はRemoteAddrからポートを除いたIPを返す。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = max(int(math.Ceil(1.0/float64(r))), 1)
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
