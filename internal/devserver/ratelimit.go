package devserver

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/civicchat/internal/model"
)

// rateLimiterConfig はユーザーごとのレート制限の設定。
type rateLimiterConfig struct {
	generalRate  rate.Limit // API全般のレート（req/sec）
	generalBurst int
	sendRate     rate.Limit // メッセージ送信のレート（req/sec）
	sendBurst    int
	cleanupEvery time.Duration
}

// defaultRateLimiterConfig はAPI全般120 req/min/user、
// 送信10 req/min/userのデフォルト設定を返す。
func defaultRateLimiterConfig(generalPerMin, sendPerMin int) rateLimiterConfig {
	if generalPerMin <= 0 {
		generalPerMin = 120
	}
	if sendPerMin <= 0 {
		sendPerMin = 10
	}
	return rateLimiterConfig{
		generalRate:  rate.Limit(float64(generalPerMin) / 60.0),
		generalBurst: generalPerMin,
		sendRate:     rate.Limit(float64(sendPerMin) / 60.0),
		sendBurst:    sendPerMin,
		cleanupEvery: 5 * time.Minute,
	}
}

// limiterPool はユーザーIDごとのrate.Limiterを保持し、
// 最終アクセスから一定時間経過したエントリを破棄できるようにする。
type limiterPool struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*pooledLimiter
}

type pooledLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newLimiterPool(limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*pooledLimiter),
	}
}

// allow はユーザーのリミッターを取得（なければ作成）して1トークン消費を試みる。
func (p *limiterPool) allow(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, ok := p.limiters[userID]
	if !ok {
		pl = &pooledLimiter{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.limiters[userID] = pl
	}
	pl.lastAccess = time.Now()
	return pl.limiter.Allow()
}

// evictIdle は最終アクセスがttlより古いエントリを破棄する。
func (p *limiterPool) evictIdle(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for userID, pl := range p.limiters {
		if now.Sub(pl.lastAccess) > ttl {
			delete(p.limiters, userID)
		}
	}
}

// rateLimiter はユーザーごとのレート制限を管理する。
// API全般と送信専用の2系統を持つ。送信は全般より厳しい。
type rateLimiter struct {
	config  rateLimiterConfig
	general *limiterPool
	send    *limiterPool
	logger  *slog.Logger
	stopCh  chan struct{}
}

// newRateLimiter は新しいrateLimiterを生成し、バックグラウンドで
// アイドルエントリのクリーンアップを開始する。
func newRateLimiter(config rateLimiterConfig, logger *slog.Logger) *rateLimiter {
	rl := &rateLimiter{
		config:  config,
		general: newLimiterPool(config.generalRate, config.generalBurst),
		send:    newLimiterPool(config.sendRate, config.sendBurst),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *rateLimiter) stop() {
	close(rl.stopCh)
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ttl := rl.config.cleanupEvery * 2
			rl.general.evictIdle(ttl)
			rl.send.evictIdle(ttl)
		case <-rl.stopCh:
			return
		}
	}
}

// generalMiddleware はAPI全般のレート制限ミドルウェアを返す。
// requireAuthの後に配置すること。
func (rl *rateLimiter) generalMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, rl.config.generalRate, "general")
}

// sendMiddleware はメッセージ送信専用のレート制限ミドルウェアを返す。
// API全般の制限とは独立に消費される。
func (rl *rateLimiter) sendMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.send, rl.config.sendRate, "send")
}

func (rl *rateLimiter) middleware(pool *limiterPool, limit rate.Limit, kind string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := userFromContext(r.Context())
			if err != nil {
				writeError(w, http.StatusUnauthorized, model.ErrCodeUnauthenticated, "認証が必要です。")
				return
			}

			if !pool.allow(user.ID) {
				writeRateLimitResponse(w, limit)
				rl.logger.Warn("レート制限を超過しました",
					slog.String("user_id", user.ID),
					slog.String("limit_type", kind),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーには1トークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, limit rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(limit)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "リクエストが多すぎます。しばらく待ってから再度お試しください。")
}
