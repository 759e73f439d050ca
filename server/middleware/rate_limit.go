package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter throttles per source. Detectors identify themselves with the
// X-Detector-ID header so a NATed fleet of cameras is not throttled as one
// client; anything else is keyed by IP.
type RateLimiter struct {
	sources    map[string]*sourceBucket
	mutex      sync.RWMutex
	cleanup    *time.Ticker
	logger     *zap.Logger
	defaultRPS int
	burst      int
}

type sourceBucket struct {
	tokens     int
	lastUpdate time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		sources:    make(map[string]*sourceBucket),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
	}

	rl.cleanup = time.NewTicker(5 * time.Minute)
	go rl.cleanupExpiredSources()

	return rl
}

func sourceKey(c *gin.Context) string {
	if id := c.GetHeader("X-Detector-ID"); id != "" {
		return "detector:" + id
	}
	return "ip:" + c.ClientIP()
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

func (rl *RateLimiter) RateLimitWithConfig(rps, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		source := sourceKey(c)

		if !rl.allowRequest(source, rps, burst) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("source", source),
				zap.String("path", c.Request.URL.Path))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allowRequest(source string, rps, burst int) bool {
	rl.mutex.Lock()
	bucket, exists := rl.sources[source]
	if !exists {
		bucket = &sourceBucket{
			tokens:     burst,
			lastUpdate: time.Now(),
		}
		rl.sources[source] = bucket
	}
	rl.mutex.Unlock()

	return bucket.allow(rps, burst)
}

func (b *sourceBucket) allow(rps, burst int) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate)

	b.tokens += int(elapsed.Seconds() * float64(rps))
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastUpdate = now

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

func (rl *RateLimiter) cleanupExpiredSources() {
	for range rl.cleanup.C {
		rl.mutex.Lock()
		now := time.Now()
		for source, bucket := range rl.sources {
			bucket.mutex.Lock()
			if now.Sub(bucket.lastUpdate) > 10*time.Minute {
				delete(rl.sources, source)
			}
			bucket.mutex.Unlock()
		}
		rl.mutex.Unlock()
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	return map[string]interface{}{
		"active_sources": len(rl.sources),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	if rl.cleanup != nil {
		rl.cleanup.Stop()
	}
}
