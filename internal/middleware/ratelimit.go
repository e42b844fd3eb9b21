package middleware

import (
	"sync"
	"time"

	"github.com/portfolio-assistant-go/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(key string) bool
	Reset(key string)
	Stop()
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyRateLimiter implements per-key rate limiting. Keys are session ids, client IPs or
// Telegram chat ids.
type KeyRateLimiter struct {
	enabled  bool
	visitors map[string]*visitor
	mu       sync.Mutex
	rpm      int
	burst    int
	idleTTL  time.Duration
	logger   *logrus.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) RateLimiter {
	return newRateLimiter(cfg, logger, 10*time.Minute)
}

func newRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger, idleTTL time.Duration) *KeyRateLimiter {
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return &KeyRateLimiter{enabled: false}
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	rl := &KeyRateLimiter{
		enabled:  true,
		visitors: make(map[string]*visitor),
		rpm:      cfg.RequestsPerMinute,
		burst:    burst,
		idleTTL:  idleTTL,
		logger:   logger,
		stop:     make(chan struct{}),
	}

	go rl.cleanup(idleTTL / 2)

	return rl
}

// Allow checks if a key is allowed to make a request
func (r *KeyRateLimiter) Allow(key string) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(key).Allow()
	if !allowed {
		r.logger.WithField("key", key).Warn("Rate limit exceeded")
	}
	return allowed
}

// Reset forgets the limiter for a key
func (r *KeyRateLimiter) Reset(key string) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.visitors, key)
	r.mu.Unlock()
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (r *KeyRateLimiter) Stop() {
	if !r.enabled {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *KeyRateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.visitors[key]
	if !exists {
		// Rate per second = RPM / 60
		rps := float64(r.rpm) / 60.0
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), r.burst)}
		r.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (r *KeyRateLimiter) evictIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idleTTL {
			delete(r.visitors, key)
			removed++
		}
	}
	return removed
}

func (r *KeyRateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}

// cleanup removes limiters that have not been used recently
func (r *KeyRateLimiter) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			if removed := r.evictIdle(now); removed > 0 {
				r.logger.WithField("removed", removed).Debug("Evicted idle rate limiters")
			}
		}
	}
}
