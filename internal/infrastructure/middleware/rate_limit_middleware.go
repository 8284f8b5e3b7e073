package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"peercall/pkg/config"
	"peercall/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (participant or IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP extracts the IP part from the request's remote address. The first
// X-Forwarded-For hop wins when present.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware limits requests per participant, falling back
// to the client IP for anonymous requests.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	return func(c *gin.Context) {
		key := clientIP(c.Request)
		if participant, ok := ParticipantFromContext(c); ok {
			key = "participant:" + string(participant)
		}

		if !store.getLimiter(key).Allow() {
			c.Header("Retry-After", "1")
			c.Error(errors.NewRateLimitError())
			c.Abort()
			return
		}
		c.Next()
	}
}

// NewMessageLimiter returns the per-connection limiter for relayed
// messages, or nil when rate limiting is disabled.
func NewMessageLimiter(cfg *config.Config) *rate.Limiter {
	if !cfg.RateLimiting.Enabled {
		return nil
	}
	ws := cfg.RateLimiting.WebSocket
	return rate.NewLimiter(rate.Limit(ws.MessagesPerSecond), ws.Burst)
}

// ConnectionLimiter caps concurrent websocket connections.
type ConnectionLimiter struct {
	sem chan struct{}
}

// NewConnectionLimiter returns a limiter admitting max connections. A
// non-positive max admits everything.
func NewConnectionLimiter(max int) *ConnectionLimiter {
	if max <= 0 {
		return &ConnectionLimiter{}
	}
	return &ConnectionLimiter{sem: make(chan struct{}, max)}
}

// Acquire reserves a slot. The returned release must be called once the
// connection ends.
func (l *ConnectionLimiter) Acquire() (release func(), ok bool) {
	if l.sem == nil {
		return func() {}, true
	}
	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.sem }) }, true
	default:
		return nil, false
	}
}

// Middleware rejects upgrades beyond the limit with 503.
func (l *ConnectionLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		release, ok := l.Acquire()
		if !ok {
			c.Error(errors.NewServiceUnavailableError("too many concurrent connections"))
			c.Abort()
			return
		}
		defer release()
		c.Next()
	}
}
