package middleware

import (
	"sync"

	"snapmesh/pkg/config"
	"snapmesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterStore hands out one token bucket per client key.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterStore(limit rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(s.limit, s.burst)
		s.limiters[key] = limiter
	}
	return limiter
}

// NewHTTPRateLimitMiddleware limits API requests per client IP and,
// optionally, the number of requests in flight. Routes listed in streamRoutes
// (gin full paths of long-lived streams) are rate limited on entry but never
// hold an in-flight slot.
func NewHTTPRateLimitMiddleware(cfg *config.Config, streamRoutes ...string) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	store := newLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var inflight chan struct{}
	if n := cfg.RateLimiting.HTTP.MaxConcurrent; n > 0 {
		inflight = make(chan struct{}, n)
	}

	streams := make(map[string]struct{}, len(streamRoutes))
	for _, route := range streamRoutes {
		streams[route] = struct{}{}
	}

	return func(c *gin.Context) {
		_, stream := streams[c.FullPath()]
		if inflight != nil && !stream {
			select {
			case inflight <- struct{}{}:
				defer func() { <-inflight }()
			default:
				abortWith(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.get(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			abortWith(c, errors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

func abortWith(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
