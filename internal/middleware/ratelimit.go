package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 10000

// RateLimiter keeps one token bucket per client IP. The least recently seen
// clients are forgotten once maxTrackedClients is reached.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	clients *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter allows perSecond requests per client with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	clients, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limit: limit, burst: burst, clients: clients}
}

func (r *RateLimiter) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.clients.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(r.limit, r.burst)
	r.clients.Add(key, l)
	return l
}

// Allow reports whether key may make another request now.
func (r *RateLimiter) Allow(key string) bool {
	return r.limiter(key).Allow()
}

// Middleware rejects over-limit clients with 429.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.limit == rate.Inf || r.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":          "Rate limit exceeded",
			"correlation_id": c.GetString(CorrelationKey),
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		})
	}
}
