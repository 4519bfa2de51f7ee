package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	headerRequestID = "X-Request-Id"
	headerUserID    = "X-User-Id"
	ctxUserID       = "user_id"
)

// RequestID propagates or assigns X-Request-Id and attaches a request scoped logger to the
// request context.
func RequestID(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)

		l := base.With().Str("request_id", id).Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Next()
	}
}

// RequireUser reads the caller's identity from X-User-Id. Authentication happens upstream.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerUserID))
		id, err := strconv.ParseInt(raw, 10, 64)
		if raw == "" || err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Set(ctxUserID, id)
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64(ctxUserID)
}

// maxTrackedClients bounds the limiter cache; the least recently seen client is evicted first.
const maxTrackedClients = 10000

type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

func newLimiterSet(limit rate.Limit, burst, size int) *limiterSet {
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		// only a non-positive size fails
		panic(err)
	}
	return &limiterSet{limit: limit, burst: burst, limiters: cache}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(s.limit, s.burst)
	s.limiters.Add(key, l)
	return l
}

// limitKey is the verified user id when RequireUser ran, otherwise the client IP. Raw
// X-User-Id is never used, so rotating it does not buy a fresh bucket.
func limitKey(c *gin.Context) string {
	if uid := userID(c); uid > 0 {
		return "user:" + strconv.FormatInt(uid, 10)
	}
	return "ip:" + c.ClientIP()
}

// RateLimit rejects callers that exceed their per-client token bucket with 429.
func RateLimit(limit rate.Limit, burst int) gin.HandlerFunc {
	set := newLimiterSet(limit, burst, maxTrackedClients)
	return func(c *gin.Context) {
		if !set.get(limitKey(c)).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}
