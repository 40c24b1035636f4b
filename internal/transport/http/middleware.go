package http

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opsfin/tenant-router/internal/routing"
)

// LoggingMiddleware prints request/response metrics.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// RateLimitMiddleware simple token bucket per IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip, _, _ := net.SplitHostPort(c.Request.RemoteAddr)
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// TenantMiddleware extracts the identity claim, resolves the tenant's
// route for the given operation kind, and attaches it to the request
// context. Routing happens exactly once, before any store access.
func TenantMiddleware(resolver *routing.Resolver, secret []byte, op routing.OpKind, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var claims *routing.Claims
		if auth := c.GetHeader("Authorization"); auth != "" {
			token := strings.TrimPrefix(auth, "Bearer ")
			parsed, err := routing.ParseClaim(token, secret)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "invalid token", "code": "invalid_token",
				})
				return
			}
			claims = parsed
		}

		route, err := resolver.Resolve(c.Request.Context(), claims, op)
		if err != nil {
			abortRouting(c, err, log)
			return
		}
		c.Request = c.Request.WithContext(routing.WithRoute(c.Request.Context(), route))
		c.Next()
	}
}

func abortRouting(c *gin.Context, err error, log *zap.SugaredLogger) {
	switch {
	case errors.Is(err, routing.ErrForbidden):
		// potential security event: out-of-allowlist anonymous call
		log.Warnf("forbidden: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": err.Error(), "code": "forbidden",
		})
	case errors.Is(err, routing.ErrTenantFrozen):
		// distinct retryable code so clients back off instead of failing hard
		c.AbortWithStatusJSON(http.StatusLocked, gin.H{
			"error": err.Error(), "code": "tenant_frozen", "retryable": true,
		})
	case errors.Is(err, routing.ErrTenantUnavailable):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error": err.Error(), "code": "tenant_unavailable",
		})
	default:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": err.Error(), "code": "store_unavailable",
		})
	}
}
