// Package ratelimit implements client-side rate limiting using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/debatehub/session-chat/internal/v1/config"
	"github.com/debatehub/session-chat/internal/v1/logging"
	"github.com/debatehub/session-chat/internal/v1/metrics"
)

// Scope names one limited action.
type Scope string

const (
	ScopeSend       Scope = "send"
	ScopeModeration Scope = "moderation"
	ScopeStatus     Scope = "status"
)

// RateLimiter holds the limiter instances
type RateLimiter struct {
	send        *limiter.Limiter
	moderation  *limiter.Limiter
	status      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a new RateLimiter. A nil redisClient keeps counters in memory.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	sendRate, err := limiter.NewRateFromFormatted(cfg.RateLimitSend)
	if err != nil {
		return nil, fmt.Errorf("invalid send rate: %w", err)
	}

	moderationRate, err := limiter.NewRateFromFormatted(cfg.RateLimitModeration)
	if err != nil {
		return nil, fmt.Errorf("invalid moderation rate: %w", err)
	}

	statusRate, err := limiter.NewRateFromFormatted(cfg.RateLimitStatus)
	if err != nil {
		return nil, fmt.Errorf("invalid status rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		// Counters are shared by every client of the same user.
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "session-chat:limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Debug(context.Background(), "Rate limiter using memory store")
	}

	return &RateLimiter{
		send:        limiter.New(store, sendRate),
		moderation:  limiter.New(store, moderationRate),
		status:      limiter.New(store, statusRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// Gate is a limiter bound to one scope and key.
type Gate struct {
	limiter *limiter.Limiter
	scope   Scope
	key     string
}

// Gate returns the limiter for scope keyed by key (usually the user id).
func (rl *RateLimiter) Gate(scope Scope, key string) *Gate {
	var l *limiter.Limiter
	switch scope {
	case ScopeSend:
		l = rl.send
	case ScopeModeration:
		l = rl.moderation
	default:
		l = rl.status
	}
	return &Gate{limiter: l, scope: scope, key: string(scope) + ":" + key}
}

// Allow consumes one unit. A store error is returned as-is so the caller can
// decide whether to fail open.
func (g *Gate) Allow(ctx context.Context) (bool, error) {
	lctx, err := g.limiter.Get(ctx, g.key)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.String("scope", string(g.scope)), zap.Error(err))
		return false, err
	}

	metrics.RateLimitRequests.WithLabelValues(string(g.scope)).Inc()
	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues(string(g.scope)).Inc()
		return false, nil
	}
	return true, nil
}

// Middleware returns a Gin middleware limiting the local status server per client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := string(ScopeStatus) + ":" + c.ClientIP()

		context, err := rl.status.Get(ctx, key)
		if err != nil {
			// Fail open: the status server must stay observable.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(context.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(context.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(context.Reset, 10))

		metrics.RateLimitRequests.WithLabelValues(string(ScopeStatus)).Inc()
		if context.Reached {
			metrics.RateLimitExceeded.WithLabelValues(string(ScopeStatus)).Inc()
			c.Header("Retry-After", strconv.FormatInt(context.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": context.Reset,
			})
			return
		}

		c.Next()
	}
}
