package middlewares

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"metarelay/config"

	"github.com/redis/go-redis/v9"
)

const rateLimiterKeyPrefix = "rate_limiter:"

// RateLimiterMiddlewareWithRedis is an HTTP middleware that applies a fixed
// one-second window per client IP, shared by every relay instance through Redis.
// When Redis cannot be reached the request is let through.
//
// Parameters:
// - next: The next http.Handler to be called if the request is allowed.
// - rateLimitingConfig: The configuration for rate limiting.
// - redisClient: The Redis client used to store and retrieve rate limiting data.
// - logger: The logger used to log messages.
//
// Returns:
// - http.Handler: A handler that applies rate limiting based on the provided configuration.
func RateLimiterMiddlewareWithRedis(next http.Handler, rateLimitingConfig config.RateLimiting, redisClient *redis.Client, logger *slog.Logger) http.Handler {
	middlewareType := "RateLimiterMiddlewareWithRedis"
	if !rateLimitingConfig.Enabled || redisClient == nil {
		logger.Debug(fmt.Sprintf("[%s] Rate limiting is disabled", middlewareType))
		return next
	}
	logger.Debug(fmt.Sprintf("[%s] Rate limiting is enabled with %v requests per second", middlewareType, rateLimitingConfig.RequestsPerSecond))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)

		allowed, err := allowRequest(r.Context(), redisClient, ip, rateLimitingConfig)
		if err != nil {
			logger.Warn(fmt.Sprintf("[%s] Rate limit check failed, allowing request", middlewareType), "ip", ip, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			logger.Debug(fmt.Sprintf("[%s] Rate limit exceeded for IP: %s", middlewareType, ip))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowRequest increments the client's counter for the current window.
//
// Parameters:
// - ctx: The request context.
// - redisClient: The Redis client used to store and retrieve rate limiting data.
// - ip: The IP address of the client making the request.
// - rateLimitingConfig: The configuration for rate limiting.
//
// Returns:
// - bool: True if the request is allowed, false otherwise.
// - error: An error if there was an issue checking the rate limit.
func allowRequest(ctx context.Context, redisClient *redis.Client, ip string, rateLimitingConfig config.RateLimiting) (bool, error) {
	key := rateLimiterKeyPrefix + ip

	count, err := redisClient.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := redisClient.Expire(ctx, key, time.Second).Err(); err != nil {
			return false, err
		}
	}

	return count <= int64(math.Ceil(rateLimitingConfig.RequestsPerSecond)), nil
}
