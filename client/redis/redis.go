package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"metarelay/config"

	"github.com/redis/go-redis/v9"
)

// connectTimeout bounds the initial PING.
const connectTimeout = 10 * time.Second

// InitRedis initializes a Redis client with the provided logger and Redis configuration.
// It attempts to connect to the Redis server and logs the connection status.
//
// Parameters:
// - logger: A pointer to the slog.Logger instance for logging messages.
// - redisConfig: The Redis configuration containing host, port, and password.
//
// Returns:
// - *redis.Client: A pointer to the initialized Redis client.
// - error: An error if the server did not answer the PING; the client is closed in that case.
func InitRedis(logger *slog.Logger, redisConfig config.RedisConfig) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%s", redisConfig.Host, redisConfig.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: redisConfig.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	logger.Info("Successfully connected to Redis", "addr", addr)
	return client, nil
}
