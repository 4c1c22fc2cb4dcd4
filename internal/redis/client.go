package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/call-signaling/config"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const pingTimeout = 5 * time.Second

var client *redis.Client

// Connect initializes the Redis client shared by the call store
func Connect(cfg config.RedisConfig) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	client = c
	log.Info().Str("addr", c.Options().Addr).Int("db", cfg.DB).Msg("Connected to Redis")
	return c, nil
}

// Close closes the Redis connection
func Close() error {
	if client != nil {
		return client.Close()
	}
	return nil
}
