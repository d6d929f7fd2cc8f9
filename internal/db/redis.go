package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"fila-client/config"
)

// InitRedis connects to the Redis persistent tier and checks it answers.
func InitRedis(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		// Accept a bare host:port as well as a redis:// URL.
		opts = &redis.Options{Addr: cfg.URL}
	}
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	if err := Ping(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	log.Println("Connected to Redis persistent tier")
	return client, nil
}

// Ping checks the Redis connection with a short deadline.
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
