// Package redis wires the client backing the delivery dedup pre-filter.
package redis

import (
	"github.com/redis/go-redis/v9"

	"gymagent/config"
)

func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
