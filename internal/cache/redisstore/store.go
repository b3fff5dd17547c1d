// Package redisstore backs the cache with Redis, for runs where several
// hosts must share one cache.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/incidentmap/pipeline/pkg/logger"
)

type Store struct {
	client *redis.Client
}

func Open(host string, port int, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis cache opened", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Store{client: client}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	// SETNX keeps entries write-once; entries never expire, reruns depend
	// on them.
	if err := s.client.SetNX(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write cache key %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
