package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "notifybot/pkg/logx"
)

const defaultKeyPrefix = "notifybot:ledger:"

type redisLedger struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	log       logx.Logger
}

// connectRedis accepts either a redis:// URL or a bare host:port.
func connectRedis(raw string) (*redis.Client, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("storage.redis_url is required for redis driver")
	}
	if strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://") {
		opt, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: raw}), nil
}

func openRedis(cfg Config, log logx.Logger) (Ledger, error) {
	client, err := connectRedis(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &redisLedger{client: client, prefix: prefix, retention: cfg.Retention, log: log}, nil
}

func (s *redisLedger) key(eventID string) string {
	return s.prefix + strings.TrimSpace(eventID)
}

func (s *redisLedger) IsDelivered(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisLedger) RecordDelivered(ctx context.Context, eventID string, at time.Time) error {
	if strings.TrimSpace(eventID) == "" {
		return nil
	}
	// SETNX keeps the first delivery timestamp.
	return s.client.SetNX(ctx, s.key(eventID), strconv.FormatInt(at.UnixMilli(), 10), s.retention).Err()
}

func (s *redisLedger) Close() error {
	return s.client.Close()
}
