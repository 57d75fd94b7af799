// Package cache keeps a redis snapshot of each patient's latest status so
// dashboard reads skip the store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/patient-risk-monitor/internal/domain"
)

// SnapshotCache stores domain.PatientStatus values as JSON. The pipeline
// fills it on read and evicts it on every stored reading.
type SnapshotCache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	log    *logrus.Logger
}

// NewSnapshotCache connects to the redis server in cfg.
func NewSnapshotCache(cfg domain.CacheConfig, logger *logrus.Logger) (*SnapshotCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewSnapshotCacheWithClient(client, cfg.KeyPrefix, cfg.SnapshotTTL, logger), nil
}

// NewSnapshotCacheWithClient wraps an existing client.
func NewSnapshotCacheWithClient(client *redis.Client, prefix string, ttl time.Duration, logger *logrus.Logger) *SnapshotCache {
	if prefix == "" {
		prefix = "prm"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SnapshotCache{redis: client, prefix: prefix, ttl: ttl, log: logger}
}

func (c *SnapshotCache) key(patientID string) string {
	return fmt.Sprintf("%s:patient:%s:status", c.prefix, patientID)
}

// Get returns the cached status, or nil, nil on a miss.
func (c *SnapshotCache) Get(ctx context.Context, patientID string) (*domain.PatientStatus, error) {
	val, err := c.redis.Get(ctx, c.key(patientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status snapshot: %w", err)
	}
	var status domain.PatientStatus
	if err := json.Unmarshal(val, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status snapshot: %w", err)
	}
	return &status, nil
}

// Put stores status under its patient's key.
func (c *SnapshotCache) Put(ctx context.Context, status *domain.PatientStatus) error {
	if status == nil || status.Patient == nil {
		return fmt.Errorf("status snapshot needs a patient")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status snapshot: %w", err)
	}
	if err := c.redis.Set(ctx, c.key(status.Patient.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status snapshot: %w", err)
	}
	return nil
}

// Delete evicts a patient's snapshot.
func (c *SnapshotCache) Delete(ctx context.Context, patientID string) error {
	if err := c.redis.Del(ctx, c.key(patientID)).Err(); err != nil {
		return fmt.Errorf("failed to delete status snapshot: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the client.
func (c *SnapshotCache) Close() error {
	return c.redis.Close()
}
