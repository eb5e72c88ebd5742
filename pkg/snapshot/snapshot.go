package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/pkg/errdefs"
	"github.com/loomworks/loom/pkg/types"
)

// BridgeMetrics is the bridge-level slice of a snapshot.
type BridgeMetrics struct {
	HealthScore      float64 `json:"health_score"`
	Status           string  `json:"status"`
	TotalTasks       int64   `json:"total_tasks"`
	SuccessRate      float64 `json:"success_rate"`
	AvgRoutingTimeMs float64 `json:"avg_routing_time_ms"`
}

// NodeMetrics is the per-node slice of a snapshot.
type NodeMetrics struct {
	Domain             types.NodeDomain `json:"domain"`
	Status             types.NodeStatus `json:"status"`
	UtilizationPercent float64          `json:"utilization_percent"`
	QueueSize          int              `json:"queue_size"`
	ActiveTasks        int              `json:"active_tasks"`
	SuccessRate        float64          `json:"success_rate"`
	AvgResponseTimeMs  float64          `json:"avg_response_time_ms"`
}

// Snapshot is one published view of coordination state. Other tools read
// these from Redis without talking to the bridge.
type Snapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	Bridge    BridgeMetrics          `json:"bridge_metrics"`
	Nodes     map[string]NodeMetrics `json:"node_metrics"`
}

// Config holds Redis connection settings for the snapshot store.
type Config struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RedisStore publishes coordination snapshots to Redis. Every write
// updates the latest key and appends a timestamped key; both expire
// after the configured TTL.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "loom:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "snapshot:",
		ttl:       ttl,
	}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) latestKey() string {
	return s.keyPrefix + "latest"
}

func (s *RedisStore) timestampedKey(ts time.Time) string {
	return s.keyPrefix + strconv.FormatInt(ts.Unix(), 10)
}

// Save publishes a snapshot under both the latest and a timestamped key.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errdefs.Persistencef("marshal snapshot: %v", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.latestKey(), data, s.ttl)
	pipe.Set(ctx, s.timestampedKey(snap.Timestamp), data, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errdefs.Persistencef("write snapshot: %v", err)
	}
	return nil
}

// Latest returns the most recent snapshot, or nil when none exists.
func (s *RedisStore) Latest(ctx context.Context) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.latestKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Persistencef("read snapshot: %v", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errdefs.Persistencef("decode snapshot: %v", err)
	}
	return &snap, nil
}

// History returns up to limit retained snapshots, oldest first.
func (s *RedisStore) History(ctx context.Context, limit int) ([]*Snapshot, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == s.latestKey() {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, errdefs.Persistencef("scan snapshots: %v", err)
	}
	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	snapshots := make([]*Snapshot, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, errdefs.Persistencef("read snapshot %s: %v", key, err)
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, errdefs.Persistencef("decode snapshot %s: %v", key, err)
		}
		snapshots = append(snapshots, &snap)
	}
	return snapshots, nil
}
