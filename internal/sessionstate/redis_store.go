package sessionstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Dachhu7/DevScan/internal/config"
)

const (
	defaultRedisKey     = "devscan:scans"
	defaultRedisTimeout = 5 * time.Second
)

// RedisStore keeps one key per scan plus an index set of known ids.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	ttl     time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	store := NewRedisStoreWithClient(client, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), store.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg config.RedisConfig) *RedisStore {
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = defaultRedisKey
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisStore{
		client:  client,
		prefix:  key,
		timeout: timeout,
		ttl:     cfg.TTL.Duration,
	}
}

// RedisConfigFromEnv reads REDIS_HOST, REDIS_PORT, REDIS_DB and
// REDIS_PASSWORD over base. ok is false when no address is configured.
func RedisConfigFromEnv(base config.RedisConfig) (cfg config.RedisConfig, ok bool, err error) {
	cfg = base
	if host := strings.TrimSpace(os.Getenv("REDIS_HOST")); host != "" {
		port := strings.TrimSpace(os.Getenv("REDIS_PORT"))
		if port == "" {
			port = "6379"
		}
		cfg.Addr = host + ":" + port
	}
	if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, false, fmt.Errorf("parse REDIS_DB: %w", err)
		}
		cfg.DB = db
	}
	if pw, set := os.LookupEnv("REDIS_PASSWORD"); set {
		cfg.Password = pw
	}
	return cfg, strings.TrimSpace(cfg.Addr) != "", nil
}

func (s *RedisStore) itemKey(id string) string {
	return s.prefix + ":" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Save writes the snapshot and records its id in the index.
func (s *RedisStore) Save(ctx context.Context, snap Snapshot) error {
	if snap.ScanID == "" {
		return errors.New("snapshot missing scan id")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.itemKey(snap.ScanID), data, s.ttl)
		pipe.SAdd(ctx, s.indexKey(), snap.ScanID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ScanID, err)
	}
	return nil
}

// Remove deletes the snapshot and its index entry.
func (s *RedisStore) Remove(ctx context.Context, scanID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.itemKey(scanID))
		pipe.SRem(ctx, s.indexKey(), scanID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove snapshot %s: %w", scanID, err)
	}
	return nil
}

// Get loads one snapshot.
func (s *RedisStore) Get(ctx context.Context, scanID string) (Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.client.Get(ctx, s.itemKey(scanID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", scanID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", scanID, err)
	}
	return snap, nil
}

// List returns every live snapshot, newest first. Index entries whose
// snapshot expired are pruned.
func (s *RedisStore) List(ctx context.Context) ([]Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshot ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.itemKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}

	var stale []any
	out := make([]Snapshot, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(str), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, s.indexKey(), stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
