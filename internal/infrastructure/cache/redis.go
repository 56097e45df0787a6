package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/config"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps cache partitions in Redis. The set {<prefix>}:generations
// lists partition names; each partition is the hash {<prefix>}:gen:<name>
// mapping request keys to encoded responses with brotli compressed bodies.
// The braces are a cluster hash tag: every key of a store lands in one slot
// so Delete can run as a single transaction.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg *config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	opts := &redis.UniversalOptions{
		Addrs:        []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Password:     cfg.Password,
		DB:           cfg.Database,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolTimeout:  time.Second * 10,
	}

	if cfg.EnableCluster && len(cfg.ClusterNodes) > 0 {
		opts.Addrs = cfg.ClusterNodes
		logger.Info("Redis cluster mode enabled", zap.Strings("nodes", cfg.ClusterNodes))
	}

	client := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis cache store initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("prefix", cfg.KeyPrefix),
	)

	return NewRedisStoreFromClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "imagepipe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

// Open returns the named partition, registering it if needed
func (s *RedisStore) Open(ctx context.Context, name string) (outbound.CachePartition, error) {
	if err := s.client.SAdd(ctx, s.generationsKey(), name).Err(); err != nil {
		return nil, apperrors.NewCacheStoreError("open partition "+name, err)
	}
	return &RedisPartition{store: s, name: name, key: s.partitionKey(name)}, nil
}

// Has reports whether the named partition exists
func (s *RedisStore) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.generationsKey(), name).Result()
	if err != nil {
		return false, apperrors.NewCacheStoreError("check partition "+name, err)
	}
	return ok, nil
}

// Names lists partitions in sorted order
func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.generationsKey()).Result()
	if err != nil {
		return nil, apperrors.NewCacheStoreError("list partitions", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete drops the named partition and its entries
func (s *RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.generationsKey(), name)
		pipe.Del(ctx, s.partitionKey(name))
		return nil
	})
	if err != nil {
		return false, apperrors.NewCacheStoreError("delete partition "+name, err)
	}
	return removed.Val() > 0, nil
}

// Client returns the underlying Redis client
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) hashTag() string {
	return "{" + s.prefix + "}"
}

func (s *RedisStore) generationsKey() string {
	return s.hashTag() + ":generations"
}

func (s *RedisStore) partitionKey(name string) string {
	return s.hashTag() + ":gen:" + name
}

// RedisPartition is one generation stored as a Redis hash
type RedisPartition struct {
	store *RedisStore
	name  string
	key   string
}

// Name returns the generation name
func (p *RedisPartition) Name() string {
	return p.name
}

// Match returns the stored response for key
func (p *RedisPartition) Match(ctx context.Context, key string) (*fetch.Response, bool, error) {
	data, err := p.store.client.HGet(ctx, p.key, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.NewCacheStoreError("read "+key, err)
	}

	resp, err := decodeEntry(data)
	if err != nil {
		p.store.logger.Warn("Dropping undecodable cache entry",
			zap.String("partition", p.name),
			zap.String("key", key),
			zap.Error(err),
		)
		p.store.client.HDel(ctx, p.key, key)
		return nil, false, nil
	}
	return resp, true, nil
}

// Put stores resp under key
func (p *RedisPartition) Put(ctx context.Context, key string, resp *fetch.Response) error {
	data, err := encodeEntry(resp)
	if err != nil {
		return apperrors.NewCacheStoreError("encode "+key, err)
	}
	if err := p.store.client.HSet(ctx, p.key, key, data).Err(); err != nil {
		return apperrors.NewCacheStoreError("write "+key, err)
	}
	return nil
}

// Keys lists the stored keys in sorted order
func (p *RedisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.store.client.HKeys(ctx, p.key).Result()
	if err != nil {
		return nil, apperrors.NewCacheStoreError("list keys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key
func (p *RedisPartition) Delete(ctx context.Context, key string) (bool, error) {
	n, err := p.store.client.HDel(ctx, p.key, key).Result()
	if err != nil {
		return false, apperrors.NewCacheStoreError("delete "+key, err)
	}
	return n > 0, nil
}

type storedEntry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	CachedAt time.Time   `json:"cached_at"`
	Body     []byte      `json:"body,omitempty"`
}

func encodeEntry(resp *fetch.Response) ([]byte, error) {
	body, err := compress(resp.Body)
	if err != nil {
		return nil, err
	}

	cachedAt := resp.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now()
	}

	return json.Marshal(storedEntry{
		Status:   resp.Status,
		Header:   resp.Header,
		CachedAt: cachedAt,
		Body:     body,
	})
}

func decodeEntry(data []byte) (*fetch.Response, error) {
	var entry storedEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}

	body, err := decompress(entry.Body)
	if err != nil {
		return nil, err
	}

	header := entry.Header
	if header == nil {
		header = make(http.Header)
	}

	return &fetch.Response{
		Status:   entry.Status,
		Header:   header,
		Body:     body,
		CachedAt: entry.CachedAt,
	}, nil
}

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	writer := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}
