package cache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func TestEntryEncoding(t *testing.T) {
	resp := pngResponse(strings.Repeat("compressible ", 200))
	resp.CachedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	data, err := encodeEntry(resp)
	require.NoError(t, err)
	assert.Less(t, len(data), len(resp.Body))

	decoded, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, resp.Status, decoded.Status)
	assert.Equal(t, resp.Body, decoded.Body)
	assert.Equal(t, "image/png", decoded.Header.Get("Content-Type"))
	assert.True(t, resp.CachedAt.Equal(decoded.CachedAt))

	_, err = decodeEntry([]byte("not json"))
	assert.Error(t, err)
}

const redisPort nat.Port = "6379/tcp"

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping Redis integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{string(redisPort)},
				WaitingFor: wait.ForAll(
					wait.ForLog("Ready to accept connections").
						WithStartupTimeout(60*time.Second),
					wait.ForListeningPort(redisPort).
						WithStartupTimeout(60*time.Second),
				),
			},
			Started: true,
		})
	require.NoError(t, err, "Failed to start redis container")
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, redisPort)
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() {
		_ = client.Close()
	})
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

// clusterHashTag returns the part of key Redis Cluster hashes to pick a slot
func clusterHashTag(key string) string {
	start := strings.IndexByte(key, '{')
	if start < 0 {
		return key
	}
	end := strings.IndexByte(key[start+1:], '}')
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestRedisStore_KeysShareClusterSlot(t *testing.T) {
	store := NewRedisStoreFromClient(nil, "imagepipe", zap.NewNop())

	generations := store.generationsKey()
	for _, name := range []string{"image-cache-v1", "runtime-cache-v2", "{odd}"} {
		partition := store.partitionKey(name)
		assert.Equal(t, clusterHashTag(generations), clusterHashTag(partition), partition)
	}
	assert.Equal(t, "imagepipe", clusterHashTag(generations))
}

func TestRedisStore_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	store := NewRedisStoreFromClient(client, "test", zap.NewNop())

	images, err := store.Open(ctx, "image-cache-v2")
	require.NoError(t, err)
	_, err = store.Open(ctx, "runtime-cache-v1")
	require.NoError(t, err)

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"image-cache-v2", "runtime-cache-v1"}, names)

	require.NoError(t, images.Put(ctx, "https://site.test/img/a.png", pngResponse("pixels")))

	cached, ok, err := images.Match(ctx, "https://site.test/img/a.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pixels", string(cached.Body))
	assert.Equal(t, http.StatusOK, cached.Status)

	_, ok, err = images.Match(ctx, "https://site.test/img/b.png")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := images.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.test/img/a.png"}, keys)

	deleted, err := store.Delete(ctx, "runtime-cache-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	has, err := store.Has(ctx, "runtime-cache-v1")
	require.NoError(t, err)
	assert.False(t, has)

	exists, err := client.Exists(ctx, "{test}:gen:runtime-cache-v1").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	deleted, err = images.Delete(ctx, "https://site.test/img/a.png")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestRedisPartition_DropsCorruptEntries(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	store := NewRedisStoreFromClient(client, "test", zap.NewNop())

	partition, err := store.Open(ctx, "image-cache-v1")
	require.NoError(t, err)
	require.NoError(t, client.HSet(ctx, "{test}:gen:image-cache-v1", "bad", "garbage").Err())

	_, ok, err := partition.Match(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := client.HExists(ctx, "{test}:gen:image-cache-v1", "bad").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}
