package serviceworker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/infrastructure/cache"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var siteOrigin = mustParse("https://studio.test")

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

type fakeNetwork struct {
	mu        sync.Mutex
	calls     map[string]int
	responses map[string]*fetch.Response
	offline   bool
	block     chan struct{}
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		calls:     make(map[string]int),
		responses: make(map[string]*fetch.Response),
	}
}

func (n *fakeNetwork) serve(path, contentType, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[path] = &fetch.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   []byte(body),
	}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[path]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	n.mu.Lock()
	n.calls[req.URL.Path]++
	block := n.block
	offline := n.offline
	resp, ok := n.responses[req.URL.Path]
	n.mu.Unlock()

	if block != nil {
		<-block
	}
	if offline {
		return nil, apperrors.NewNetworkError(req.URL.String(), imaging.ErrNetwork)
	}
	if !ok {
		return &fetch.Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	return resp.Clone(), nil
}

func newSite() *fakeNetwork {
	network := newFakeNetwork()
	network.serve("/", "text/html; charset=utf-8", "<html><head></head><body>home</body></html>")
	network.serve("/static/js/main.js", "application/javascript", "console.log(1)")
	network.serve("/static/css/main.css", "text/css", "body{}")
	network.serve("/img/a.png", "image/png", "png-bytes")
	network.serve("/img/b.png", "image/png", "png-bytes")
	network.serve("/img/c.png", "image/png", "png-bytes")
	network.serve("/projects/loft", "text/html", "<html>loft</html>")
	network.serve("/api/projects.json", "application/json", "[]")
	return network
}

func newController(store outbound.CacheStore, network outbound.Fetcher, version string) *Controller {
	return New(store, network, Config{
		Version:  version,
		Origin:   siteOrigin,
		Manifest: []string{"/", "/static/js/main.js", "/static/css/main.css"},
		Priming:  PrimingConfig{RatePerSecond: 1000, Burst: 100, Concurrency: 4},
	}, zap.NewNop(), nil)
}

func activeController(t *testing.T, store outbound.CacheStore, network outbound.Fetcher) *Controller {
	t.Helper()
	c := newController(store, network, "v2")
	require.NoError(t, c.Install(context.Background()))
	require.NoError(t, c.Activate(context.Background()))
	return c
}

func get(t *testing.T, rawURL string) *fetch.Request {
	t.Helper()
	req, err := fetch.NewRequest(siteOrigin, rawURL)
	require.NoError(t, err)
	return req
}

func navigate(t *testing.T, rawURL string) *fetch.Request {
	t.Helper()
	req := get(t, rawURL)
	req.Mode = fetch.ModeNavigate
	req.Destination = fetch.DestinationDocument
	return req
}

func partitionKeys(t *testing.T, store outbound.CacheStore, name string) []string {
	t.Helper()
	partition, err := store.Open(context.Background(), name)
	require.NoError(t, err)
	keys, err := partition.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func TestPartitionName(t *testing.T) {
	assert.Equal(t, "static-cache-v3", PartitionName(PurposeStatic, "v3"))
	assert.Equal(t, "image-cache-v3", PartitionName(PurposeImage, "v3"))
	assert.Equal(t, "runtime-cache-v3", PartitionName(PurposeRuntime, "v3"))
}

func TestController_InstallPrecachesManifest(t *testing.T) {
	store := cache.NewMemoryStore(100)
	c := newController(store, newSite(), "v2")

	require.NoError(t, c.Install(context.Background()))
	assert.Equal(t, StateInstalled, c.State())

	assert.Equal(t, []string{
		"https://studio.test/",
		"https://studio.test/static/css/main.css",
		"https://studio.test/static/js/main.js",
	}, partitionKeys(t, store, "static-cache-v2"))

	hasImages, err := store.Has(context.Background(), "image-cache-v2")
	require.NoError(t, err)
	assert.True(t, hasImages)

	err = c.Install(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidLifecycle))
}

func TestController_InstallFailsOnManifestError(t *testing.T) {
	store := cache.NewMemoryStore(100)
	network := newSite()
	network.mu.Lock()
	delete(network.responses, "/static/css/main.css")
	network.mu.Unlock()

	c := newController(store, network, "v2")

	err := c.Install(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeInstallFailed))
	assert.Equal(t, StateNew, c.State())
	assert.Empty(t, partitionKeys(t, store, "static-cache-v2"), "partial precache is not written")

	hasImages, err := store.Has(context.Background(), "image-cache-v2")
	require.NoError(t, err)
	assert.True(t, hasImages, "image partition is created independently")

	network.serve("/static/css/main.css", "text/css", "body{}")
	require.NoError(t, c.Install(context.Background()), "installation can be retried")
}

func TestController_ActivateBeforeInstall(t *testing.T) {
	c := newController(cache.NewMemoryStore(10), newSite(), "v2")
	err := c.Activate(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.CodeInvalidLifecycle))
}

func TestController_ActivationRotatesGenerations(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore(100)
	for _, name := range []string{
		"static-cache-v1", "image-cache-v1", "runtime-cache-v1",
		"image-cache-beta", "imagery-cache-v1", "fonts-v1",
	} {
		_, err := store.Open(ctx, name)
		require.NoError(t, err)
	}

	activeController(t, store, newSite())

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fonts-v1", "image-cache-v2", "imagery-cache-v1", "static-cache-v2"}, names)
}

func TestController_PassThroughBeforeActivation(t *testing.T) {
	store := cache.NewMemoryStore(100)
	network := newSite()
	c := newController(store, network, "v2")
	require.NoError(t, c.Install(context.Background()))

	for i := 0; i < 2; i++ {
		resp, err := c.HandleFetch(context.Background(), get(t, "/img/a.png"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
	}

	assert.Equal(t, 2, network.count("/img/a.png"))
	assert.Empty(t, partitionKeys(t, store, "image-cache-v2"))
}

func TestController_ColdCacheImage(t *testing.T) {
	store := cache.NewMemoryStore(100)
	network := newSite()
	c := activeController(t, store, network)

	resp, err := c.HandleFetch(context.Background(), get(t, "/img/a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(resp.Body))
	assert.Equal(t, 1, network.count("/img/a.png"))
	assert.Equal(t, []string{"https://studio.test/img/a.png"}, partitionKeys(t, store, "image-cache-v2"))

	resp, err = c.HandleFetch(context.Background(), get(t, "/img/a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(resp.Body))
	assert.Equal(t, 1, network.count("/img/a.png"), "second request is served from cache")
}

func TestController_ImageByDestination(t *testing.T) {
	store := cache.NewMemoryStore(100)
	network := newSite()
	network.serve("/media/render", "image/webp", "webp-bytes")
	c := activeController(t, store, network)

	req := get(t, "/media/render")
	req.Destination = fetch.DestinationImage
	_, err := c.HandleFetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://studio.test/media/render"}, partitionKeys(t, store, "image-cache-v2"))
}

func TestController_ImageErrorsAreNotCached(t *testing.T) {
	store := cache.NewMemoryStore(100)
	network := newSite()
	c := activeController(t, store, network)

	resp, err := c.HandleFetch(context.Background(), get(t, "/img/missing.png"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Empty(t, partitionKeys(t, store, "image-cache-v2"))

	network.setOffline(true)
	_, err = c.HandleFetch(context.Background(), get(t, "/img/b.png"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, imaging.ErrNetwork), "no synthetic fallback image")
}

func TestController_CrossOriginPassesThrough(t *testing.T) {
	store := cache.NewMemoryStore(100)
	network := newSite()
	c := activeController(t, store, network)

	req, err := fetch.NewRequest(nil, "https://cdn.example.com/img/a.png")
	require.NoError(t, err)

	_, err = c.HandleFetch(context.Background(), req)
	require.NoError(t, err)
	_, err = c.HandleFetch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, network.count("/img/a.png"))
	assert.Empty(t, partitionKeys(t, store, "image-cache-v2"))
}

func TestController_NetworkFirstForDocuments(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore(100)
	network := newSite()
	c := activeController(t, store, network)

	resp, err := c.HandleFetch(ctx, navigate(t, "/projects/loft"))
	require.NoError(t, err)
	assert.Equal(t, "<html>loft</html>", string(resp.Body))
	require.NoError(t, c.Drain(ctx))
	assert.Equal(t, []string{"https://studio.test/projects/loft"}, partitionKeys(t, store, "runtime-cache-v2"))

	_, err = c.HandleFetch(ctx, navigate(t, "/projects/loft"))
	require.NoError(t, err)
	assert.Equal(t, 2, network.count("/projects/loft"), "network is tried first even when cached")

	network.setOffline(true)
	resp, err = c.HandleFetch(ctx, navigate(t, "/projects/loft"))
	require.NoError(t, err)
	assert.Equal(t, "<html>loft</html>", string(resp.Body))

	resp, err = c.HandleFetch(ctx, navigate(t, "/"))
	require.NoError(t, err, "precached root serves offline")
	assert.Contains(t, string(resp.Body), "home")

	_, err = c.HandleFetch(ctx, navigate(t, "/never-visited"))
	assert.True(t, errors.Is(err, imaging.ErrNetwork))
}

func TestController_NonHTMLIsNotStored(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore(100)
	c := activeController(t, store, newSite())

	_, err := c.HandleFetch(ctx, get(t, "/api/projects.json"))
	require.NoError(t, err)
	require.NoError(t, c.Drain(ctx))

	has, err := store.Has(ctx, "runtime-cache-v2")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestController_NonGETPassesThrough(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore(100)
	network := newSite()
	c := activeController(t, store, network)

	req := get(t, "/img/a.png")
	req.Method = http.MethodPost
	_, err := c.HandleFetch(ctx, req)
	require.NoError(t, err)

	assert.Empty(t, partitionKeys(t, store, "image-cache-v2"))
}

func TestController_ConcurrentMissesShareOneFetch(t *testing.T) {
	store := cache.NewMemoryStore(100)
	network := newSite()
	c := activeController(t, store, network)

	release := make(chan struct{})
	network.mu.Lock()
	network.block = release
	network.mu.Unlock()

	var wg sync.WaitGroup
	bodies := make([]string, 10)
	for i := range bodies {
		req := get(t, "/img/c.png")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.HandleFetch(context.Background(), req)
			if err == nil {
				bodies[i] = string(resp.Body)
			}
		}(i)
	}

	require.Eventually(t, func() bool { return network.count("/img/c.png") == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, network.count("/img/c.png"))
	for _, body := range bodies {
		assert.Equal(t, "png-bytes", body)
	}
}

type failingStore struct {
	outbound.CacheStore
}

func (s failingStore) Open(ctx context.Context, name string) (outbound.CachePartition, error) {
	partition, err := s.CacheStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingPartition{partition}, nil
}

type failingPartition struct {
	outbound.CachePartition
}

func (failingPartition) Put(context.Context, string, *fetch.Response) error {
	return errors.New("quota exceeded")
}

func TestController_CacheWriteFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	network := newSite()

	c := newController(failingStore{cache.NewMemoryStore(10)}, network, "v2")
	c.config.Manifest = nil
	require.NoError(t, c.Install(ctx))
	require.NoError(t, c.Activate(ctx))

	resp, err := c.HandleFetch(ctx, get(t, "/img/a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(resp.Body))

	resp, err = c.HandleFetch(ctx, navigate(t, "/projects/loft"))
	require.NoError(t, err)
	assert.Equal(t, "<html>loft</html>", string(resp.Body))
	require.NoError(t, c.Drain(ctx))
}
