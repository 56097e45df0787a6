package network

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/lumenstudio/imagepipe/internal/domain/fetch"
	"github.com/lumenstudio/imagepipe/internal/domain/imaging"
	"github.com/lumenstudio/imagepipe/internal/ports/outbound"
	apperrors "github.com/lumenstudio/imagepipe/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	pixels := pngBytes(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/img/a.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Query", r.URL.RawQuery)
		_, _ = w.Write(pixels)
	})
	mux.HandleFunc("/img/broken.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("definitely not a png"))
	})
	mux.HandleFunc("/img/photo.avif", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/avif")
		_, _ = w.Write([]byte("opaque avif payload"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHTTPFetcher_RewritesToUpstream(t *testing.T) {
	upstream := newUpstream(t)
	upstreamURL, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	fetcher := NewHTTPFetcher(upstreamURL, time.Second, zap.NewNop())

	site, _ := url.Parse("https://studio.test")
	req, err := fetch.NewRequest(site, "/img/a.png?w=64#frag")
	require.NoError(t, err)

	resp, err := fetcher.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "w=64", resp.Header.Get("X-Query"))
	assert.Equal(t, pngBytes(t), resp.Body)
}

func TestHTTPFetcher_NotFoundIsAResponse(t *testing.T) {
	upstream := newUpstream(t)
	upstreamURL, _ := url.Parse(upstream.URL)
	fetcher := NewHTTPFetcher(upstreamURL, time.Second, zap.NewNop())

	req, err := fetch.NewRequest(upstreamURL, "/missing")
	require.NoError(t, err)

	resp, err := fetcher.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.False(t, resp.OK())
}

func TestHTTPFetcher_NetworkFailure(t *testing.T) {
	upstream := newUpstream(t)
	upstreamURL, _ := url.Parse(upstream.URL)
	fetcher := NewHTTPFetcher(upstreamURL, 50*time.Millisecond, zap.NewNop())

	req, err := fetch.NewRequest(upstreamURL, "/slow")
	require.NoError(t, err)

	_, err = fetcher.Fetch(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, imaging.ErrNetwork))
	assert.Equal(t, apperrors.CodeNetworkFailure, apperrors.GetCode(err))
}

func TestImageLoader_Load(t *testing.T) {
	upstream := newUpstream(t)
	upstreamURL, _ := url.Parse(upstream.URL)
	loader := NewImageLoader(NewHTTPFetcher(upstreamURL, time.Second, zap.NewNop()), upstreamURL, zap.NewNop())
	ctx := context.Background()

	assert.NoError(t, loader.Load(ctx, "/img/a.png"))
	assert.NoError(t, loader.Load(ctx, "/img/photo.avif"))

	err := loader.Load(ctx, "/img/broken.png")
	assert.True(t, errors.Is(err, imaging.ErrDecode))
	assert.Equal(t, apperrors.CodeDecodeFailed, apperrors.GetCode(err))

	err = loader.Load(ctx, "/img/missing.png")
	assert.True(t, errors.Is(err, imaging.ErrNetwork))
}

func TestImageLoader_MarksImageDestination(t *testing.T) {
	var seen *fetch.Request
	loader := NewImageLoader(outbound.FetchFunc(func(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
		seen = req
		return &fetch.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": []string{"image/svg+xml"}}, Body: []byte("<svg/>")}, nil
	}), nil, nil)

	require.NoError(t, loader.Load(context.Background(), "https://studio.test/logo.svg"))
	require.NotNil(t, seen)
	assert.Equal(t, fetch.DestinationImage, seen.Destination)
	assert.Equal(t, "studio.test", seen.URL.Host)
}
