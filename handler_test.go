package main

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Luzifer/fetchcache/pkg/fetcher"
	"github.com/Luzifer/fetchcache/pkg/loader"
	"github.com/Luzifer/fetchcache/pkg/storage"
	"github.com/Luzifer/fetchcache/pkg/storage/local"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrigin(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()

	down := new(atomic.Bool)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("origin content"))
	}))
	t.Cleanup(srv.Close)

	return srv, down
}

func newTestRouter(t *testing.T, store storage.Storage, opts ...loader.Option) http.Handler {
	t.Helper()

	return newRouter(newTestLoader(t, store, opts...))
}

func newTestLoader(t *testing.T, store storage.Storage, opts ...loader.Option) *loader.Loader {
	t.Helper()

	if store == nil {
		var err error
		store, err = local.New("/cache", local.WithFs(afero.NewMemMapFs()))
		require.NoError(t, err)
	}

	return loader.New(store, fetcher.NewHTTP(time.Second, ""), opts...)
}

func doRequest(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandleCacheMissThenHit(t *testing.T) {
	origin, _ := newTestOrigin(t)
	h := newTestRouter(t, nil)

	rec := doRequest(h, "/"+origin.URL+"/file.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.NotEmpty(t, rec.Header().Get("X-Last-Cached"))
	assert.Equal(t, "origin content", rec.Body.String())

	rec = doRequest(h, "/"+origin.URL+"/file.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, "origin content", rec.Body.String())
}

func TestHandleCacheLatestRefetches(t *testing.T) {
	origin, _ := newTestOrigin(t)
	h := newTestRouter(t, nil)

	require.Equal(t, http.StatusOK, doRequest(h, "/"+origin.URL+"/file.txt").Code)

	rec := doRequest(h, "/latest/"+origin.URL+"/file.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
}

func TestHandleCacheInvalidURL(t *testing.T) {
	h := newTestRouter(t, nil)

	for _, target := range []string{"/not-a-url", "/latest/relative/path"} {
		assert.Equal(t, http.StatusBadRequest, doRequest(h, target).Code, target)
	}
}

func TestHandleCacheFetchFailure(t *testing.T) {
	origin, down := newTestOrigin(t)
	down.Store(true)
	h := newTestRouter(t, nil)

	assert.Equal(t, http.StatusBadGateway, doRequest(h, "/"+origin.URL+"/file.txt").Code)
}

func TestHandleCacheStaleFallback(t *testing.T) {
	origin, down := newTestOrigin(t)
	h := newTestRouter(t, nil, loader.WithStaleOnError(true))

	require.Equal(t, http.StatusOK, doRequest(h, "/"+origin.URL+"/file.txt").Code)

	down.Store(true)
	rec := doRequest(h, "/latest/"+origin.URL+"/file.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STALE", rec.Header().Get("X-Cache"))
	assert.Equal(t, "origin content", rec.Body.String())
}

type brokenStorage struct{}

func (brokenStorage) Exists(context.Context, string) (bool, error) {
	return false, &storage.OpError{Op: storage.OpStat, Name: "x", Err: assert.AnError}
}

func (brokenStorage) LastWriteTime(context.Context, string) (time.Time, error) {
	return time.Time{}, assert.AnError
}

func (brokenStorage) Read(context.Context, string) ([]byte, error) { return nil, assert.AnError }

func (brokenStorage) WriteAtomic(context.Context, string, []byte) (time.Time, error) {
	return time.Time{}, assert.AnError
}

func TestHandleCacheStorageFailure(t *testing.T) {
	origin, _ := newTestOrigin(t)
	h := newTestRouter(t, brokenStorage{})

	assert.Equal(t, http.StatusInternalServerError, doRequest(h, "/"+origin.URL+"/file.txt").Code)
}

func TestNewStorageSelectsLocal(t *testing.T) {
	s, err := newStorage(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &local.Storage{}, s)
}

func TestHandlerChainServesRangesUncompressed(t *testing.T) {
	origin, _ := newTestOrigin(t)
	srv := httptest.NewServer(newHandler(newTestLoader(t, nil)))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/"+origin.URL+"/file.txt", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-5")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "6", resp.Header.Get("Content-Length"))
	assert.Equal(t, "origin", string(body))
}

func TestHandlerChainCompressesFullResponses(t *testing.T) {
	origin, _ := newTestOrigin(t)
	srv := httptest.NewServer(newHandler(newTestLoader(t, nil)))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/"+origin.URL+"/file.txt", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "origin content", string(body))
}
