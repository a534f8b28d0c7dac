package downloader

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/updatenode/updatenode/client/internal/manifest"
)

type memCache struct {
	mu    sync.Mutex
	files map[string]string
}

func newMemCache() *memCache {
	return &memCache{files: make(map[string]string)}
}

func (c *memCache) CachedFile(code string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.files[code]
	if !ok {
		return "", false
	}
	if _, err := os.Stat(p); err != nil {
		delete(c.files, code)
		return "", false
	}
	return p, true
}

func (c *memCache) SetCachedFile(code, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[code] = path
	return nil
}

func newTestManager(t *testing.T, cache Cache, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.RetryDelay = 0
	cfg.Timeout = 5 * time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg, cache)
	require.NoError(t, err)
	return m
}

func waitTransfer(t *testing.T, tr *Transfer) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := tr.Wait(ctx)
	require.NoError(t, err, "transfer did not finish")
	return res
}

func TestFetchArtifact_DownloadsAndCaches(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 64*1024)
	var userAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent.Store(r.UserAgent())
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	cache := newMemCache()
	m := newTestManager(t, cache)

	var final atomic.Value
	m.SetOnProgressListener(func(p Progress) {
		final.Store(p)
	})

	update := manifest.Update{Code: "U1", Version: "1.2.0", Link: srv.URL + "/files/setup.exe"}
	tr := m.FetchArtifact(context.Background(), update.Link, update)
	res := waitTransfer(t, tr)

	require.NoError(t, res.Err)
	assert.Equal(t, StatusDone, tr.Status())
	assert.False(t, res.Cached)
	assert.Equal(t, m.ArtifactPath(update.Link), res.Path)
	assert.True(t, strings.HasSuffix(res.Path, "-setup.exe"))

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	parts, err := filepath.Glob(filepath.Join(filepath.Dir(res.Path), "*.part"))
	require.NoError(t, err)
	assert.Empty(t, parts)

	cached, ok := cache.CachedFile("U1")
	require.True(t, ok)
	assert.Equal(t, res.Path, cached)

	p := final.Load().(Progress)
	assert.Equal(t, int64(len(payload)), p.Received, "the final progress event is always sent")
	assert.Equal(t, "U1", p.Code)
	assert.True(t, strings.HasPrefix(userAgent.Load().(string), "UpdateNode client/"))
	assert.False(t, m.IsDownloading())
}

func TestFetchArtifact_CacheHitSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "cached.bin")
	require.NoError(t, os.WriteFile(local, []byte("cached"), 0o600))
	cache := newMemCache()
	require.NoError(t, cache.SetCachedFile("U1", local))

	m := newTestManager(t, cache)
	var batch atomic.Int32
	m.SetOnBatchDoneListener(func(Result) { batch.Add(1) })

	tr := m.FetchArtifact(context.Background(), srv.URL+"/a.bin", manifest.Update{Code: "U1"})
	select {
	case <-tr.Done():
	default:
		t.Fatal("cache hit must complete immediately")
	}

	res := tr.Result()
	require.NoError(t, res.Err)
	assert.True(t, res.Cached)
	assert.Equal(t, local, res.Path)
	assert.Equal(t, int32(0), hits.Load())
	assert.Equal(t, int32(1), batch.Load())
}

func TestFetchArtifact_StaleCacheEntryDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	cache := newMemCache()
	require.NoError(t, cache.SetCachedFile("U1", filepath.Join(t.TempDir(), "gone.bin")))

	m := newTestManager(t, cache)
	res := waitTransfer(t, m.FetchArtifact(context.Background(), srv.URL+"/a.bin", manifest.Update{Code: "U1"}))

	require.NoError(t, res.Err)
	assert.False(t, res.Cached)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}

func TestFetchArtifact_HTTPErrorKeepsCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cache := newMemCache()
	m := newTestManager(t, cache)
	tr := m.FetchArtifact(context.Background(), srv.URL+"/missing", manifest.Update{Code: "U1"})
	res := waitTransfer(t, tr)

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrTransferFailed)
	assert.Equal(t, http.StatusNotFound, res.ErrorCode())
	assert.Contains(t, res.ErrorMessage(), "404")
	assert.Equal(t, StatusFailed, tr.Status())
	_, ok := cache.CachedFile("U1")
	assert.False(t, ok)
}

func TestFetchArtifact_RetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("second"))
	}))
	defer srv.Close()

	m := newTestManager(t, nil, func(c *Config) {
		c.RetryDelay = 10 * time.Millisecond
	})
	res := waitTransfer(t, m.FetchArtifact(context.Background(), srv.URL+"/a.bin", manifest.Update{Code: "U1"}))

	require.NoError(t, res.Err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCancel_AbortsTrackedTransfersOnly(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/raw") {
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte("manifest"))
			return
		}
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	m := newTestManager(t, newMemCache(), func(c *Config) {
		c.RetryDelay = time.Second
	})

	var batch atomic.Int32
	m.SetOnBatchDoneListener(func(Result) { batch.Add(1) })

	a := m.FetchArtifact(context.Background(), srv.URL+"/a.bin", manifest.Update{Code: "A"})
	b := m.FetchArtifact(context.Background(), srv.URL+"/b.bin", manifest.Update{Code: "B"})
	raw := m.FetchRaw(context.Background(), srv.URL+"/raw", "manifest")

	require.Eventually(t, func() bool {
		return a.Status() == StatusActive && b.Status() == StatusActive
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, m.IsDownloading())

	m.Cancel()

	for _, tr := range []*Transfer{a, b} {
		res := waitTransfer(t, tr)
		assert.ErrorIs(t, res.Err, ErrCancelled)
		assert.Equal(t, StatusCancelled, tr.Status())
	}
	assert.False(t, m.IsDownloading())
	assert.Eventually(t, func() bool { return batch.Load() == 1 }, time.Second, 10*time.Millisecond)

	select {
	case r, ok := <-raw:
		require.True(t, ok, "raw fetch is not affected by cancel")
		assert.Equal(t, "manifest", string(r.Data))
		assert.Equal(t, "manifest", r.Label)
	case <-time.After(5 * time.Second):
		t.Fatal("raw fetch did not complete")
	}
}

func TestFetchRaw_OmitsResultOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestManager(t, nil)
	_, ok := <-m.FetchRaw(context.Background(), srv.URL, "label")
	assert.False(t, ok)

	_, ok = <-m.FetchRaw(context.Background(), "http://127.0.0.1:1/unreachable", "label")
	assert.False(t, ok)
}

func TestFetchRaw_RejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("m"), 64))
	}))
	defer srv.Close()

	m := newTestManager(t, nil, func(c *Config) {
		c.MaxRawSize = 63
	})
	_, ok := <-m.FetchRaw(context.Background(), srv.URL, "manifest")
	assert.False(t, ok, "a body over the limit is not returned truncated")

	exact := newTestManager(t, nil, func(c *Config) {
		c.MaxRawSize = 64
	})
	raw, ok := <-exact.FetchRaw(context.Background(), srv.URL, "manifest")
	require.True(t, ok)
	assert.Len(t, raw.Data, 64)
}

func TestFetchAll_ReportsEveryItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bad") {
			w.WriteHeader(http.StatusGone)
			return
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = fmt.Fprintf(w, "body of %s", r.URL.Path)
	}))
	defer srv.Close()

	m := newTestManager(t, newMemCache(), func(c *Config) {
		c.MaxConcurrent = 2
	})

	var updates []manifest.Update
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("ok-%d.bin", i)
		if i == 3 {
			name = "bad.bin"
		}
		updates = append(updates, manifest.Update{Code: fmt.Sprintf("U%d", i), Link: srv.URL + "/" + name})
	}

	results := m.FetchAll(context.Background(), updates)
	require.Len(t, results, len(updates))
	for i, res := range results {
		assert.Equal(t, updates[i].Code, res.Update.Code, "results keep input order")
		if i == 3 {
			assert.ErrorIs(t, res.Err, ErrTransferFailed)
			assert.Equal(t, http.StatusGone, res.ErrorCode())
			continue
		}
		require.NoError(t, res.Err)
		got, err := os.ReadFile(res.Path)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("body of /ok-%d.bin", i), string(got))
	}
	assert.False(t, m.IsDownloading())
}

func TestFetchAll_SharedLinkDownloadsEachItem(t *testing.T) {
	payload := bytes.Repeat([]byte("s"), 1<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	m := newTestManager(t, newMemCache())
	link := srv.URL + "/setup.exe"
	updates := []manifest.Update{{Code: "A", Link: link}, {Code: "B", Link: link}, {Code: "C", Link: link}}

	results := m.FetchAll(context.Background(), updates)
	require.Len(t, results, len(updates))
	for _, res := range results {
		require.NoError(t, res.Err, "update %s", res.Update.Code)
		assert.Equal(t, m.ArtifactPath(link), res.Path)
	}

	got, err := os.ReadFile(m.ArtifactPath(link))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	parts, err := filepath.Glob(filepath.Join(filepath.Dir(m.ArtifactPath(link)), "*.part"))
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestFetchAll_CancelledContext(t *testing.T) {
	m := newTestManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := m.FetchAll(ctx, []manifest.Update{{Code: "U1", Link: "http://127.0.0.1:1/a"}})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrCancelled)
}

func TestTLSPolicy(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}))
	defer srv.Close()

	t.Run("strict rejects self-signed", func(t *testing.T) {
		m := newTestManager(t, nil, func(c *Config) {
			c.RetryDelay = time.Second
		})
		tr := m.FetchArtifact(context.Background(), srv.URL+"/a.bin", manifest.Update{Code: "U1"})
		res := waitTransfer(t, tr)
		assert.ErrorIs(t, res.Err, ErrTLSValidation)
	})

	t.Run("strict accepts trusted root", func(t *testing.T) {
		pool := x509.NewCertPool()
		pool.AddCert(srv.Certificate())
		m := newTestManager(t, nil, func(c *Config) {
			c.RootCAs = pool
		})
		res := waitTransfer(t, m.FetchArtifact(context.Background(), srv.URL+"/a.bin", manifest.Update{Code: "U1"}))
		assert.NoError(t, res.Err)
	})

	t.Run("bypass accepts self-signed", func(t *testing.T) {
		m := newTestManager(t, nil, func(c *Config) {
			c.TLSPolicy = TLSBypass
		})
		res := waitTransfer(t, m.FetchArtifact(context.Background(), srv.URL+"/a.bin", manifest.Update{Code: "U1"}))
		require.NoError(t, res.Err)

		r, ok := <-m.FetchRaw(context.Background(), srv.URL, "raw")
		require.True(t, ok)
		assert.Equal(t, "secure", string(r.Data))
	})
}

func TestHostOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	m := newTestManager(t, nil, func(c *Config) {
		c.HostOverride = srv.URL
	})
	r, ok := <-m.FetchRaw(context.Background(), "https://updates.invalid/manifest.yaml", "manifest")
	require.True(t, ok)
	assert.Equal(t, "/manifest.yaml", string(r.Data))
}

func TestParseTLSPolicy(t *testing.T) {
	p, err := ParseTLSPolicy("")
	require.NoError(t, err)
	assert.Equal(t, TLSStrict, p)

	p, err = ParseTLSPolicy("Bypass")
	require.NoError(t, err)
	assert.Equal(t, TLSBypass, p)
	assert.Equal(t, "bypass", p.String())

	_, err = ParseTLSPolicy("maybe")
	assert.Error(t, err)
}

func TestNew_RequiresCacheDir(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{CacheDir: t.TempDir(), HostOverride: "http://"}, nil)
	assert.Error(t, err)
}

func TestTransferError(t *testing.T) {
	err := newTransferError(ErrTransferFailed, 503, "unavailable")
	assert.True(t, errors.Is(err, ErrTransferFailed))
	assert.Contains(t, err.Error(), "503")

	res := Result{Err: errors.New("plain")}
	assert.Equal(t, 0, res.ErrorCode())
	assert.Equal(t, "plain", res.ErrorMessage())
	assert.Equal(t, "", Result{}.ErrorMessage())
}
