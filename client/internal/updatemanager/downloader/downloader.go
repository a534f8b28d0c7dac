package downloader

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/updatenode/updatenode/client/internal/manifest"
	semaphoregroup "github.com/updatenode/updatenode/util/semaphore-group"
)

const (
	DefaultRetryDelay    = 3 * time.Second
	DefaultTimeout       = 20 * time.Second
	DefaultMaxConcurrent = 4
	DefaultMaxRawSize    = 4 << 20

	defaultProgressInterval = 100 * time.Millisecond
	fallbackArtifactName    = "artifact"
)

// Cache maps update codes to local artifact files
type Cache interface {
	CachedFile(code string) (string, bool)
	SetCachedFile(code, path string) error
}

// Config of the download manager
type Config struct {
	// CacheDir receives the downloaded artifacts
	CacheDir string
	// Timeout bounds connecting and waiting for response headers. Raw fetches
	// are bounded by it as a whole.
	Timeout time.Duration
	// RetryDelay before the single retry of a failed transfer, zero disables it
	RetryDelay time.Duration
	// HostOverride replaces scheme and host of every request
	HostOverride string
	TLSPolicy    TLSPolicy
	// RootCAs replaces the system roots when set
	RootCAs          *x509.CertPool
	MaxConcurrent    int
	MaxRawSize       int64
	ProgressInterval time.Duration
}

// DefaultConfig returns the configuration used by the client
func DefaultConfig(cacheDir string) Config {
	return Config{
		CacheDir:         cacheDir,
		Timeout:          DefaultTimeout,
		RetryDelay:       DefaultRetryDelay,
		TLSPolicy:        TLSStrict,
		MaxConcurrent:    DefaultMaxConcurrent,
		MaxRawSize:       DefaultMaxRawSize,
		ProgressInterval: defaultProgressInterval,
	}
}

// Manager fetches manifests and update artifacts. Artifact transfers are
// tracked until they finish and can be cancelled together; raw fetches are not tracked.
type Manager struct {
	cfg    Config
	cache  Cache
	client *http.Client
	sem    *semaphoregroup.SemaphoreGroup

	mu          sync.Mutex
	inflight    map[uuid.UUID]*Transfer
	onProgress  func(Progress)
	onBatchDone func(Result)
}

// New creates a Manager. cache may be nil, then nothing is cached.
func New(cfg Config, cache Cache) (*Manager, error) {
	if cfg.CacheDir == "" {
		return nil, errors.New("cache directory is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxRawSize <= 0 {
		cfg.MaxRawSize = DefaultMaxRawSize
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}

	client, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:      cfg,
		cache:    cache,
		client:   client,
		sem:      semaphoregroup.NewSemaphoreGroup(cfg.MaxConcurrent),
		inflight: make(map[uuid.UUID]*Transfer),
	}, nil
}

// SetOnProgressListener sets the receiver of throttled progress events
func (m *Manager) SetOnProgressListener(fn func(Progress)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = fn
}

// SetOnBatchDoneListener sets the receiver of the aggregate event fired
// whenever the set of in-flight transfers drains. It carries the result of the
// transfer that finished last; use Transfer.Done for per-item completion.
func (m *Manager) SetOnBatchDoneListener(fn func(Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBatchDone = fn
}

// IsDownloading reports whether any artifact transfer is in flight
func (m *Manager) IsDownloading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight) > 0
}

// Cancel aborts every tracked artifact transfer. Raw fetches are unaffected.
func (m *Manager) Cancel() {
	m.mu.Lock()
	transfers := make([]*Transfer, 0, len(m.inflight))
	for _, t := range m.inflight {
		transfers = append(transfers, t)
	}
	m.mu.Unlock()

	for _, t := range transfers {
		log.Debugf("cancelling transfer %s for %s", t.id, t.update.Code)
		t.cancel()
	}
}

// FetchRaw downloads url into memory without caching or tracking. The
// channel yields one RawResult and closes; on error it closes without a value.
func (m *Manager) FetchRaw(ctx context.Context, url, label string) <-chan RawResult {
	out := make(chan RawResult, 1)

	go func() {
		defer close(out)

		ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()

		data, err := m.downloadToMemory(ctx, url)
		if err != nil {
			log.Errorf("failed to fetch %s (%s): %v", url, label, err)
			return
		}
		out <- RawResult{Data: data, Label: label}
	}()

	return out
}

// FetchArtifact downloads the artifact of update from url into the cache
// directory. A cached artifact still present on disk completes the returned
// transfer immediately without network I/O.
func (m *Manager) FetchArtifact(ctx context.Context, url string, update manifest.Update) *Transfer {
	t := newTransfer(url, update)

	if m.cache != nil {
		if p, ok := m.cache.CachedFile(update.Code); ok {
			log.Infof("using cached artifact for %s: %s", update.Code, p)
			res := Result{Update: update, Path: p, Cached: true}
			t.finish(res)
			if !m.IsDownloading() {
				m.notifyBatchDone(res)
			}
			return t
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	m.mu.Lock()
	m.inflight[t.id] = t
	m.mu.Unlock()

	go m.run(ctx, t)
	return t
}

// FetchAll fetches the artifacts of updates concurrently, at most
// MaxConcurrent at a time, and returns their results in input order.
func (m *Manager) FetchAll(ctx context.Context, updates []manifest.Update) []Result {
	results := make([]Result, len(updates))

	var g errgroup.Group
	for i, u := range updates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Update: u, Err: newTransferError(ErrCancelled, 0, "%v", err)}
				return nil
			}
			if !m.sem.TryAdd() {
				log.Debugf("all %d download slots busy, %s is queued", m.sem.Limit(), u.Code)
				if err := m.sem.Add(ctx); err != nil {
					results[i] = Result{Update: u, Err: newTransferError(ErrCancelled, 0, "%v", err)}
					return nil
				}
			}
			defer m.sem.Done()

			t := m.FetchArtifact(ctx, u.Link, u)
			<-t.Done()
			results[i] = t.Result()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (m *Manager) run(ctx context.Context, t *Transfer) {
	t.setActive()

	res := Result{Update: t.update}
	p, err := m.downloadToFile(ctx, t)
	if err != nil {
		log.Errorf("download of %s from %s failed: %v", t.update.Code, t.url, err)
		res.Err = err
	} else {
		res.Path = p
		if m.cache != nil {
			if err := m.cache.SetCachedFile(t.update.Code, p); err != nil {
				log.Warnf("failed to record cached artifact for %s: %v", t.update.Code, err)
			}
		}
		log.Infof("downloaded %s to %s", t.update.Code, p)
	}

	m.mu.Lock()
	delete(m.inflight, t.id)
	empty := len(m.inflight) == 0
	m.mu.Unlock()

	t.finish(res)
	if empty {
		m.notifyBatchDone(res)
	}
}

func (m *Manager) notifyBatchDone(res Result) {
	m.mu.Lock()
	fn := m.onBatchDone
	m.mu.Unlock()

	if fn != nil {
		fn(res)
	}
}

func (m *Manager) notifyProgress(p Progress) {
	m.mu.Lock()
	fn := m.onProgress
	m.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

// ArtifactPath is the deterministic local path of the artifact behind rawURL
func (m *Manager) ArtifactPath(rawURL string) string {
	name := fallbackArtifactName
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	return filepath.Join(m.cfg.CacheDir, fmt.Sprintf("%016x-%s", xxhash.Sum64String(rawURL), name))
}

func (m *Manager) downloadToFile(ctx context.Context, t *Transfer) (string, error) {
	dst := m.ArtifactPath(t.url)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", newTransferError(ErrTransferFailed, 0, "create cache directory: %v", err)
	}

	// one temp file per transfer, transfers of the same URL may overlap
	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return "", newTransferError(ErrTransferFailed, 0, "create temp file for %s: %v", dst, err)
	}
	part := out.Name()
	defer func() {
		if cerr := out.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			log.Warnf("error closing file %q: %v", part, cerr)
		}
		if _, serr := os.Stat(part); serr == nil {
			_ = os.Remove(part)
		}
	}()
	if err := out.Chmod(0o644); err != nil {
		return "", newTransferError(ErrTransferFailed, 0, "set permissions of %s: %v", part, err)
	}

	err = m.downloadToFileOnce(ctx, t, out)
	if err != nil && m.retryable(ctx, err) {
		log.Warnf("download failed, retrying after %v: %v", m.cfg.RetryDelay, err)

		if sleepErr := sleepWithContext(ctx, m.cfg.RetryDelay); sleepErr != nil {
			return "", newTransferError(ErrCancelled, 0, "cancelled during retry delay")
		}
		if err := out.Truncate(0); err != nil {
			return "", newTransferError(ErrTransferFailed, 0, "truncate file on retry: %v", err)
		}
		if _, err := out.Seek(0, io.SeekStart); err != nil {
			return "", newTransferError(ErrTransferFailed, 0, "seek to beginning of file: %v", err)
		}
		err = m.downloadToFileOnce(ctx, t, out)
	}
	if err != nil {
		return "", err
	}

	if err := out.Close(); err != nil {
		return "", newTransferError(ErrTransferFailed, 0, "close %s: %v", part, err)
	}
	if err := os.Rename(part, dst); err != nil {
		return "", newTransferError(ErrTransferFailed, 0, "move artifact into place: %v", err)
	}
	return dst, nil
}

func (m *Manager) retryable(ctx context.Context, err error) bool {
	if m.cfg.RetryDelay <= 0 || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrTLSValidation) && !errors.Is(err, ErrCancelled)
}

func (m *Manager) downloadToFileOnce(ctx context.Context, t *Transfer, out io.Writer) error {
	resp, err := m.get(ctx, t.url)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	pw := &progressWriter{
		w:       out,
		limiter: rate.NewLimiter(rate.Every(m.cfg.ProgressInterval), 1),
		progress: Progress{
			ID:    t.id,
			Code:  t.update.Code,
			Total: resp.ContentLength,
		},
		emit: m.notifyProgress,
	}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return classify(ctx, fmt.Errorf("write response body: %w", err))
	}
	pw.flush()

	return nil
}

func (m *Manager) downloadToMemory(ctx context.Context, url string) ([]byte, error) {
	resp, err := m.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, m.cfg.MaxRawSize+1))
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("read response body: %w", err))
	}
	if int64(len(data)) > m.cfg.MaxRawSize {
		return nil, newTransferError(ErrTransferFailed, 0, "response body exceeds %d bytes", m.cfg.MaxRawSize)
	}
	return data, nil
}

func (m *Manager) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newTransferError(ErrTransferFailed, 0, "create HTTP request: %v", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("perform HTTP request: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, newTransferError(ErrTransferFailed, resp.StatusCode, "unexpected HTTP status: %s", resp.Status)
	}
	return resp, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return newTransferError(ErrCancelled, 0, "%v", err)
	case isTLSError(err):
		return newTransferError(ErrTLSValidation, 0, "%v", err)
	default:
		return newTransferError(ErrTransferFailed, 0, "%v", err)
	}
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	select {
	case <-time.After(duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// progressWriter counts written bytes and emits throttled progress events
type progressWriter struct {
	w        io.Writer
	limiter  *rate.Limiter
	progress Progress
	emit     func(Progress)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.progress.Received += int64(n)
	if p.limiter.Allow() {
		p.emit(p.progress)
	}
	return n, err
}

func (p *progressWriter) flush() {
	p.emit(p.progress)
}
