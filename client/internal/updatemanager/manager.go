package updatemanager

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/updatenode/updatenode/client/internal/manifest"
	"github.com/updatenode/updatenode/client/internal/updatemanager/downloader"
	"github.com/updatenode/updatenode/version"
)

const minTriggerGap = 5 * time.Second

// Mode selects what a run does
type Mode int

const (
	// ModeCheck only reports pending updates
	ModeCheck Mode = iota
	// ModeUpdates downloads pending updates
	ModeUpdates
	// ModeMessages reports unseen messages
	ModeMessages
	// ModeManager downloads updates and reports messages
	ModeManager
)

func (m Mode) String() string {
	switch m {
	case ModeCheck:
		return "check"
	case ModeUpdates:
		return "updates"
	case ModeMessages:
		return "messages"
	case ModeManager:
		return "manager"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Fetcher is the part of the download manager used here
type Fetcher interface {
	FetchRaw(ctx context.Context, url, label string) <-chan downloader.RawResult
	FetchAll(ctx context.Context, updates []manifest.Update) []downloader.Result
	Cancel()
	IsDownloading() bool
}

// Store keeps message state between runs
type Store interface {
	manifest.SeenChecker
	MarkMessage(code string, shown, loaded bool)
	Persist(ctx context.Context) error
}

// Report is the outcome of one run
type Report struct {
	Mode     Mode
	Product  manifest.Product
	Pending  []manifest.Update
	Results  []downloader.Result
	Messages []manifest.Message
}

// Failed returns the results that ended with an error
func (r Report) Failed() []downloader.Result {
	var failed []downloader.Result
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// UpdateManager loads the manifest, works out what is pending for the
// installed product version and drives the downloader
type UpdateManager struct {
	source          string
	currentVersion  string
	mode            Mode
	enforceMessages bool

	fetcher Fetcher
	store   Store

	lastTrigger time.Time
	minGap      time.Duration
	triggerChan chan struct{}
	interval    time.Duration
	watch       bool
	onReport    func(Report, error)

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewUpdateManager creates a manager for the manifest at source, a local path or http(s) URL
func NewUpdateManager(source, currentVersion string, mode Mode, fetcher Fetcher, store Store) *UpdateManager {
	return &UpdateManager{
		source:         source,
		currentVersion: currentVersion,
		mode:           mode,
		fetcher:        fetcher,
		store:          store,
		minGap:         minTriggerGap,
		triggerChan:    make(chan struct{}, 1),
	}
}

// SetEnforceMessages makes update runs report unseen messages as well
func (u *UpdateManager) SetEnforceMessages(enforce bool) {
	u.enforceMessages = enforce
}

// SetInterval sets the period of the background loop, zero disables it
func (u *UpdateManager) SetInterval(d time.Duration) {
	u.interval = d
}

// SetWatchManifest makes the background loop rerun when a local manifest file changes
func (u *UpdateManager) SetWatchManifest(watch bool) {
	u.watch = watch
}

// SetOnReportListener receives the outcome of every background run
func (u *UpdateManager) SetOnReportListener(fn func(Report, error)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onReport = fn
}

// LoadManifest reads the manifest from disk or fetches it over the network
func (u *UpdateManager) LoadManifest(ctx context.Context) (*manifest.Manifest, error) {
	if u.source == "" {
		return nil, errors.New("no manifest source configured")
	}
	if !manifest.IsRemote(u.source) {
		return manifest.ReadFile(u.source)
	}

	select {
	case raw, ok := <-u.fetcher.FetchRaw(ctx, u.source, "manifest"):
		if !ok {
			return nil, fmt.Errorf("fetch manifest from %s: %w", u.source, downloader.ErrTransferFailed)
		}
		return manifest.Decode(raw.Data)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run performs a single pass in the configured mode
func (u *UpdateManager) Run(ctx context.Context) (Report, error) {
	report := Report{Mode: u.mode}

	m, err := u.LoadManifest(ctx)
	if err != nil {
		return report, err
	}
	report.Product = m.Product

	if u.mode != ModeMessages {
		report.Pending = m.PendingUpdates(u.currentVersion)
		log.Infof("%d update(s) newer than %q", len(report.Pending), u.currentVersion)
	}

	if (u.mode == ModeUpdates || u.mode == ModeManager) && len(report.Pending) > 0 {
		report.Results = u.fetcher.FetchAll(ctx, withExpandedLinks(report.Pending))
		for _, res := range report.Failed() {
			log.Warnf("update %s not downloaded: %v", res.Update.Code, res.Err)
		}
	}

	if u.mode == ModeMessages || u.mode == ModeManager || u.enforceMessages {
		u.collectMessages(ctx, m, &report)
	}

	return report, nil
}

func (u *UpdateManager) collectMessages(ctx context.Context, m *manifest.Manifest, report *Report) {
	if u.store == nil {
		report.Messages = m.PendingMessages(nil)
		return
	}

	report.Messages = m.PendingMessages(u.store)
	for _, msg := range report.Messages {
		u.store.MarkMessage(msg.Code, true, true)
	}
	if err := u.store.Persist(ctx); err != nil {
		log.Errorf("failed to persist message state: %v", err)
	}
}

// Trigger asks the background loop for an immediate run
func (u *UpdateManager) Trigger() {
	select {
	case u.triggerChan <- struct{}{}:
	default:
	}
}

// Start runs the manager in the background: once right away, then every
// interval, on Trigger and, when enabled, on manifest file changes
func (u *UpdateManager) Start(ctx context.Context) {
	if u.cancel != nil {
		log.Errorf("UpdateManager already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	if u.watch {
		if err := u.watchManifest(ctx); err != nil {
			log.Warnf("manifest changes will not trigger runs: %v", err)
		}
	}

	u.wg.Add(1)
	go u.updateLoop(ctx)
	u.Trigger()
}

// Stop cancels running transfers and waits for the loop to exit
func (u *UpdateManager) Stop() {
	if u.cancel == nil {
		return
	}

	u.cancel()
	u.fetcher.Cancel()
	u.wg.Wait()
	u.cancel = nil
}

func (u *UpdateManager) updateLoop(ctx context.Context) {
	defer u.wg.Done()

	var tick <-chan time.Time
	if u.interval > 0 {
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.triggerChan:
		case <-tick:
		}

		u.handleRun(ctx)
	}
}

func (u *UpdateManager) handleRun(ctx context.Context) {
	if time.Since(u.lastTrigger) < u.minGap {
		log.Tracef("run requested too soon after the previous one")
		return
	}
	if u.fetcher.IsDownloading() {
		log.Debugf("downloads still in flight, skipping run")
		return
	}
	u.lastTrigger = time.Now()

	report, err := u.Run(ctx)
	if err != nil {
		log.Errorf("update run failed: %v", err)
	}

	u.mu.Lock()
	fn := u.onReport
	u.mu.Unlock()
	if fn != nil {
		fn(report, err)
	}
}

// withExpandedLinks substitutes %version and %arch in download links
func withExpandedLinks(updates []manifest.Update) []manifest.Update {
	out := make([]manifest.Update, len(updates))
	for i, up := range updates {
		up.Link = urlWithVersionArch(up.Link, up.Version)
		out[i] = up
	}
	return out
}

func urlWithVersionArch(url, version string) string {
	url = strings.ReplaceAll(url, "%version", version)
	url = strings.ReplaceAll(url, "%arch", runtime.GOARCH)
	return url
}

// Newest returns the highest version among updates or an empty string
func Newest(updates []manifest.Update) string {
	if len(updates) == 0 {
		return ""
	}
	sorted := append([]manifest.Update(nil), updates...)
	version.SortDescending(sorted)
	return sorted[0].Version
}
