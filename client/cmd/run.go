package cmd

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"

	"github.com/updatenode/updatenode/client/internal/config"
	"github.com/updatenode/updatenode/client/internal/instance"
	"github.com/updatenode/updatenode/client/internal/relaunch"
	"github.com/updatenode/updatenode/client/internal/settings"
	"github.com/updatenode/updatenode/client/internal/updatemanager"
	"github.com/updatenode/updatenode/client/internal/updatemanager/downloader"
	"github.com/updatenode/updatenode/util"
)

const (
	stopTimeout = 5 * time.Second
	// the running instance acknowledges within a heartbeat, then needs up to
	// stopTimeout to persist its settings and exit
	takeOverTimeout = 3*time.Second + stopTimeout
)

// openURL is replaced in tests
var openURL = open.Run

type modeDef struct {
	name  string
	short string
	mode  updatemanager.Mode
}

var (
	modeCheck    = modeDef{name: "check", short: "checks for updates, exit code 4 when updates are available", mode: updatemanager.ModeCheck}
	modeUpdates  = modeDef{name: "updates", short: "downloads pending updates", mode: updatemanager.ModeUpdates}
	modeMessages = modeDef{name: "messages", short: "shows unseen product messages", mode: updatemanager.ModeMessages}
	modeManager  = modeDef{name: "manager", short: "downloads pending updates and shows messages", mode: updatemanager.ModeManager}
)

func newModeCmd(opts *rootOptions, def modeDef) *cobra.Command {
	return &cobra.Command{
		Use:   def.name,
		Short: def.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runMode(cmd, opts, cfg, def.mode)
		},
	}
}

func runMode(cmd *cobra.Command, opts *rootOptions, cfg *config.Config, mode updatemanager.Mode) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	SetupCloseHandler(ctx, cancel)

	keyHash := cfg.KeyHashed()

	if cfg.Relaunch {
		relaunched, err := stageAndRelaunch(ctx, keyHash)
		if err != nil {
			return exitWith(ExitError, err)
		}
		if relaunched {
			log.Infof("continuing in the relaunched process")
			return nil
		}
	}

	coord, err := claimInstance(ctx, opts, cfg, keyHash)
	if err != nil {
		return err
	}
	if coord != nil {
		defer func() {
			if err := coord.Close(); err != nil {
				log.Warnf("failed to release single instance cell: %v", err)
			}
		}()
		ctx = util.WithRole(ctx, coord.Role().String())
		go func() {
			select {
			case <-coord.Yielded():
				log.WithContext(ctx).Info("another instance took over, stopping")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	store, err := openSettings(cfg, keyHash)
	if err != nil {
		return exitWith(ExitError, err)
	}
	store.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		if err := store.Stop(stopCtx); err != nil {
			log.Errorf("failed to persist settings: %v", err)
		}
	}()

	mgr, err := newUpdateManager(cfg, keyHash, mode, store)
	if err != nil {
		return exitWith(ExitError, err)
	}

	var report updatemanager.Report
	if cfg.Interval > 0 {
		report, err = runPeriodically(ctx, mgr, cfg, cmd)
	} else {
		report, err = mgr.Run(ctx)
		if err == nil {
			printReport(cmd, cfg, report)
		}
	}

	if coord != nil {
		select {
		case <-coord.Yielded():
			return nil
		default:
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return exitWith(ExitError, err)
	}

	runExec(cfg.Exec)
	if code := reportExitCode(mode, report); code != ExitOK {
		return exitWith(code, nil)
	}
	return nil
}

func stageAndRelaunch(ctx context.Context, keyHash string) (bool, error) {
	if relaunch.IsRelaunched() {
		log.Debugf("waiting for the original process to exit")
		return false, relaunch.WaitParentExit(ctx)
	}

	stager, err := relaunch.NewStager()
	if err != nil {
		return false, err
	}

	staged, err := stager.Stage(ctx, keyHash)
	switch {
	case errors.Is(err, relaunch.ErrStagingFailed):
		log.Warnf("staging not possible, running in place: %v", err)
		return false, nil
	case err != nil:
		return false, err
	case !staged:
		return false, nil
	}

	return stager.Relaunch(keyHash)
}

// claimInstance returns nil without error when the platform offers no
// shared memory; the run then continues without single instance guarantees
func claimInstance(ctx context.Context, opts *rootOptions, cfg *config.Config, keyHash string) (*instance.Coordinator, error) {
	coord, err := instance.TryBecomePrimary(keyHash, instance.WithDir(opts.instanceDir))
	if err != nil {
		if errors.Is(err, instance.ErrIPCUnavailable) {
			log.Warnf("single instance coordination unavailable: %v", err)
			return nil, nil
		}
		return nil, exitWith(ExitError, err)
	}
	coord.SetVisible(!cfg.Silent)

	if coord.Role() == instance.RolePrimary {
		return coord, nil
	}

	if !cfg.TakeOver {
		_ = coord.Close()
		return nil, exitWith(ExitAlreadyRunning, errors.New("another instance is already running"))
	}

	takeOverCtx, cancel := context.WithTimeout(ctx, takeOverTimeout)
	defer cancel()
	if err := coord.TakeOver(takeOverCtx); err != nil {
		_ = coord.Close()
		return nil, exitWith(ExitAlreadyRunning, err)
	}
	return coord, nil
}

func openSettings(cfg *config.Config, keyHash string) (*settings.Store, error) {
	path := cfg.SettingsFile
	if path == "" {
		path = settings.DefaultPath(keyHash)
	}

	store := settings.New(path)
	if err := store.Load(); err != nil {
		log.Warnf("starting with empty settings: %v", err)
	}
	return store, nil
}

func newUpdateManager(cfg *config.Config, keyHash string, mode updatemanager.Mode, store *settings.Store) (*updatemanager.UpdateManager, error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(settings.DefaultDir(keyHash), "downloads")
	}

	dc, err := cfg.DownloaderConfig(cacheDir)
	if err != nil {
		return nil, err
	}
	dl, err := downloader.New(dc, store)
	if err != nil {
		return nil, err
	}
	if !cfg.Silent {
		dl.SetOnProgressListener(func(p downloader.Progress) {
			log.Debugf("%s: %d/%d bytes", p.Code, p.Received, p.Total)
		})
	}

	source, err := cfg.ManifestSource()
	if err != nil {
		return nil, err
	}

	mgr := updatemanager.NewUpdateManager(source, cfg.ProductVersion, mode, dl, store)
	mgr.SetEnforceMessages(cfg.EnforceMessages)
	mgr.SetInterval(cfg.Interval)
	mgr.SetWatchManifest(cfg.Interval > 0)
	return mgr, nil
}

// runPeriodically runs in the background until ctx ends and returns the last report
func runPeriodically(ctx context.Context, mgr *updatemanager.UpdateManager, cfg *config.Config, cmd *cobra.Command) (updatemanager.Report, error) {
	reports := make(chan updatemanager.Report, 1)
	mgr.SetOnReportListener(func(r updatemanager.Report, err error) {
		if err != nil {
			return
		}
		printReport(cmd, cfg, r)
		select {
		case <-reports:
		default:
		}
		reports <- r
	})

	mgr.Start(ctx)
	<-ctx.Done()
	mgr.Stop()

	select {
	case r := <-reports:
		return r, nil
	default:
		return updatemanager.Report{}, ctx.Err()
	}
}

func reportExitCode(mode updatemanager.Mode, report updatemanager.Report) int {
	switch mode {
	case updatemanager.ModeCheck:
		if len(report.Pending) > 0 {
			return ExitUpdatesAvailable
		}
		return ExitNoUpdates
	case updatemanager.ModeUpdates, updatemanager.ModeManager:
		if len(report.Pending) == 0 {
			return ExitNoUpdates
		}
		if len(report.Failed()) > 0 {
			return ExitError
		}
	case updatemanager.ModeMessages:
		if len(report.Messages) == 0 {
			return ExitNoUpdates
		}
	}
	return ExitOK
}

func printReport(cmd *cobra.Command, cfg *config.Config, report updatemanager.Report) {
	if cfg.Silent {
		return
	}

	if report.Product.Name != "" {
		cmd.Printf("%s\n", report.Product.Name)
	}
	if report.Mode != updatemanager.ModeMessages {
		if len(report.Pending) == 0 {
			cmd.Println("no updates available")
		}
		for _, u := range report.Pending {
			cmd.Printf("update %s %s: %s\n", u.Code, u.Version, u.Title)
		}
		if newest := updatemanager.Newest(report.Pending); newest != "" {
			cmd.Printf("newest version %s\n", newest)
		}
	}
	for _, res := range report.Results {
		if res.Err != nil {
			cmd.Printf("  %s failed: %s\n", res.Update.Code, res.ErrorMessage())
			continue
		}
		cmd.Printf("  %s -> %s\n", res.Update.Code, res.Path)
	}
	for _, msg := range report.Messages {
		target := msg.Body
		if msg.OpenExternal || target == "" {
			target = msg.Link
		}
		cmd.Printf("message %s: %s\n  %s\n", msg.Code, msg.Title, target)
		if cfg.OpenExternal && msg.OpenExternal && msg.Link != "" {
			if err := openURL(msg.Link); err != nil {
				log.Warnf("failed to open %s: %v", msg.Link, err)
			}
		}
	}
}

// runExec starts the configured follow-up command detached from this run
func runExec(command string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return
	}

	c := exec.Command(fields[0], fields[1:]...)
	if err := c.Start(); err != nil {
		log.Errorf("failed to start %q: %v", command, err)
		return
	}
	log.Infof("started %q with pid %d", command, c.Process.Pid)
	if err := c.Process.Release(); err != nil {
		log.Warnf("failed to release %q: %v", command, err)
	}
}
