package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/updatenode/updatenode/client/internal/config"
	"github.com/updatenode/updatenode/util"
)

// Process exit codes
const (
	ExitOK = iota
	ExitError
	ExitWrongParameter
	ExitNoUpdates
	ExitUpdatesAvailable
	ExitAlreadyRunning
)

// exitCodeError carries the process exit code of a run. Err is nil for
// outcomes that are not failures, e.g. ExitNoUpdates.
type exitCodeError struct {
	Code int
	Err  error
}

func (e *exitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *exitCodeError) Unwrap() error {
	return e.Err
}

func exitWith(code int, err error) error {
	return &exitCodeError{Code: code, Err: err}
}

// ExitCode maps an error returned by Execute to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, config.ErrInvalidConfig) {
		return ExitWrongParameter
	}
	return ExitError
}

// ErrorMessage returns the text worth printing for err, empty for plain exit codes
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return ""
	}
	return err.Error()
}

var rootCmd = newRootCmd()

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

type rootOptions struct {
	configPath string
	flags      *config.Config
	// instanceDir holds the single instance files, empty for the platform default
	instanceDir string
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(&rootOptions{flags: config.Default()})
}

func buildRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "updatenode-client",
		Short:         "UpdateNode update client",
		Long:          "Checks for and downloads product updates and shows product messages.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file, flags and UPDATENODE_ variables override it")
	opts.flags.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newModeCmd(opts, modeCheck),
		newModeCmd(opts, modeUpdates),
		newModeCmd(opts, modeMessages),
		newModeCmd(opts, modeManager),
		newSaveConfigCmd(opts),
		newVersionCmd(),
		newCleanupCmd(opts),
	)

	return cmd
}

// resolveConfig applies the environment to the flags, merges the config file
// and initializes logging
func (o *rootOptions) resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	util.SetFlagsFromEnvVars(cmd.Root())
	util.SetFlagsFromEnvVars(cmd)

	cfg, err := config.Resolve(o.configPath, cmd.Flags())
	if err != nil {
		return nil, exitWith(ExitWrongParameter, err)
	}

	if err := util.InitLog(cfg.LogLevel, cfg.LogFile); err != nil {
		return nil, exitWith(ExitWrongParameter, fmt.Errorf("init log: %w", err))
	}

	return cfg, nil
}

// SetupCloseHandler handles SIGTERM signal and exits with success
func SetupCloseHandler(ctx context.Context, cancel context.CancelFunc) {
	termCh := make(chan os.Signal, 1)
	signal.Notify(termCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(termCh)

		select {
		case <-ctx.Done():
			return
		case <-termCh:
		}

		log.Info("shutdown signal received")
		cancel()
	}()
}
