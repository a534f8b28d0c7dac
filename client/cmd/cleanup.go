package cmd

import (
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	clienterrors "github.com/updatenode/updatenode/client/errors"
	"github.com/updatenode/updatenode/client/internal/relaunch"
)

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "removes cached artifacts and the staged client copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig(cmd)
			if err != nil {
				return err
			}
			keyHash := cfg.KeyHashed()

			var merr *multierror.Error

			store, err := openSettings(cfg, keyHash)
			if err != nil {
				return exitWith(ExitError, err)
			}
			if err := store.PurgeCache(); err != nil {
				merr = multierror.Append(merr, err)
			}
			if err := store.Persist(cmd.Context()); err != nil {
				merr = multierror.Append(merr, err)
			}

			stager, err := relaunch.NewStager()
			if err != nil {
				merr = multierror.Append(merr, err)
			} else if err := stager.Cleanup(keyHash); err != nil {
				merr = multierror.Append(merr, err)
			}

			if err := clienterrors.FormatErrorOrNil(merr); err != nil {
				return exitWith(ExitError, err)
			}
			log.Infof("cleanup done")
			return nil
		},
	}
}
