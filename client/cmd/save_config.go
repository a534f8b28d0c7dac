package cmd

import (
	"github.com/spf13/cobra"
)

func newSaveConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save-config <path>",
		Short: "writes the effective configuration to a YAML file for later use with --config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig(cmd)
			if err != nil {
				return err
			}

			if err := cfg.WriteFile(cmd.Context(), args[0]); err != nil {
				return exitWith(ExitError, err)
			}
			cmd.Printf("configuration written to %s\n", args[0])
			return nil
		},
	}
}
