package cmd

import (
	"github.com/spf13/cobra"

	"github.com/updatenode/updatenode/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "prints the UpdateNode client version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(version.ClientVersion())
			return nil
		},
	}
}
