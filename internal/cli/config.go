package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"screentrail/internal/config"
)

// NewConfigCmd shows and initializes the configuration file.
func NewConfigCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := deps.Config().Redacted().Encode()
			if err != nil {
				return err
			}
			_, err = deps.Out.Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := deps.configPath
			if path == "" {
				path = config.ConfigPath()
			}
			fmt.Fprintln(deps.Out, path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := deps.configPath
			if path == "" {
				path = config.ConfigPath()
			}
			_, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(deps.Out, "Wrote %s\n", path)
			} else {
				fmt.Fprintf(deps.Out, "%s already exists\n", path)
			}
			return nil
		},
	})

	return cmd
}
