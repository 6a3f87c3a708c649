package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("kgg-cli %s (built %s)\n", Version, BuildTime)

			if !remote {
				return nil
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			health, err := client.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("backend unreachable at %s: %w", cfg.BackendURL, err)
			}
			fmt.Printf("backend %s at %s\n", health.Version, cfg.BackendURL)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "Also query the backend version")

	return cmd
}
