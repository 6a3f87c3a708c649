// Package cli provides the command-line interface for kgg-cli.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kggtools/kgg-cli/internal/api"
	"github.com/kggtools/kgg-cli/internal/config"
	"github.com/kggtools/kgg-cli/internal/logging"
)

var (
	// Global flags
	cfgFile    string
	backendURL string
	verbose    bool

	// Global logger
	logger *logging.Logger
)

// Version information - set by main at startup, overridable via LDFLAGS.
var (
	Version   = "v0.3.0-dev"
	BuildTime = "unknown"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kgg-cli",
		Short: "kgg-cli - convert encrypted music files via the kgg backend",
		Long: `kgg-cli ` + Version + ` - client for the encrypted music conversion backend.

Queues encrypted audio files (.kgg .kgm .kgma .vpr .ncm), submits them to
the conversion backend and follows per-file progress over the live event
stream. Conversion itself runs server-side; this tool owns the queue, the
run lifecycle and the result history.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultLogger()
			if verbose {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend-url", "", "Backend base URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")

	rootCmd.AddCommand(newConvertCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the root command with a signal-aware context. The first
// SIGINT/SIGTERM cancels the active run; a second one kills the
// process.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger == nil {
			logger = logging.NewDefaultLogger()
		}
		logger.Error().Msg(err.Error())
		return 1
	}
	return 0
}

// loadConfig reads the active config file, applying flag overrides.
func loadConfig() (*config.Config, string, error) {
	path := cfgFile
	if path == "" {
		defaultPath, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = defaultPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if backendURL != "" {
		cfg.BackendURL = backendURL
	}
	return cfg, path, nil
}

// newClient builds a backend API client from the loaded config.
func newClient(cfg *config.Config) (*api.Client, error) {
	return api.NewClient(api.Options{
		BaseURL:   cfg.BackendURL,
		ProxyMode: cfg.ProxyMode,
		ProxyURL:  cfg.ProxyURL,
		NoProxy:   cfg.NoProxy,
		Logger:    logger,
	})
}
