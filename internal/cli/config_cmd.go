package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit client preferences",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the active configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a configuration value",
		Long: `Set persists one configuration value. Keys match the TOML field
names, e.g. backend_url, output_dir, db_path, output_format,
mp3_quality, concurrency, proxy_mode, proxy_url, no_proxy,
notifications, history_limit.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSet(cmd.Context(), args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "detect",
		Short: "Report what the backend detected on its side",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigDetect(cmd.Context())
		},
	})

	return cmd
}

func runConfigShow() error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		t.SetStyle(table.StyleLight)
	} else {
		t.SetStyle(table.StyleDefault)
	}
	t.AppendHeader(table.Row{"Key", "Value"})
	t.AppendRows([]table.Row{
		{"backend_url", cfg.BackendURL},
		{"output_dir", cfg.OutputDir},
		{"db_path", cfg.DBPath},
		{"output_format", cfg.OutputFormat},
		{"mp3_quality", cfg.MP3Quality},
		{"concurrency", cfg.Concurrency},
		{"proxy_mode", cfg.ProxyMode},
		{"proxy_url", cfg.ProxyURL},
		{"no_proxy", cfg.NoProxy},
		{"notifications", cfg.Notifications},
		{"history_limit", cfg.HistoryLimit},
	})
	t.Render()

	logger.Infof("Config file: %s", path)
	return nil
}

func runConfigSet(ctx context.Context, key, value string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return err
	}

	// The credential path is the one value worth checking against the
	// backend before persisting; a down backend only warns.
	if key == "db_path" && value != "" {
		if client, cerr := newClient(cfg); cerr == nil {
			if result, verr := client.ValidateDBPath(ctx, value); verr != nil {
				logger.Warnf("Could not validate db_path against the backend: %v", verr)
			} else if !result.Valid {
				return fmt.Errorf("backend rejected db_path %q: not a usable KGMusicV3.db", value)
			}
		}
	}

	if err := cfg.Save(path); err != nil {
		return err
	}
	logger.Infof("Set %s = %s", key, value)
	return nil
}

func runConfigDetect(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	backendCfg, err := client.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("backend unreachable at %s: %w", cfg.BackendURL, err)
	}

	if len(backendCfg.MissingTools) > 0 {
		logger.Warnf("Backend is missing tools: %s", strings.Join(backendCfg.MissingTools, ", "))
	} else {
		logger.Infof("All backend tools available")
	}
	logger.Infof("Limits: %d files, %d MB per run",
		backendCfg.Limits.MaxFileCount, backendCfg.Limits.MaxFileSizeMB)
	logger.Infof("Supported output formats: %s", strings.Join(backendCfg.SupportedFormats, ", "))
	if backendCfg.DefaultOutputDir != "" {
		logger.Infof("Backend default output dir: %s", backendCfg.DefaultOutputDir)
	}

	if backendCfg.DB.Found {
		logger.Infof("Key database: %s (%s)", backendCfg.DB.Path, dbSourceLabel(backendCfg.DB.Source))
	} else {
		logger.Warnf("Key database not autodetected; .kgg files need --db or 'config set db_path'")
	}
	return nil
}

// dbSourceLabel maps the backend's detection-source tags to readable
// descriptions.
func dbSourceLabel(source string) string {
	switch source {
	case "project":
		return "found next to the backend"
	case "appdata", "localappdata":
		return "found in the KuGou install"
	case "manual":
		return "set manually"
	case "request":
		return "provided per request"
	default:
		if source == "" {
			return "unknown origin"
		}
		return source
	}
}
