package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kggtools/kgg-cli/internal/api"
	"github.com/kggtools/kgg-cli/internal/config"
	"github.com/kggtools/kgg-cli/internal/convert"
	"github.com/kggtools/kgg-cli/internal/history"
	"github.com/kggtools/kgg-cli/internal/notify"
	"github.com/kggtools/kgg-cli/internal/progress"
)

type convertFlags struct {
	outputDir   string
	format      string
	mp3Quality  string
	concurrency int
	dbPath      string
	byPath      bool
	queueFile   string
	failedCSV   string
	openFolder  bool
}

func newConvertCmd() *cobra.Command {
	var flags convertFlags

	cmd := &cobra.Command{
		Use:   "convert [files...]",
		Short: "Convert encrypted music files",
		Long: `Convert queues the given files and submits them to the backend.

Files named on the command line are uploaded with the request; with
--by-path they are sent as path references resolved server-side
instead. --queue-file adds the path references collected by
'scan --add-to-queue'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd.Context(), args, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.outputDir, "out", "o", "", "Destination directory for converted files")
	cmd.Flags().StringVar(&flags.format, "format", "", "Output format (flac, mp3, ...)")
	cmd.Flags().StringVar(&flags.mp3Quality, "mp3-quality", "", "MP3 bitrate, e.g. 320k")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "Server-side worker count")
	cmd.Flags().StringVar(&flags.dbPath, "db", "", "Path to the KGMusicV3.db key database")
	cmd.Flags().BoolVar(&flags.byPath, "by-path", false, "Send files as server-resolved path references instead of uploading")
	cmd.Flags().StringVar(&flags.queueFile, "queue-file", "", "Path-queue file written by 'scan --add-to-queue'")
	cmd.Flags().StringVar(&flags.failedCSV, "failed-csv", "", "Write the failed-file list to a CSV file")
	cmd.Flags().BoolVar(&flags.openFolder, "open", false, "Open the destination folder when the run finishes")

	return cmd
}

func runConvert(ctx context.Context, args []string, flags convertFlags) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	applyConvertDefaults(&flags, cfg)

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	limits, supported, credentialFound, err := fetchBackendState(ctx, client, &flags)
	if err != nil {
		return err
	}

	queue := convert.NewQueue(limits, supported)
	if err := populateQueue(queue, args, flags); err != nil {
		return err
	}

	if flags.outputDir == "" && isInteractive() {
		picked, err := client.PickDirectory(ctx)
		if err != nil {
			return fmt.Errorf("pick output directory: %w", err)
		}
		flags.outputDir = picked.Path
	}

	if queue.RequiresCredential() && !credentialFound && flags.dbPath == "" && isInteractive() {
		logger.Infof("Queue contains .kgg files; pick the KGMusicV3.db key database")
		picked, err := client.PickDBFile(ctx)
		if err != nil {
			return fmt.Errorf("pick key database: %w", err)
		}
		flags.dbPath = picked.Path
	}

	credentialAvailable, err := resolveCredential(ctx, client, flags.dbPath, credentialFound)
	if err != nil {
		return err
	}

	// One conversion run per user at a time, enforced across processes.
	lockPath, err := config.RunLockPath()
	if err != nil {
		return err
	}
	runLock := flock.New(lockPath)
	locked, err := runLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another conversion run is already active")
	}
	defer runLock.Unlock()

	return executeRun(ctx, cfg, client, queue, flags, credentialAvailable)
}

func applyConvertDefaults(flags *convertFlags, cfg *config.Config) {
	if flags.outputDir == "" {
		flags.outputDir = cfg.OutputDir
	}
	if flags.format == "" {
		flags.format = cfg.OutputFormat
	}
	if flags.mp3Quality == "" {
		flags.mp3Quality = cfg.MP3Quality
	}
	if flags.concurrency <= 0 {
		flags.concurrency = cfg.Concurrency
	}
	if flags.dbPath == "" {
		flags.dbPath = cfg.DBPath
	}
}

// fetchBackendState loads limits, the supported-format allowlist and
// credential autodetection from the backend. The backend being down is
// fatal for convert; there is nothing useful to do locally.
func fetchBackendState(ctx context.Context, client *api.Client, flags *convertFlags) (convert.Limits, []string, bool, error) {
	backendCfg, err := client.GetConfig(ctx)
	if err != nil {
		return convert.Limits{}, nil, false, fmt.Errorf("load backend config: %w", err)
	}

	if len(backendCfg.MissingTools) > 0 {
		return convert.Limits{}, nil, false, fmt.Errorf(
			"backend is missing runtime tools: %s", strings.Join(backendCfg.MissingTools, ", "))
	}

	limits := convert.DefaultLimits()
	if backendCfg.Limits.MaxFileCount > 0 {
		limits.MaxFileCount = backendCfg.Limits.MaxFileCount
	}
	if backendCfg.Limits.MaxFileSizeMB > 0 {
		limits.MaxFileSizeMB = backendCfg.Limits.MaxFileSizeMB
	}

	supported := convert.DefaultSupportedExts
	if len(backendCfg.SupportedFormats) > 0 {
		supported = make([]string, len(backendCfg.SupportedFormats))
		for i, ext := range backendCfg.SupportedFormats {
			supported[i] = strings.ToLower(ext)
		}
	}

	if flags.outputDir == "" {
		flags.outputDir = backendCfg.DefaultOutputDir
	}
	if backendCfg.DB.Found {
		logger.Debugf("Key database autodetected at %s (source: %s)", backendCfg.DB.Path, backendCfg.DB.Source)
	}

	return limits, supported, backendCfg.DB.Found, nil
}

// populateQueue admits command-line files and queue-file references,
// logging every rejection individually.
func populateQueue(queue *convert.Queue, args []string, flags convertFlags) error {
	if len(args) == 0 && flags.queueFile == "" {
		return convert.ErrQueueEmpty
	}

	if len(args) > 0 {
		uploads, paths, err := collectLocalItems(args, flags.byPath)
		if err != nil {
			return err
		}
		reportAdmission(queue.AdmitUploads(uploads))
		reportAdmission(queue.AdmitPaths(paths))
	}

	if flags.queueFile != "" {
		refs, err := readQueueFile(flags.queueFile)
		if err != nil {
			return err
		}
		reportAdmission(queue.AdmitPaths(refs))
	}

	if queue.TotalCount() == 0 {
		return convert.ErrQueueEmpty
	}

	logger.Infof("Queued %d file(s), %s total", queue.TotalCount(), formatBytes(queue.TotalBytes()))
	return nil
}

func collectLocalItems(args []string, byPath bool) ([]convert.UploadItem, []convert.PathItem, error) {
	var uploads []convert.UploadItem
	var paths []convert.PathItem

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, nil, fmt.Errorf("stat %s: %w", arg, err)
		}
		if info.IsDir() {
			return nil, nil, fmt.Errorf("%s is a directory; use 'scan' to collect files from folders", arg)
		}

		abs, err := absolutePath(arg)
		if err != nil {
			return nil, nil, err
		}

		if byPath {
			paths = append(paths, convert.PathItem{
				Name:     info.Name(),
				Size:     info.Size(),
				Ext:      convert.Ext(info.Name()),
				FullPath: abs,
			})
		} else {
			uploads = append(uploads, convert.UploadItem{
				Name:    info.Name(),
				Size:    info.Size(),
				Ext:     convert.Ext(info.Name()),
				Path:    abs,
				ModTime: info.ModTime(),
			})
		}
	}
	return uploads, paths, nil
}

func reportAdmission(report convert.AdmitReport) {
	for _, rej := range report.Rejections {
		logger.Warn().Str("file", rej.Name).Msg("Skipped: " + string(rej.Reason))
	}
}

// resolveCredential decides whether a key database is usable: either
// the backend autodetected one, or an explicit path validates.
func resolveCredential(ctx context.Context, client *api.Client, dbPath string, autodetected bool) (bool, error) {
	if dbPath == "" {
		return autodetected, nil
	}

	result, err := client.ValidateDBPath(ctx, dbPath)
	if err != nil {
		return false, fmt.Errorf("validate key database: %w", err)
	}
	if !result.Valid {
		return false, fmt.Errorf("key database path is not valid: %s", dbPath)
	}
	logger.Infof("Key database validated: %s", result.Path)
	return true, nil
}

func executeRun(ctx context.Context, cfg *config.Config, client *api.Client, queue *convert.Queue, flags convertFlags, credentialAvailable bool) error {
	ui := progress.NewRunUI(queue.TotalCount())
	defer ui.Finish()

	var store *history.Store
	if dbPath, err := config.HistoryDBPath(); err == nil {
		if s, err := history.Open(dbPath, cfg.HistoryLimit); err == nil {
			store = s
			defer store.Close()
		} else {
			logger.Warn().Err(err).Msg("Run history unavailable")
		}
	}
	notifier := notify.NewNotifier(cfg.Notifications, logger)

	orch := convert.New(queue, client, logger, convert.Callbacks{
		RowUpdated: func(row convert.FileRow) {
			logger.Debug().
				Str("file", row.Key.Name).
				Str("status", row.Status.String()).
				Str("phase", string(row.Phase)).
				Msgf("[%d/%d]", row.Key.Ordinal, row.Total)
		},
		Aggregate: func(agg convert.AggregateUpdated, eta time.Duration, hasETA bool) {
			ui.Update(agg.Done, agg.Total, agg.Percent, eta, hasETA)
		},
		Completed: func(summary convert.RunSummary) {
			if store != nil {
				rec := history.Record{
					Total:        summary.Total,
					Success:      summary.Success,
					Failed:       summary.Failed,
					DurationMs:   summary.DurationMs,
					Cancelled:    summary.Cancelled,
					OutputDir:    summary.OutputDir,
					OutputFormat: flags.format,
				}
				if err := store.Append(context.Background(), rec); err != nil {
					logger.Warn().Err(err).Msg("Failed to record run history")
				}
			}
			notifier.RunFinished(summary)
		},
	})

	summary, err := orch.Run(ctx, convert.RunOptions{
		OutputDir:           flags.outputDir,
		OutputFormat:        flags.format,
		MP3Quality:          flags.mp3Quality,
		Concurrency:         flags.concurrency,
		DBPath:              flags.dbPath,
		CredentialAvailable: credentialAvailable,
		SpoolProgress:       uploadSpoolBar(queue),
	})
	ui.Finish()
	if err != nil {
		return err
	}

	printSummary(summary)

	if flags.failedCSV != "" {
		if err := writeFailedCSV(flags.failedCSV, summary.Results); err != nil {
			return err
		}
		logger.Infof("Failed-file list written to %s", flags.failedCSV)
	}

	if flags.openFolder && summary.OutputDir != "" {
		if err := client.OpenFolder(context.Background(), summary.OutputDir); err != nil {
			logger.Warn().Err(err).Msg("Failed to open destination folder")
		}
	}
	return nil
}

// isInteractive reports whether the backend's native pickers are worth
// opening: only when a user is sitting at the terminal.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// uploadSpoolBar returns a progress writer for the request body when
// uploads are present and stderr is a terminal.
func uploadSpoolBar(queue *convert.Queue) io.Writer {
	uploads := queue.Uploads()
	if len(uploads) == 0 || !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}

	var total int64
	for _, up := range uploads {
		total += up.Size
	}
	return progressbar.DefaultBytes(total, "uploading")
}

func printSummary(summary convert.RunSummary) {
	status := "finished"
	if summary.Cancelled {
		status = "cancelled"
	}
	logger.Infof("Run %s: %d succeeded, %d failed, %s",
		status, summary.Success, summary.Failed, formatRunDuration(summary.DurationMs))

	for _, res := range summary.Results {
		if res.Status != "error" {
			continue
		}
		logger.Error().
			Str("file", res.File).
			Str("code", errCode(res.Err)).
			Msg(res.Err.Message())
		if res.Err != nil && res.Err.Suggestion != "" {
			logger.Warn().Msg("Suggestion: " + res.Err.Suggestion)
		}
	}
}

func errCode(err *convert.FileError) string {
	if err == nil || err.Code == "" {
		return "ERR_UNKNOWN"
	}
	return err.Code
}

func formatRunDuration(ms int64) string {
	sec := ms / 1000
	if sec < 0 {
		sec = 0
	}
	return fmt.Sprintf("%dm%02ds", sec/60, sec%60)
}
