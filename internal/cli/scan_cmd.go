package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kggtools/kgg-cli/internal/api"
	"github.com/kggtools/kgg-cli/internal/config"
	"github.com/kggtools/kgg-cli/internal/convert"
)

type scanFlags struct {
	recursive  bool
	filter     string
	csvPath    string
	addToQueue bool
	queueFile  string
}

func newScanCmd() *cobra.Command {
	var flags scanFlags

	cmd := &cobra.Command{
		Use:   "scan DIR...",
		Short: "Scan folders for convertible files via the backend",
		Long: `Scan asks the backend to walk the given folders and lists the files
it finds. With --add-to-queue the encrypted audio files are collected
into the path queue for a later 'convert --queue-file' run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), args, flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.recursive, "recursive", "r", true, "Scan subfolders too")
	cmd.Flags().StringVar(&flags.filter, "filter", "encrypted", "Extension filter preset or comma-separated list")
	cmd.Flags().StringVar(&flags.csvPath, "csv", "", "Export the scan result as CSV")
	cmd.Flags().BoolVar(&flags.addToQueue, "add-to-queue", false, "Add encrypted files to the path queue")
	cmd.Flags().StringVar(&flags.queueFile, "queue-file", "", "Queue file location (defaults to the config dir)")

	return cmd
}

func runScan(ctx context.Context, args []string, flags scanFlags) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := absolutePath(arg)
		if err != nil {
			return err
		}
		paths = append(paths, abs)
	}

	result, err := client.ScanFolders(ctx, api.ScanRequest{
		Paths:     paths,
		Recursive: flags.recursive,
		Filter:    flags.filter,
	})
	if err != nil {
		return fmt.Errorf("scan folders: %w", err)
	}

	renderScanResult(result)
	logger.Infof("Scan finished: %d file(s), %s", result.TotalFiles, formatBytes(result.TotalSize))

	if flags.csvPath != "" {
		if err := writeScanCSV(flags.csvPath, result); err != nil {
			return err
		}
		logger.Infof("Scan result written to %s", flags.csvPath)
	}

	if flags.addToQueue {
		return addScanResultToQueue(result, flags.queueFile)
	}
	return nil
}

func renderScanResult(result *api.ScanResult) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		t.SetStyle(table.StyleLight)
	} else {
		t.SetStyle(table.StyleDefault)
	}
	t.AppendHeader(table.Row{"Folder", "File", "Ext", "Size", "Modified"})

	for _, folder := range result.Folders {
		for _, file := range folder.Files {
			t.AppendRow(table.Row{
				folder.Path,
				file.Name,
				file.Ext,
				formatBytes(file.Size),
				file.ModTime,
			})
		}
	}
	t.Render()
}

func writeScanCSV(path string, result *api.ScanResult) error {
	header := []string{"name", "ext", "size_bytes", "mod_time", "full_path"}
	var rows [][]string
	for _, folder := range result.Folders {
		for _, file := range folder.Files {
			rows = append(rows, []string{
				file.Name,
				file.Ext,
				fmt.Sprintf("%d", file.Size),
				file.ModTime,
				file.FullPath,
			})
		}
	}
	return writeCSV(path, header, rows)
}

// addScanResultToQueue collects the encrypted audio files from the scan
// into the shared path-queue file.
func addScanResultToQueue(result *api.ScanResult, queuePath string) error {
	if queuePath == "" {
		var err error
		queuePath, err = config.QueuePath()
		if err != nil {
			return err
		}
	}

	var items []convert.PathItem
	for _, folder := range result.Folders {
		for _, file := range folder.Files {
			ext := convert.Ext(file.Name)
			if !isEncryptedExt(ext) || file.FullPath == "" {
				continue
			}
			items = append(items, convert.PathItem{
				Name:     file.Name,
				Size:     file.Size,
				Ext:      ext,
				FullPath: file.FullPath,
			})
		}
	}

	if len(items) == 0 {
		logger.Warnf("Scan found no convertible encrypted audio files")
		return nil
	}

	added, err := writeQueueFile(queuePath, items)
	if err != nil {
		return err
	}
	if added == 0 {
		logger.Warnf("No new files added (already queued)")
		return nil
	}
	logger.Infof("Added %d file(s) to the path queue at %s", added, queuePath)
	return nil
}

func isEncryptedExt(ext string) bool {
	for _, supported := range convert.DefaultSupportedExts {
		if ext == supported {
			return true
		}
	}
	return false
}
