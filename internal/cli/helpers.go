package cli

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/kggtools/kgg-cli/internal/convert"
)

func absolutePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return abs, nil
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// queueFile is the on-disk shape of the path queue shared between
// 'scan --add-to-queue' and 'convert --queue-file'.
type queueFile struct {
	Items []convert.PathItem `json:"items"`
}

func readQueueFile(path string) ([]convert.PathItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}

	var qf queueFile
	if err := json.Unmarshal(data, &qf); err != nil {
		return nil, fmt.Errorf("parse queue file %s: %w", path, err)
	}
	return qf.Items, nil
}

// writeQueueFile merges items into the queue file, deduplicating by
// full path while preserving existing order.
func writeQueueFile(path string, items []convert.PathItem) (added int, err error) {
	existing, err := readQueueFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return 0, err
		}
		existing = nil
	}

	seen := make(map[string]bool, len(existing))
	for _, item := range existing {
		seen[item.FullPath] = true
	}

	merged := existing
	for _, item := range items {
		if item.FullPath == "" || seen[item.FullPath] {
			continue
		}
		merged = append(merged, item)
		seen[item.FullPath] = true
		added++
	}

	data, err := json.MarshalIndent(queueFile{Items: merged}, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode queue file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return 0, fmt.Errorf("write queue file: %w", err)
	}
	return added, nil
}

// writeCSV writes rows with a UTF-8 BOM so spreadsheet apps detect the
// encoding, matching the backend's own exports.
func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString("\uFEFF"); err != nil {
		return fmt.Errorf("write BOM: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write CSV header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func writeFailedCSV(path string, results []convert.FileResult) error {
	header := []string{"file", "input", "code", "message", "suggestion"}
	var rows [][]string
	for _, res := range results {
		if res.Status != "error" {
			continue
		}
		suggestion := ""
		if res.Err != nil {
			suggestion = res.Err.Suggestion
		}
		rows = append(rows, []string{
			res.File,
			res.Input,
			errCode(res.Err),
			res.Err.Message(),
			suggestion,
		})
	}
	return writeCSV(path, header, rows)
}
