// Package state persists extraction status and proxy sessions as CSV
// files under a data directory. The files are an external contract:
// other tooling reads them directly, so the layout is stable.
//
// Durability model: every write publishes a complete file via
// write-to-temp + rename. A crash mid-write leaves at worst a stale
// *.tmp file next to the store, never a half-written store.
package state

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status enumerates the extraction lifecycle of a service.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusDue        Status = "due"
	StatusExtracting Status = "extracting"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// timeLayout is RFC3339; empty string encodes a null timestamp.
const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// writeCSV atomically replaces path with header + rows.
func writeCSV(path string, header []string, rows [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// readCSV reads all data rows of path, verifying the header has at
// least as many columns as expected. A missing file yields no rows.
func readCSV(path string, wantCols int) ([][]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	if len(records[0]) < wantCols {
		return nil, fmt.Errorf("%s: header has %d columns, want %d", filepath.Base(path), len(records[0]), wantCols)
	}
	var rows [][]string
	for _, rec := range records[1:] {
		if len(rec) < wantCols {
			// Torn or foreign row; skip rather than poison the store.
			continue
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
