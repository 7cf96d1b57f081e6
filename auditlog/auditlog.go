// Package auditlog appends every valid reader reading to a CSV file.
package auditlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Header is the first row of a new audit file.
var Header = []string{"Port", "TagID", "TimestampUTC", "RSSI"}

// TimeLayout formats timestamps as UTC ISO-8601 with milliseconds.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Config holds audit log settings.
type Config struct {
	Path string `yaml:"path"` // empty disables the audit log
}

// Writer appends rows to the audit file. Safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	csv  *csv.Writer
}

// Open opens or creates the audit file, writing the header to a new file.
// Returns nil if path is empty.
func Open(cfg Config) (*Writer, error) {
	if cfg.Path == "" {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", cfg.Path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat audit file: %w", err)
	}

	w := &Writer{file: file, csv: csv.NewWriter(file)}
	if info.Size() == 0 {
		if err := w.write(Header); err != nil {
			file.Close()
			return nil, err
		}
	}
	return w, nil
}

// Append writes one reading row.
func (w *Writer) Append(antenna, tagID string, ts time.Time, rssi int) error {
	if w == nil {
		return nil
	}
	return w.write([]string{antenna, tagID, ts.UTC().Format(TimeLayout), strconv.Itoa(rssi)})
}

func (w *Writer) write(row []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("write audit row: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush audit row: %w", err)
	}
	return nil
}

// Close closes the audit file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	return w.file.Close()
}
