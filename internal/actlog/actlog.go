// Package actlog maintains the vault's durable activity log: one append-only
// line per completed task, human-readable, never rewritten.
package actlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const header = "# System Log\n\n## Activity Log\n\n"

// Log appends completion entries to the activity log file.
type Log struct {
	path string
	mu   sync.Mutex
}

// New returns a Log writing to path. The file is created with its header on
// first append, not here, so an untouched vault stays empty.
func New(path string) *Log {
	return &Log{path: path}
}

// RecordCompletion appends one entry for a completed task record.
func (l *Log) RecordCompletion(recordName string, at time.Time) error {
	line := fmt.Sprintf("- **%s** - Completed: `%s`\n",
		at.UTC().Format("2006-01-02 15:04:05"), recordName)
	return l.append(line)
}

func (l *Log) append(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open activity log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat activity log: %w", err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(header); err != nil {
			return fmt.Errorf("failed to write log header: %w", err)
		}
	}

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return f.Close()
}
