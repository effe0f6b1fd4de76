package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iambrandonn/taskvault/internal/task"
)

// SpoolEvent is the JSON shape an out-of-process collector drops into the
// spool directory, one file per event.
type SpoolEvent struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Originator string `json:"from"`
	Summary    string `json:"summary"`
	Timestamp  string `json:"timestamp"`
	Risk       string `json:"risk,omitempty"`
}

// Spool is the built-in sensor: it polls a directory of JSON event files
// written by external collectors and converts them to task records. Files are
// left in place; the runner's durable dedup store keeps re-reads from
// emitting twice.
type Spool struct {
	name string
	dir  string
}

// NewSpool creates a spool sensor reading from dir.
func NewSpool(name, dir string) *Spool {
	return &Spool{name: name, dir: dir}
}

func (s *Spool) Name() string { return s.name }

// Poll reads every event file currently in the spool. A single unreadable
// file is skipped with the rest of the batch still delivered; the error is
// returned alongside so the runner can surface it.
func (s *Spool) Poll(ctx context.Context) ([]task.Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read spool %s: %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var records []task.Record
	var firstErr error
	for _, name := range names {
		if ctx.Err() != nil {
			return records, ctx.Err()
		}
		rec, err := s.readEvent(filepath.Join(s.dir, name))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		records = append(records, rec)
	}
	return records, firstErr
}

func (s *Spool) readEvent(path string) (task.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return task.Record{}, fmt.Errorf("failed to read event %s: %w", path, err)
	}

	var ev SpoolEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return task.Record{}, fmt.Errorf("malformed event %s: %w", path, err)
	}
	if ev.ID == "" {
		return task.Record{}, fmt.Errorf("event %s has no id", path)
	}

	rec := task.Record{
		Source:     s.name,
		EventID:    ev.ID,
		Kind:       ev.Kind,
		Originator: ev.Originator,
		Summary:    ev.Summary,
		Timestamp:  ev.Timestamp,
	}
	if ev.Risk != "" {
		if risk, ok := task.ParseRisk(ev.Risk); ok {
			rec.Risk = risk
		}
	}
	return rec, nil
}
