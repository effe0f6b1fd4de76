// Package vault defines the on-disk layout of the task vault: the stage
// directories a record moves through during its lifecycle, plus logs and
// private state. A record's current directory determines which component
// owns it; every lifecycle transition is a rename between stages.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iambrandonn/taskvault/internal/fsutil"
)

// Stage identifies one lifecycle directory inside the vault.
type Stage string

const (
	StageInbox       Stage = "Inbox"        // new records from sensors or manual drops
	StageNeedsAction Stage = "Needs_Action" // awaiting processing or approval
	StagePlans       Stage = "Plans"        // approved plans queued for execution
	StageDone        Stage = "Done"         // terminal
)

// Stages lists the lifecycle directories in flow order.
func Stages() []Stage {
	return []Stage{StageInbox, StageNeedsAction, StagePlans, StageDone}
}

// Vault is a rooted view of the stage tree.
type Vault struct {
	Root string
}

// New returns a Vault rooted at root. The tree is not created; call
// Initialize for that.
func New(root string) *Vault {
	return &Vault{Root: root}
}

// requiredDirectories returns every directory a vault must contain.
func requiredDirectories() []string {
	dirs := []string{
		"Logs",  // System_Log.md activity log, system.log operational log
		"state", // dedup sets, stats snapshot
	}
	for _, s := range Stages() {
		dirs = append(dirs, string(s))
	}
	return dirs
}

// Initialize creates the vault directory tree with 0700 permissions.
// Idempotent: safe to call on an existing vault.
func (v *Vault) Initialize() error {
	for _, dir := range requiredDirectories() {
		path := filepath.Join(v.Root, dir)
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized reports whether all required directories exist.
func (v *Vault) IsInitialized() (bool, error) {
	for _, dir := range requiredDirectories() {
		path := filepath.Join(v.Root, dir)
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// StageDir returns the absolute path of a stage directory.
func (v *Vault) StageDir(s Stage) string {
	return filepath.Join(v.Root, string(s))
}

// LogsDir returns the directory holding the activity and operational logs.
func (v *Vault) LogsDir() string {
	return filepath.Join(v.Root, "Logs")
}

// StateDir returns the directory holding dedup sets and the stats snapshot.
func (v *Vault) StateDir() string {
	return filepath.Join(v.Root, "state")
}

// ActivityLogPath returns the path of the append-only activity log.
func (v *Vault) ActivityLogPath() string {
	return filepath.Join(v.LogsDir(), "System_Log.md")
}

// StatsPath returns the path of the statistics snapshot.
func (v *Vault) StatsPath() string {
	return filepath.Join(v.StateDir(), "stats.json")
}

// ListRecords returns the task record files currently in a stage, sorted by
// name. Temporary files and non-markdown files are skipped.
func (v *Vault) ListRecords(s Stage) ([]string, error) {
	dir := v.StageDir(s)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage %s: %w", s, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".md") {
			continue
		}
		if fsutil.IsTempName(name) {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// QueueDepth returns the number of records currently in a stage.
func (v *Vault) QueueDepth(s Stage) (int, error) {
	records, err := v.ListRecords(s)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// MoveTo relocates a record file into a stage, refusing to overwrite an
// existing record with the same name. Returns the final path.
func (v *Vault) MoveTo(src string, s Stage) (string, error) {
	return fsutil.MoveNoClobber(src, v.StageDir(s))
}
