// Package intake watches the Inbox stage and moves newly arrived task
// records into Needs_Action exactly once, no matter how they arrived
// (sensor emission, manual drop, editor save) or how many times the
// filesystem reports them. Detection is event-driven via fsnotify with a
// periodic rescan as defense against missed events.
package intake

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iambrandonn/taskvault/internal/dedup"
	"github.com/iambrandonn/taskvault/internal/fingerprint"
	"github.com/iambrandonn/taskvault/internal/fsutil"
	"github.com/iambrandonn/taskvault/internal/task"
	"github.com/iambrandonn/taskvault/internal/vault"
)

// Handler receives each record after it lands in Needs_Action. The task
// processor satisfies this; its errors are its own to log and count.
type Handler interface {
	Process(ctx context.Context, path string) error
}

// Monitor receives lifecycle counter updates. A nil monitor is allowed.
type Monitor interface {
	TaskDetected()
	PlanGenerated()
	ErrorOccurred()
}

// Options tune the watcher's timing.
type Options struct {
	SettleDelay    time.Duration // wait for the writer to finish before reading
	RescanInterval time.Duration
	DedupWindow    time.Duration
	EvictInterval  time.Duration
}

// Watcher owns the Inbox → Needs_Action transition.
type Watcher struct {
	vault   *vault.Vault
	handler Handler
	logger  *slog.Logger
	opts    Options
	window  *dedup.Window
	monitor Monitor

	kick chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a watcher. handler may be nil when intake should only stage
// records without processing them.
func New(v *vault.Vault, handler Handler, logger *slog.Logger, opts Options) *Watcher {
	return &Watcher{
		vault:    v,
		handler:  handler,
		logger:   logger.With("component", "intake"),
		opts:     opts,
		window:   dedup.NewWindow(opts.DedupWindow),
		kick:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}
}

// SetMonitor attaches a lifecycle counter sink.
func (w *Watcher) SetMonitor(m Monitor) { w.monitor = m }

// Kick requests an immediate Inbox scan. Best-effort and non-blocking: if a
// kick is already queued the request coalesces with it.
func (w *Watcher) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run watches Inbox until ctx is cancelled. Filesystem notification is an
// optimization: if the notify watch cannot be established the loop degrades
// to pure periodic scanning and keeps working.
func (w *Watcher) Run(ctx context.Context) error {
	inboxDir := w.vault.StageDir(vault.StageInbox)

	var events <-chan fsnotify.Event
	var watchErrs <-chan error

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := fw.Add(inboxDir); addErr == nil {
			events = fw.Events
			watchErrs = fw.Errors
			defer fw.Close()
		} else {
			fw.Close()
			w.logger.Warn("falling back to scan-only intake", "error", addErr)
		}
	} else {
		w.logger.Warn("falling back to scan-only intake", "error", err)
	}

	rescan := time.NewTicker(w.opts.RescanInterval)
	defer rescan.Stop()
	evict := time.NewTicker(w.opts.EvictInterval)
	defer evict.Stop()

	w.logger.Info("intake watcher started", "inbox", inboxDir)
	w.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("intake watcher stopped")
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename) {
				w.handle(ctx, ev.Name)
			}

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			w.logger.Warn("filesystem watch error", "error", err)

		case <-w.kick:
			w.Scan(ctx)

		case <-rescan.C:
			w.Scan(ctx)

		case <-evict.C:
			if n := w.window.Evict(); n > 0 {
				w.logger.Debug("evicted aged dedup entries", "count", n)
			}
		}
	}
}

// Scan sweeps the Inbox once, handling every candidate record.
func (w *Watcher) Scan(ctx context.Context) {
	records, err := w.vault.ListRecords(vault.StageInbox)
	if err != nil {
		w.logger.Error("failed to scan Inbox", "error", err)
		w.countError()
		return
	}
	for _, path := range records {
		if ctx.Err() != nil {
			return
		}
		w.handle(ctx, path)
	}
}

// handle moves one candidate file into Needs_Action. All exits release the
// in-flight mark; a file that vanishes mid-flight lost a benign race with
// another actor and is only worth a warning.
func (w *Watcher) handle(ctx context.Context, path string) {
	name := filepath.Base(path)

	if !strings.HasSuffix(strings.ToLower(name), ".md") || fsutil.IsTempName(name) {
		return
	}

	if !w.markInflight(name) {
		w.logger.Warn("already processing", "record", name)
		return
	}
	defer w.releaseInflight(name)

	// Let the writer finish before fingerprinting.
	if !sleepCtx(ctx, w.opts.SettleDelay) {
		return
	}

	fp, err := fingerprint.Arrival(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("file vanished before intake", "record", name)
			return
		}
		w.logger.Error("failed to fingerprint file", "record", name, "error", err)
		w.countError()
		return
	}

	if w.window.Seen(fp) {
		// Same name, size and mtime within the suppression window: a burst
		// re-trigger, not new work. Discard so no second copy can go live.
		w.logger.Info("duplicate record discarded", "record", name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("failed to discard duplicate", "record", name, "error", err)
		}
		return
	}

	isPlan := w.peekIsPlan(path)

	dst, err := w.vault.MoveTo(path, vault.StageNeedsAction)
	if errors.Is(err, fsutil.ErrSourceVanished) {
		w.logger.Warn("file vanished before move", "record", name)
		return
	}
	if err != nil {
		w.logger.Error("failed to move record", "record", name, "error", err)
		w.countError()
		return
	}

	w.logger.Info("staged new record", "record", filepath.Base(dst))
	if w.monitor != nil {
		w.monitor.TaskDetected()
		if isPlan {
			w.monitor.PlanGenerated()
		}
	}

	if w.handler != nil {
		// The handler logs and counts its own failures; a deferred or failed
		// record simply stays in Needs_Action for the next cycle.
		if err := w.handler.Process(ctx, dst); err != nil {
			w.logger.Debug("record left for next cycle", "record", filepath.Base(dst), "reason", err)
		}
	}
}

func (w *Watcher) peekIsPlan(path string) bool {
	content, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return task.ExtractEnvelope(string(content)).HasApproval
}

func (w *Watcher) markInflight(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[name]; busy {
		return false
	}
	w.inflight[name] = struct{}{}
	return true
}

func (w *Watcher) releaseInflight(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, name)
}

func (w *Watcher) countError() {
	if w.monitor != nil {
		w.monitor.ErrorOccurred()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
