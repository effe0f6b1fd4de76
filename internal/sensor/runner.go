package sensor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/taskvault/internal/dedup"
	"github.com/iambrandonn/taskvault/internal/fsutil"
	"github.com/iambrandonn/taskvault/internal/task"
	"github.com/iambrandonn/taskvault/internal/vault"
)

// Health is a point-in-time view of one runner, surfaced by the scheduler's
// liveness check.
type Health struct {
	Sensor    string
	LastPoll  time.Time
	LastError string
	Emitted   int
}

// Runner drives one sensor on its own tick. Each runner is independent: a
// failing or slow source affects nobody else, and coordination with the rest
// of the system happens only through the Inbox directory and a best-effort
// re-scan notification.
type Runner struct {
	sensor      Sensor
	vault       *vault.Vault
	store       *dedup.Store
	logger      *slog.Logger
	interval    time.Duration
	pollTimeout time.Duration
	notify      chan<- string

	mu       sync.Mutex
	lastPoll time.Time
	lastErr  error
	emitted  int
}

// NewRunner wires a sensor to the vault. store is the sensor's durable dedup
// set; notify (optional) receives the sensor name after a successful
// emission and must never be relied on for progress; the scheduler polls
// regardless.
func NewRunner(s Sensor, v *vault.Vault, store *dedup.Store, logger *slog.Logger, interval time.Duration, notify chan<- string) *Runner {
	return &Runner{
		sensor:      s,
		vault:       v,
		store:       store,
		logger:      logger.With("component", "sensor", "sensor", s.Name()),
		interval:    interval,
		pollTimeout: interval, // a poll may not outlive its own tick
		notify:      notify,
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("sensor started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.PollOnce(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("sensor stopped")
			return
		case <-ticker.C:
		}
	}
}

// PollOnce performs one poll cycle: fetch, dedup, emit. Errors are recorded
// in the health surface and swallowed; the next tick retries.
func (r *Runner) PollOnce(ctx context.Context) int {
	pollCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	defer cancel()

	records, err := r.sensor.Poll(pollCtx)

	r.mu.Lock()
	r.lastPoll = time.Now()
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("poll failed, will retry next tick", "error", err)
		return 0
	}

	emitted := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if rec.EventID == "" {
			r.logger.Warn("sensor produced record without event id, dropped", "source", rec.Source)
			continue
		}
		ok, err := r.emit(rec)
		if err != nil {
			r.logger.Error("failed to emit record", "event_id", rec.EventID, "error", err)
			continue
		}
		if ok {
			emitted++
		}
	}

	if emitted > 0 {
		r.mu.Lock()
		r.emitted += emitted
		r.mu.Unlock()

		// Best-effort nudge; the scheduler's own tick covers a lost signal.
		if r.notify != nil {
			select {
			case r.notify <- r.sensor.Name():
			default:
			}
		}
	}
	return emitted
}

// emit writes one record into Inbox unless its identity was already seen.
// Ordering matters for crash safety: the record is durable on disk before
// the identity is marked, and marked before anything downstream is signaled.
// A crash between write and mark re-emits on restart, which the existing
// file check absorbs.
func (r *Runner) emit(rec task.Record) (bool, error) {
	id := rec.EventID
	if r.store.HasSeen(id) {
		return false, nil
	}

	path := filepath.Join(r.vault.StageDir(vault.StageInbox), rec.Filename())
	if _, err := os.Stat(path); err == nil {
		// Left over from a crash after write but before mark.
		r.logger.Warn("record already present in Inbox, marking seen", "event_id", id)
		return false, r.store.MarkSeen(id)
	}

	if err := fsutil.AtomicWrite(path, []byte(rec.Render())); err != nil {
		return false, fmt.Errorf("failed to write record: %w", err)
	}
	if err := r.store.MarkSeen(id); err != nil {
		return false, fmt.Errorf("failed to mark %s seen: %w", id, err)
	}

	r.logger.Info("emitted task record", "event_id", id, "record", rec.Filename())
	return true, nil
}

// Health returns the runner's current health view.
func (r *Runner) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Health{
		Sensor:   r.sensor.Name(),
		LastPoll: r.lastPoll,
		Emitted:  r.emitted,
	}
	if r.lastErr != nil {
		h.LastError = r.lastErr.Error()
	}
	return h
}
