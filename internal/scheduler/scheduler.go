// Package scheduler drives the recurring cycle that keeps records flowing
// through the vault: kick intake, route approvals, execute approved plans,
// and periodically persist a stats snapshot.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/iambrandonn/taskvault/internal/approval"
	"github.com/iambrandonn/taskvault/internal/fsutil"
	"github.com/iambrandonn/taskvault/internal/sensor"
	"github.com/iambrandonn/taskvault/internal/vault"
)

// Kicker requests an immediate Inbox scan from the intake watcher.
type Kicker interface {
	Kick()
}

// ApprovalRouter evaluates plan envelopes in a stage.
type ApprovalRouter interface {
	EvaluateStage(ctx context.Context, stage vault.Stage) approval.Summary
}

// TaskDrainer processes every actionable record in a stage.
type TaskDrainer interface {
	DrainStage(ctx context.Context, stage vault.Stage) (processed, failed int)
}

// HealthSource reports one sensor's poll health.
type HealthSource interface {
	Health() sensor.Health
}

// Options tune the loop's cadences.
type Options struct {
	Tick           time.Duration
	Jitter         time.Duration // uniform random addition to each tick
	CycleDeadline  time.Duration
	ErrorCooldown  time.Duration
	StatsInterval  time.Duration
	HealthInterval time.Duration
}

// Loop is the orchestration heartbeat. One cycle runs at a time; a cycle
// that overruns its deadline is cancelled and the next tick starts fresh.
type Loop struct {
	vault     *vault.Vault
	intake    Kicker
	router    ApprovalRouter
	processor TaskDrainer
	state     *State
	logger    *slog.Logger
	opts      Options

	health  []HealthSource
	cycles  int
	randInt func(n int64) int64
}

// NewLoop wires the cycle participants together.
func NewLoop(v *vault.Vault, intake Kicker, router ApprovalRouter, proc TaskDrainer, state *State, logger *slog.Logger, opts Options) *Loop {
	return &Loop{
		vault:     v,
		intake:    intake,
		router:    router,
		processor: proc,
		state:     state,
		logger:    logger.With("component", "scheduler"),
		opts:      opts,
		randInt:   rand.Int63n,
	}
}

// AddHealthSource registers a sensor runner for the periodic health report.
func (l *Loop) AddHealthSource(h HealthSource) {
	l.health = append(l.health, h)
}

// Run executes cycles until ctx is cancelled, then writes a final stats
// snapshot before returning.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("scheduler started",
		"tick", l.opts.Tick,
		"cycle_deadline", l.opts.CycleDeadline)

	stats := time.NewTicker(l.opts.StatsInterval)
	defer stats.Stop()
	healthT := time.NewTicker(l.opts.HealthInterval)
	defer healthT.Stop()

	timer := time.NewTimer(l.nextTick())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.writeStats()
			l.logger.Info("scheduler stopped", "cycles", l.cycles)
			return nil

		case <-timer.C:
			if err := l.runCycle(ctx); err != nil {
				l.logger.Error("cycle failed", "error", err)
				l.state.ErrorOccurred()
				if !sleepCtx(ctx, l.opts.ErrorCooldown) {
					continue
				}
			}
			timer.Reset(l.nextTick())

		case <-stats.C:
			l.writeStats()

		case <-healthT.C:
			l.reportHealth()
		}
	}
}

// runCycle performs one pass over the vault under the cycle deadline.
func (l *Loop) runCycle(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, l.opts.CycleDeadline)
	defer cancel()

	l.cycles++

	if l.intake != nil {
		l.intake.Kick()
	}

	// Route plan envelopes first so approved plans reach the Plans stage
	// before the drains below, and pending ones can expire where they sit.
	pending := l.router.EvaluateStage(ctx, vault.StageNeedsAction)
	leftover := l.router.EvaluateStage(ctx, vault.StagePlans)

	// Needs_Action is drained every cycle so a record stranded there by a
	// failed execution or a restart gets retried; router-owned envelopes are
	// deferred and skipped.
	retried, retryFailed := l.processor.DrainStage(ctx, vault.StageNeedsAction)
	executed, execFailed := l.processor.DrainStage(ctx, vault.StagePlans)
	processed := retried + executed
	failed := retryFailed + execFailed

	if err := ctx.Err(); err != nil && parent.Err() == nil {
		return err
	}

	if pending.Total() > 0 || leftover.Total() > 0 || processed > 0 || failed > 0 {
		l.logger.Info("cycle complete",
			"cycle", l.cycles,
			"approved", pending.Approved+leftover.Approved,
			"rejected", pending.Rejected+leftover.Rejected,
			"expired", pending.Expired+leftover.Expired,
			"pending", pending.Pending,
			"executed", processed,
			"failed", failed)
	}
	return nil
}

// nextTick spreads cycles out so co-located daemons do not stat the same
// directories in lockstep.
func (l *Loop) nextTick() time.Duration {
	d := l.opts.Tick
	if l.opts.Jitter > 0 {
		d += time.Duration(l.randInt(int64(l.opts.Jitter)))
	}
	return d
}

func (l *Loop) writeStats() {
	snap := l.state.Snapshot(time.Now().UTC())
	snap.Queues = map[string]int{}
	for _, stage := range []vault.Stage{vault.StageInbox, vault.StageNeedsAction, vault.StagePlans, vault.StageDone} {
		depth, err := l.vault.QueueDepth(stage)
		if err != nil {
			l.logger.Warn("failed to read queue depth", "stage", stage, "error", err)
			continue
		}
		snap.Queues[string(stage)] = depth
	}

	if err := fsutil.AtomicWriteJSON(l.vault.StatsPath(), snap); err != nil {
		l.logger.Error("failed to write stats snapshot", "error", err)
		l.state.ErrorOccurred()
		return
	}
	l.logger.Debug("stats snapshot written",
		"tasks_detected", snap.TasksDetected,
		"tasks_completed", snap.TasksCompleted,
		"errors", snap.Errors)
}

func (l *Loop) reportHealth() {
	for _, src := range l.health {
		h := src.Health()
		attrs := []any{
			"sensor", h.Sensor,
			"emitted", h.Emitted,
		}
		if !h.LastPoll.IsZero() {
			attrs = append(attrs, "last_poll_age", time.Since(h.LastPoll).Round(time.Second))
		}
		if h.LastError != "" {
			attrs = append(attrs, "last_error", h.LastError)
			l.logger.Warn("sensor unhealthy", attrs...)
			continue
		}
		l.logger.Info("sensor healthy", attrs...)
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
