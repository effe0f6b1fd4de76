// Package approval routes plan records through the human-review gate.
// A plan starts Pending and transitions exactly once: Approved plans move to
// the execution queue, Rejected and Expired plans move to Done. Terminal
// states leave the scanned directory, so no record is ever evaluated twice.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/iambrandonn/taskvault/internal/fsutil"
	"github.com/iambrandonn/taskvault/internal/task"
	"github.com/iambrandonn/taskvault/internal/vault"
)

// Policy holds the per-risk approval timeouts. Expiry is evaluated against
// the record file's modification time so it stays correct across restarts.
type Policy struct {
	HighRiskTimeout time.Duration
	DefaultTimeout  time.Duration
}

// Timeout returns the pending-approval deadline for a risk level.
func (p Policy) Timeout(risk task.Risk) time.Duration {
	if risk == task.RiskHigh {
		return p.HighRiskTimeout
	}
	return p.DefaultTimeout
}

// Recorder receives lifecycle counter updates.
type Recorder interface {
	ApprovalProcessed()
	ErrorOccurred()
}

// Summary reports what one evaluation pass did.
type Summary struct {
	Approved int
	Rejected int
	Expired  int
	Pending  int
	Inert    int
}

// Total counts every envelope the pass touched.
func (s Summary) Total() int {
	return s.Approved + s.Rejected + s.Expired + s.Pending + s.Inert
}

// Router is the approval state machine over a vault stage.
type Router struct {
	vault    *vault.Vault
	logger   *slog.Logger
	policy   Policy
	recorder Recorder

	now func() time.Time
}

// NewRouter creates a router with the given timeout policy.
func NewRouter(v *vault.Vault, logger *slog.Logger, policy Policy) *Router {
	return &Router{
		vault:  v,
		logger: logger.With("component", "approval"),
		policy: policy,
		now:    time.Now,
	}
}

// SetRecorder attaches a lifecycle counter sink.
func (r *Router) SetRecorder(rec Recorder) { r.recorder = rec }

// EvaluateStage visits every record in a stage and applies the approval
// policy. Records without an approval envelope are not plans and are left
// alone; records with a partial or malformed envelope are inert until a
// human corrects them; the router never guesses intent.
func (r *Router) EvaluateStage(ctx context.Context, stage vault.Stage) Summary {
	var sum Summary

	records, err := r.vault.ListRecords(stage)
	if err != nil {
		r.logger.Error("failed to scan stage", "stage", stage, "error", err)
		r.countError()
		return sum
	}

	for _, path := range records {
		if ctx.Err() != nil {
			return sum
		}
		if err := r.evaluate(path, &sum); err != nil {
			r.logger.Error("failed to evaluate plan", "record", filepath.Base(path), "error", err)
			r.countError()
		}
	}
	return sum
}

func (r *Router) evaluate(path string, sum *Summary) error {
	name := filepath.Base(path)

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}
	text := string(content)

	env := task.ExtractEnvelope(text)
	if !env.HasApproval && !env.HasRisk {
		// A plain task record, not a plan. The task processor owns it.
		return nil
	}
	if !env.Complete() {
		sum.Inert++
		r.logger.Warn("plan with incomplete approval envelope left pending",
			"record", name, "has_risk", env.HasRisk, "has_approval", env.HasApproval)
		return nil
	}

	switch env.Approval {
	case task.ApprovalApproved:
		return r.routeApproved(path, name, sum)

	case task.ApprovalRejected:
		return r.routeTerminal(path, name, "rejected", &sum.Rejected)

	case task.ApprovalExpired:
		// Possible after a crash between the expiry rewrite and the move;
		// finishing the move is the idempotent completion of that transition.
		return r.routeTerminal(path, name, "expired", &sum.Expired)

	case task.ApprovalPending:
		return r.evaluatePending(path, name, text, env, sum)
	}
	return nil
}

func (r *Router) routeApproved(path, name string, sum *Summary) error {
	// Already in the execution queue: the transition happened on an earlier
	// pass, there is nothing left to do. Moving again would rename the file
	// against itself. The processor owns it from here.
	if r.inStage(path, vault.StagePlans) {
		return nil
	}

	dst, err := r.vault.MoveTo(path, vault.StagePlans)
	if errors.Is(err, fsutil.ErrSourceVanished) {
		r.logger.Warn("plan vanished before routing", "record", name)
		return nil
	}
	if err != nil {
		return err
	}
	sum.Approved++
	r.countProcessed()
	r.logger.Info("routed approved plan to execution queue", "record", filepath.Base(dst))
	return nil
}

func (r *Router) routeTerminal(path, name, verdict string, counter *int) error {
	if r.inStage(path, vault.StageDone) {
		return nil
	}

	dst, err := r.vault.MoveTo(path, vault.StageDone)
	if errors.Is(err, fsutil.ErrSourceVanished) {
		r.logger.Warn("plan vanished before routing", "record", name)
		return nil
	}
	if err != nil {
		return err
	}
	*counter++
	r.countProcessed()
	r.logger.Info("moved "+verdict+" plan to Done", "record", filepath.Base(dst))
	return nil
}

// inStage reports whether the record already lives in the given stage's
// directory, meaning the transition it would get routed through has already
// happened.
func (r *Router) inStage(path string, stage vault.Stage) bool {
	return filepath.Clean(filepath.Dir(path)) == filepath.Clean(r.vault.StageDir(stage))
}

func (r *Router) evaluatePending(path, name, content string, env task.Envelope, sum *Summary) error {
	// Low risk needs no human gate: auto-approve and route onward.
	if env.Risk == task.RiskLow {
		updated, ok := task.SetApprovalStatus(content, task.ApprovalApproved)
		if !ok {
			sum.Inert++
			r.logger.Warn("low-risk plan has malformed approval line", "record", name)
			return nil
		}
		if err := fsutil.AtomicWrite(path, []byte(updated)); err != nil {
			return fmt.Errorf("failed to auto-approve: %w", err)
		}
		r.logger.Info("auto-approved low-risk plan", "record", name)
		return r.routeApproved(path, name, sum)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("plan vanished before evaluation", "record", name)
			return nil
		}
		return fmt.Errorf("failed to stat plan: %w", err)
	}

	age := r.now().Sub(info.ModTime())
	timeout := r.policy.Timeout(env.Risk)
	if age < timeout {
		sum.Pending++
		return nil
	}

	return r.expire(path, name, content, age, sum)
}

// expire appends an expiration note, rewrites the approval field, and
// relocates the plan to Done. Crash-safe: if the process dies after the
// rewrite, the next pass finds an Expired plan and completes the move.
func (r *Router) expire(path, name, content string, age time.Duration, sum *Summary) error {
	updated, ok := task.SetApprovalStatus(content, task.ApprovalExpired)
	if !ok {
		sum.Inert++
		r.logger.Warn("expiring plan has malformed approval line", "record", name)
		return nil
	}
	updated = task.AppendExpirationNote(updated, r.now())

	if err := fsutil.AtomicWrite(path, []byte(updated)); err != nil {
		return fmt.Errorf("failed to rewrite expired plan: %w", err)
	}

	r.logger.Warn("plan approval timed out", "record", name, "age_hours", fmt.Sprintf("%.1f", age.Hours()))
	return r.routeTerminal(path, name, "expired", &sum.Expired)
}

func (r *Router) countProcessed() {
	if r.recorder != nil {
		r.recorder.ApprovalProcessed()
	}
}

func (r *Router) countError() {
	if r.recorder != nil {
		r.recorder.ErrorOccurred()
	}
}
