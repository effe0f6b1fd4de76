// Package processor turns Needs_Action records into Done records: read,
// delegate to an executor, append a completion marker, relocate, log.
// Failure at any step leaves the record where it is; processing is always
// safe to retry, so executors must tolerate repeated invocation.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/taskvault/internal/actlog"
	"github.com/iambrandonn/taskvault/internal/fsutil"
	"github.com/iambrandonn/taskvault/internal/task"
	"github.com/iambrandonn/taskvault/internal/vault"
)

// Executor performs the real-world effect of a task. Implementations are
// external collaborators: posting, messaging, bookkeeping. Repeated
// invocation with the same work must be safe, because a failure after
// execution leaves the record in place for a retry.
type Executor interface {
	Execute(ctx context.Context, w task.Work) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, w task.Work) error

func (f ExecutorFunc) Execute(ctx context.Context, w task.Work) error { return f(ctx, w) }

// AckExecutor acknowledges work without external effect. It is the default
// executor and the correct one for sources that only need lifecycle
// tracking.
func AckExecutor(logger *slog.Logger) Executor {
	return ExecutorFunc(func(_ context.Context, w task.Work) error {
		logger.Info("acknowledged task", "objective", truncate(w.Objective, 100), "steps", len(w.Steps))
		return nil
	})
}

// ErrDeferred marks a record the processor must not touch because its
// approval envelope is still owned by the approval router.
var ErrDeferred = errors.New("record deferred to approval router")

// ErrBusy marks a record another caller is already processing. The intake
// handler and the scheduler drain share one processor; whichever arrives
// second backs off and the record is revisited next cycle if needed.
var ErrBusy = errors.New("record is already being processed")

// Recorder receives lifecycle counter updates. The scheduler state satisfies
// this; a nil recorder is allowed.
type Recorder interface {
	TaskCompleted()
	ErrorOccurred()
}

// Processor drains task records into Done.
type Processor struct {
	vault    *vault.Vault
	activity *actlog.Log
	logger   *slog.Logger
	timeout  time.Duration
	recorder Recorder

	executors   map[string]Executor
	defaultExec Executor

	mu       sync.Mutex
	inflight map[string]struct{}

	now func() time.Time
}

// New creates a processor. timeout bounds each executor call.
func New(v *vault.Vault, activity *actlog.Log, logger *slog.Logger, timeout time.Duration) *Processor {
	return &Processor{
		vault:       v,
		activity:    activity,
		logger:      logger.With("component", "processor"),
		timeout:     timeout,
		executors:   make(map[string]Executor),
		defaultExec: AckExecutor(logger),
		inflight:    make(map[string]struct{}),
		now:         time.Now,
	}
}

// SetRecorder attaches a lifecycle counter sink.
func (p *Processor) SetRecorder(r Recorder) { p.recorder = r }

// Register binds an executor to a record source (case-insensitive). Records
// from unregistered sources fall back to the acknowledge-only executor.
func (p *Processor) Register(source string, e Executor) {
	p.executors[strings.ToLower(source)] = e
}

// Process handles a single record file. The record is moved to Done only
// after the executor reports success and the completion marker is durable;
// any failure leaves the record untouched for retry or manual triage.
func (p *Processor) Process(ctx context.Context, path string) error {
	name := filepath.Base(path)

	if !p.markInflight(name) {
		return ErrBusy
	}
	defer p.releaseInflight(name)

	content, err := os.ReadFile(path)
	if err != nil {
		// Never delete on a read failure; the record stays for inspection.
		p.logger.Error("failed to read task", "record", name, "error", err)
		p.countError()
		return fmt.Errorf("failed to read task %s: %w", name, err)
	}
	text := string(content)

	if env := task.ExtractEnvelope(text); env.HasApproval && env.Approval != task.ApprovalApproved {
		return ErrDeferred
	}

	work, err := task.ParseWork(text)
	if err != nil {
		p.logger.Warn("malformed task left in place", "record", name, "error", err)
		p.countError()
		return fmt.Errorf("malformed task %s: %w", name, err)
	}

	p.logger.Info("processing task", "record", name, "objective", truncate(work.Objective, 100), "steps", len(work.Steps))

	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.executorFor(text).Execute(execCtx, work); err != nil {
		p.logger.Error("execution failed, task kept for retry", "record", name, "error", err)
		p.countError()
		return fmt.Errorf("execution failed for %s: %w", name, err)
	}

	return p.close(path, text)
}

// close appends the completion marker and relocates the record to Done.
func (p *Processor) close(path, content string) error {
	name := filepath.Base(path)
	completedAt := p.now()

	marked := task.AppendCompletionMarker(content, completedAt)
	if err := fsutil.AtomicWrite(path, []byte(marked)); err != nil {
		p.logger.Error("failed to append completion marker", "record", name, "error", err)
		p.countError()
		return fmt.Errorf("failed to mark %s complete: %w", name, err)
	}

	dst, err := p.vault.MoveTo(path, vault.StageDone)
	if err != nil {
		p.logger.Error("failed to move task to Done", "record", name, "error", err)
		p.countError()
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := p.activity.RecordCompletion(filepath.Base(dst), completedAt); err != nil {
		// The task itself completed; a log write failure is not a reason to
		// fail the close.
		p.logger.Warn("failed to write activity log entry", "record", name, "error", err)
	}

	p.logger.Info("task closed", "record", filepath.Base(dst))
	if p.recorder != nil {
		p.recorder.TaskCompleted()
	}
	return nil
}

// DrainStage processes every record currently in a stage. Deferred records
// are skipped silently; failures are counted and left in place.
func (p *Processor) DrainStage(ctx context.Context, stage vault.Stage) (processed, failed int) {
	records, err := p.vault.ListRecords(stage)
	if err != nil {
		p.logger.Error("failed to scan stage", "stage", stage, "error", err)
		p.countError()
		return 0, 0
	}

	for _, path := range records {
		if ctx.Err() != nil {
			return processed, failed
		}
		switch err := p.Process(ctx, path); {
		case err == nil:
			processed++
		case errors.Is(err, ErrDeferred):
			// Approval router owns this record.
		case errors.Is(err, ErrBusy):
			// Another caller got there first.
		default:
			failed++
		}
	}
	return processed, failed
}

func (p *Processor) executorFor(content string) Executor {
	if rec, err := task.Parse(content); err == nil {
		if e, ok := p.executors[strings.ToLower(rec.Source)]; ok {
			return e
		}
	}
	return p.defaultExec
}

func (p *Processor) markInflight(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[name]; busy {
		return false
	}
	p.inflight[name] = struct{}{}
	return true
}

func (p *Processor) releaseInflight(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, name)
}

func (p *Processor) countError() {
	if p.recorder != nil {
		p.recorder.ErrorOccurred()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
