package approval

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/taskvault/internal/task"
	"github.com/iambrandonn/taskvault/internal/vault"
)

func newTestRouter(t *testing.T) (*Router, *vault.Vault) {
	t.Helper()
	v := vault.New(t.TempDir())
	require.NoError(t, v.Initialize())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(v, logger, Policy{
		HighRiskTimeout: 12 * time.Hour,
		DefaultTimeout:  24 * time.Hour,
	})
	return r, v
}

func writePlan(t *testing.T, v *vault.Vault, name string, risk task.Risk, status task.ApprovalStatus, age time.Duration) string {
	t.Helper()
	rec := task.Record{
		Source:   "Gmail",
		EventID:  name,
		Goal:     "Do the thing",
		Steps:    []string{"step one", "step two"},
		Risk:     risk,
		Approval: status,
	}
	path := filepath.Join(v.StageDir(vault.StageNeedsAction), rec.Filename())
	require.NoError(t, os.WriteFile(path, []byte(rec.Render()), 0o600))
	if age > 0 {
		created := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, created, created))
	}
	return path
}

func TestApprovedPlanRoutesToExecutionQueue(t *testing.T) {
	// Scenario: a Medium-risk plan the human has approved moves from
	// Needs_Action to Plans, content untouched.
	r, v := newTestRouter(t)
	path := writePlan(t, v, "c", task.RiskMedium, task.ApprovalApproved, time.Hour)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	sum := r.EvaluateStage(context.Background(), vault.StageNeedsAction)
	require.Equal(t, 1, sum.Approved)

	queued, err := v.ListRecords(vault.StagePlans)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	after, err := os.ReadFile(queued[0])
	require.NoError(t, err)
	require.Equal(t, before, after, "approved plans move unchanged")

	// Terminal: the next pass finds nothing to do.
	sum = r.EvaluateStage(context.Background(), vault.StageNeedsAction)
	require.Zero(t, sum.Approved)
}

func TestRejectedPlanRoutesToDone(t *testing.T) {
	r, v := newTestRouter(t)
	writePlan(t, v, "rej", task.RiskHigh, task.ApprovalRejected, time.Hour)

	sum := r.EvaluateStage(context.Background(), vault.StageNeedsAction)
	require.Equal(t, 1, sum.Rejected)

	done, err := v.ListRecords(vault.StageDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
}

func TestHighRiskPendingExpiresAfterTwelveHours(t *testing.T) {
	// Scenario: a High-risk plan created 13 hours ago expires, gets the
	// status rewrite plus expiration note, and lands in Done.
	r, v := newTestRouter(t)
	writePlan(t, v, "exp", task.RiskHigh, task.ApprovalPending, 13*time.Hour)

	sum := r.EvaluateStage(context.Background(), vault.StageNeedsAction)
	require.Equal(t, 1, sum.Expired)

	done, err := v.ListRecords(vault.StageDone)
	require.NoError(t, err)
	require.Len(t, done, 1)

	content, err := os.ReadFile(done[0])
	require.NoError(t, err)
	require.Contains(t, string(content), "Approval Status: Expired")
	require.Contains(t, string(content), "## Expiration Note")
	require.NotContains(t, string(content), "Pending")
}

func TestTimeoutBoundaries(t *testing.T) {
	tests := []struct {
		name       string
		risk       task.Risk
		age        time.Duration
		wantExpire bool
	}{
		{"high risk just under 12h", task.RiskHigh, 11 * time.Hour, false},
		{"high risk past 12h", task.RiskHigh, 12*time.Hour + time.Minute, true},
		{"medium risk under 24h", task.RiskMedium, 23 * time.Hour, false},
		{"medium risk past 24h", task.RiskMedium, 25 * time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, v := newTestRouter(t)
			writePlan(t, v, "b", tt.risk, task.ApprovalPending, tt.age)

			sum := r.EvaluateStage(context.Background(), vault.StageNeedsAction)
			if tt.wantExpire {
				require.Equal(t, 1, sum.Expired)
			} else {
				require.Zero(t, sum.Expired)
				require.Equal(t, 1, sum.Pending)
			}
		})
	}
}

func TestLowRiskPendingAutoApproves(t *testing.T) {
	r, v := newTestRouter(t)
	writePlan(t, v, "low", task.RiskLow, task.ApprovalPending, time.Hour)

	sum := r.EvaluateStage(context.Background(), vault.StageNeedsAction)
	require.Equal(t, 1, sum.Approved)

	queued, err := v.ListRecords(vault.StagePlans)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	content, err := os.ReadFile(queued[0])
	require.NoError(t, err)
	require.Contains(t, string(content), "Approval Status: Approved")
}

func TestIncompleteEnvelopeIsInert(t *testing.T) {
	r, v := newTestRouter(t)

	// Has a risk line but no approval line: inert until corrected.
	partial := "# Gmail Event\n\nGoal: something\nRisk Level: High\n"
	path := filepath.Join(v.StageDir(vault.StageNeedsAction), "partial.md")
	require.NoError(t, os.WriteFile(path, []byte(partial), 0o600))

	// Malformed approval value: also inert.
	malformed := "# Gmail Event\n\nGoal: g\nRisk Level: High\nApproval Status: perhaps\n"
	path2 := filepath.Join(v.StageDir(vault.StageNeedsAction), "malformed.md")
	require.NoError(t, os.WriteFile(path2, []byte(malformed), 0o600))

	sum := r.EvaluateStage(context.Background(), vault.StageNeedsAction)
	require.Equal(t, 2, sum.Inert)

	// Neither record moved nor modified.
	remaining, err := v.ListRecords(vault.StageNeedsAction)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, partial, string(got))
}

func TestPlainTaskRecordsAreIgnored(t *testing.T) {
	r, v := newTestRouter(t)

	rec := task.Record{Source: "Mail", EventID: "42", Summary: "just a task"}
	path := filepath.Join(v.StageDir(vault.StageNeedsAction), rec.Filename())
	require.NoError(t, os.WriteFile(path, []byte(rec.Render()), 0o600))

	sum := r.EvaluateStage(context.Background(), vault.StageNeedsAction)
	require.Equal(t, Summary{}, sum)

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestExpiredPlanLeftBehindIsMovedOnNextPass(t *testing.T) {
	// Simulates a crash between the expiry rewrite and the move.
	r, v := newTestRouter(t)
	writePlan(t, v, "crash", task.RiskHigh, task.ApprovalExpired, time.Hour)

	sum := r.EvaluateStage(context.Background(), vault.StageNeedsAction)
	require.Equal(t, 1, sum.Expired)

	done, err := v.ListRecords(vault.StageDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
}

type countingRecorder struct {
	processed int
	errs      int
}

func (c *countingRecorder) ApprovalProcessed() { c.processed++ }
func (c *countingRecorder) ErrorOccurred()     { c.errs++ }

func TestApprovedPlanAlreadyInPlansIsLeftAlone(t *testing.T) {
	// An approved plan sitting in the execution queue has already made its
	// transition; repeated passes over Plans must not rename it or count
	// anything.
	r, v := newTestRouter(t)
	rec := &countingRecorder{}
	r.SetRecorder(rec)

	plan := task.Record{
		Source:   "Gmail",
		EventID:  "p1",
		Goal:     "Do the thing",
		Steps:    []string{"step one"},
		Risk:     task.RiskMedium,
		Approval: task.ApprovalApproved,
	}
	path := filepath.Join(v.StageDir(vault.StagePlans), plan.Filename())
	require.NoError(t, os.WriteFile(path, []byte(plan.Render()), 0o600))

	for i := 0; i < 3; i++ {
		sum := r.EvaluateStage(context.Background(), vault.StagePlans)
		require.Equal(t, Summary{}, sum)
	}

	queued, err := v.ListRecords(vault.StagePlans)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, plan.Filename(), filepath.Base(queued[0]), "name must stay stable across passes")
	require.Zero(t, rec.processed)
	require.Zero(t, rec.errs)
}

func TestTerminalPlanAlreadyInDoneIsLeftAlone(t *testing.T) {
	r, v := newTestRouter(t)
	rec := &countingRecorder{}
	r.SetRecorder(rec)

	plan := task.Record{
		Source:   "Gmail",
		EventID:  "d1",
		Goal:     "Old work",
		Risk:     task.RiskHigh,
		Approval: task.ApprovalRejected,
	}
	path := filepath.Join(v.StageDir(vault.StageDone), plan.Filename())
	require.NoError(t, os.WriteFile(path, []byte(plan.Render()), 0o600))

	sum := r.EvaluateStage(context.Background(), vault.StageDone)
	require.Equal(t, Summary{}, sum)

	done, err := v.ListRecords(vault.StageDone)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, plan.Filename(), filepath.Base(done[0]))
	require.Zero(t, rec.processed)
}
