package sensor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/taskvault/internal/dedup"
	"github.com/iambrandonn/taskvault/internal/task"
	"github.com/iambrandonn/taskvault/internal/vault"
	"github.com/iambrandonn/taskvault/pkg/sensortest"
)

func newTestRunner(t *testing.T, fake *sensortest.Fake, notify chan<- string) (*Runner, *vault.Vault, *dedup.Store) {
	t.Helper()
	v := vault.New(t.TempDir())
	require.NoError(t, v.Initialize())

	store, err := dedup.OpenStore(filepath.Join(v.StateDir(), fake.Name()+"_processed.json"))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(fake, v, store, logger, time.Second, notify), v, store
}

func githubRecord(id string) task.Record {
	return task.Record{
		Source:     "GitHub",
		EventID:    id,
		Kind:       "IssuesEvent",
		Originator: "octocat",
		Summary:    "Issue opened",
		Risk:       task.RiskMedium,
	}
}

func TestPollOnceEmitsNewRecords(t *testing.T) {
	fake := sensortest.New("github")
	notify := make(chan string, 1)
	r, v, store := newTestRunner(t, fake, notify)

	fake.QueueRecords(githubRecord("100"), githubRecord("101"))

	emitted := r.PollOnce(context.Background())
	require.Equal(t, 2, emitted)

	inbox, err := v.ListRecords(vault.StageInbox)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	require.Equal(t, "github-100.md", filepath.Base(inbox[0]))

	require.True(t, store.HasSeen("100"))
	require.True(t, store.HasSeen("101"))

	select {
	case name := <-notify:
		require.Equal(t, "github", name)
	default:
		t.Fatal("expected a re-scan notification")
	}
}

func TestDuplicateEmissionSuppressedBeforeWrite(t *testing.T) {
	// Scenario: the same source-qualified id shows up in two consecutive
	// polls; only one file ever reaches Inbox.
	fake := sensortest.New("github")
	r, v, _ := newTestRunner(t, fake, nil)

	fake.QueueRecords(githubRecord("7"))
	fake.QueueRecords(githubRecord("7"))

	require.Equal(t, 1, r.PollOnce(context.Background()))
	require.Equal(t, 0, r.PollOnce(context.Background()))

	inbox, err := v.ListRecords(vault.StageInbox)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
}

func TestDedupSurvivesRestart(t *testing.T) {
	fake := sensortest.New("gmail")
	r, v, _ := newTestRunner(t, fake, nil)

	rec := task.Record{Source: "Gmail", EventID: "msg-1", Summary: "hello", Risk: task.RiskLow}
	fake.QueueRecords(rec)
	require.Equal(t, 1, r.PollOnce(context.Background()))

	// Simulate the intake watcher consuming the record, then a restart that
	// reopens the dedup store from disk.
	inbox, err := v.ListRecords(vault.StageInbox)
	require.NoError(t, err)
	_, err = v.MoveTo(inbox[0], vault.StageNeedsAction)
	require.NoError(t, err)

	store2, err := dedup.OpenStore(filepath.Join(v.StateDir(), "gmail_processed.json"))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r2 := NewRunner(fake, v, store2, logger, time.Second, nil)

	fake.QueueRecords(rec)
	require.Equal(t, 0, r2.PollOnce(context.Background()))

	inbox, err = v.ListRecords(vault.StageInbox)
	require.NoError(t, err)
	require.Empty(t, inbox, "restart must not re-emit a consumed event")
}

func TestCrashBetweenWriteAndMarkIsAbsorbed(t *testing.T) {
	fake := sensortest.New("github")
	r, v, store := newTestRunner(t, fake, nil)

	// A record file exists in Inbox but the identity was never marked:
	// the crash window between AtomicWrite and MarkSeen.
	rec := githubRecord("55")
	path := filepath.Join(v.StageDir(vault.StageInbox), rec.Filename())
	require.NoError(t, writeFile(path, rec.Render()))

	fake.QueueRecords(rec)
	require.Equal(t, 0, r.PollOnce(context.Background()), "existing file must not be emitted again")
	require.True(t, store.HasSeen("55"), "recovery marks the identity seen")

	inbox, err := v.ListRecords(vault.StageInbox)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
}

func TestPollFailureIsTransient(t *testing.T) {
	fake := sensortest.New("github")
	r, v, _ := newTestRunner(t, fake, nil)

	fake.QueueError(errors.New("rate limited"))
	fake.QueueRecords(githubRecord("8"))

	require.Equal(t, 0, r.PollOnce(context.Background()))
	require.Contains(t, r.Health().LastError, "rate limited")

	// Next tick recovers.
	require.Equal(t, 1, r.PollOnce(context.Background()))
	require.Empty(t, r.Health().LastError)

	inbox, err := v.ListRecords(vault.StageInbox)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
}

func TestPollBoundedByDeadline(t *testing.T) {
	fake := sensortest.New("slow")
	r, _, _ := newTestRunner(t, fake, nil)
	r.pollTimeout = 50 * time.Millisecond

	started := fake.Block()

	done := make(chan int, 1)
	go func() { done <- r.PollOnce(context.Background()) }()

	<-started
	select {
	case emitted := <-done:
		require.Zero(t, emitted)
	case <-time.After(2 * time.Second):
		t.Fatal("stuck poll was not cancelled by its deadline")
	}
	require.NotEmpty(t, r.Health().LastError)
}

func TestRecordWithoutEventIDDropped(t *testing.T) {
	fake := sensortest.New("github")
	r, v, _ := newTestRunner(t, fake, nil)

	fake.QueueRecords(task.Record{Source: "GitHub", Summary: "no id"})
	require.Equal(t, 0, r.PollOnce(context.Background()))

	inbox, err := v.ListRecords(vault.StageInbox)
	require.NoError(t, err)
	require.Empty(t, inbox)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
