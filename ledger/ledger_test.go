package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GlacierEQ/God-Mind/tasks"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func submittedTask(id string, createdAt time.Time) *tasks.Task {
	return &tasks.Task{
		ID:          id,
		Provider:    "github",
		Operation:   "search_code",
		Args:        []byte(`{"q":"needle"}`),
		Priority:    5,
		MaxAttempts: 3,
		CreatedAt:   createdAt,
	}
}

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "ledger.db")

	l, err := Open(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "state", "nested", "ledger.db")

	l, err := Open(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestOpen_MissingPath(t *testing.T) {
	_, err := Open(Config{})
	if err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestRecordSubmission(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	task := submittedTask("task-001", time.Now())
	if err := l.RecordSubmission(ctx, task); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	history, err := l.History(ctx, "task-001")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(history))
	}
	if history[0].From != "" || history[0].To != tasks.StatusPending {
		t.Errorf("unexpected first transition: %q -> %q", history[0].From, history[0].To)
	}
}

func TestRecordSubmission_Idempotent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	task := submittedTask("task-001", time.Now())
	if err := l.RecordSubmission(ctx, task); err != nil {
		t.Fatalf("first RecordSubmission failed: %v", err)
	}
	if err := l.RecordSubmission(ctx, task); err != nil {
		t.Fatalf("second RecordSubmission failed: %v", err)
	}

	history, err := l.History(ctx, "task-001")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("duplicate submission should not append, got %d transitions", len(history))
	}
}

func TestRecordTransition(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordSubmission(ctx, submittedTask("task-001", time.Now())); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}

	steps := []Transition{
		{TaskID: "task-001", From: tasks.StatusPending, To: tasks.StatusDispatched, AgentID: "agent-7", Attempt: 1},
		{TaskID: "task-001", From: tasks.StatusDispatched, To: tasks.StatusRunning, AgentID: "agent-7", Attempt: 1},
		{TaskID: "task-001", From: tasks.StatusRunning, To: tasks.StatusSucceeded, AgentID: "agent-7", Attempt: 1},
	}
	for _, tr := range steps {
		if err := l.RecordTransition(ctx, tr); err != nil {
			t.Fatalf("RecordTransition(%s->%s) failed: %v", tr.From, tr.To, err)
		}
	}

	history, err := l.History(ctx, "task-001")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(history))
	}
	if history[1].To != tasks.StatusDispatched || history[1].AgentID != "agent-7" {
		t.Errorf("unexpected second transition: %+v", history[1])
	}
	if history[3].To != tasks.StatusSucceeded {
		t.Errorf("last transition should be succeeded, got %s", history[3].To)
	}
	for _, tr := range history {
		if tr.At.IsZero() {
			t.Error("transition timestamp should be set")
		}
	}

	// Terminal task is not recoverable
	recovered, err := l.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("terminal task should not be recovered, got %d", len(recovered))
	}
}

func TestRecordTransition_UnknownTask(t *testing.T) {
	l := openTestLedger(t)

	err := l.RecordTransition(context.Background(), Transition{
		TaskID: "ghost",
		From:   tasks.StatusPending,
		To:     tasks.StatusDispatched,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHistory_UnknownTask(t *testing.T) {
	l := openTestLedger(t)

	_, err := l.History(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecover(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	for i, id := range []string{"task-001", "task-002", "task-003"} {
		task := submittedTask(id, base.Add(time.Duration(i)*time.Millisecond))
		if err := l.RecordSubmission(ctx, task); err != nil {
			t.Fatalf("RecordSubmission(%s) failed: %v", id, err)
		}
	}

	// task-001 completes, task-002 is mid-flight, task-003 stays pending
	finished := []Transition{
		{TaskID: "task-001", From: tasks.StatusPending, To: tasks.StatusDispatched, AgentID: "agent-1", Attempt: 1},
		{TaskID: "task-001", From: tasks.StatusDispatched, To: tasks.StatusRunning, AgentID: "agent-1", Attempt: 1},
		{TaskID: "task-001", From: tasks.StatusRunning, To: tasks.StatusSucceeded, AgentID: "agent-1", Attempt: 1},
		{TaskID: "task-002", From: tasks.StatusPending, To: tasks.StatusDispatched, AgentID: "agent-2", Attempt: 2},
		{TaskID: "task-002", From: tasks.StatusDispatched, To: tasks.StatusRunning, AgentID: "agent-2", Attempt: 2},
	}
	for _, tr := range finished {
		if err := l.RecordTransition(ctx, tr); err != nil {
			t.Fatalf("RecordTransition failed: %v", err)
		}
	}

	recovered, err := l.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("expected 2 recoverable tasks, got %d", len(recovered))
	}

	// Submission order
	if recovered[0].ID != "task-002" || recovered[1].ID != "task-003" {
		t.Errorf("unexpected order: %s, %s", recovered[0].ID, recovered[1].ID)
	}

	got := recovered[0]
	if got.Provider != "github" || got.Operation != "search_code" {
		t.Errorf("submission fields lost: %+v", got)
	}
	if string(got.Args) != `{"q":"needle"}` {
		t.Errorf("args lost: %s", got.Args)
	}
	if got.Priority != 5 || got.MaxAttempts != 3 {
		t.Errorf("priority/max_attempts lost: %+v", got)
	}
	if got.Status != tasks.StatusRunning {
		t.Errorf("latest status = %s, want running", got.Status)
	}
	if got.Attempts != 2 || got.AgentID != "agent-2" {
		t.Errorf("latest attempt state lost: attempts=%d agent=%s", got.Attempts, got.AgentID)
	}

	if recovered[1].Status != tasks.StatusPending {
		t.Errorf("task-003 status = %s, want pending", recovered[1].Status)
	}
}

func TestRecover_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := Open(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := l.RecordSubmission(ctx, submittedTask("task-001", time.Now())); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}
	if err := l.RecordTransition(ctx, Transition{
		TaskID: "task-001", From: tasks.StatusPending, To: tasks.StatusDispatched,
		AgentID: "agent-1", Attempt: 1,
	}); err != nil {
		t.Fatalf("RecordTransition failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	recovered, err := reopened.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != "task-001" {
		t.Fatalf("expected task-001 after reopen, got %v", recovered)
	}
	if recovered[0].Status != tasks.StatusDispatched {
		t.Errorf("status = %s, want dispatched", recovered[0].Status)
	}
}

func TestPruneTerminal(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordSubmission(ctx, submittedTask("done", time.Now())); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}
	if err := l.RecordSubmission(ctx, submittedTask("active", time.Now())); err != nil {
		t.Fatalf("RecordSubmission failed: %v", err)
	}
	steps := []Transition{
		{TaskID: "done", From: tasks.StatusPending, To: tasks.StatusDispatched, AgentID: "agent-1", Attempt: 1},
		{TaskID: "done", From: tasks.StatusDispatched, To: tasks.StatusRunning, AgentID: "agent-1", Attempt: 1},
		{TaskID: "done", From: tasks.StatusRunning, To: tasks.StatusFailed, AgentID: "agent-1", Attempt: 1, Code: "INVALID_INPUT"},
	}
	for _, tr := range steps {
		if err := l.RecordTransition(ctx, tr); err != nil {
			t.Fatalf("RecordTransition failed: %v", err)
		}
	}

	pruned, err := l.PruneTerminal(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminal failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned task, got %d", pruned)
	}

	if _, err := l.History(ctx, "done"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pruned task history should be gone, got %v", err)
	}
	if _, err := l.History(ctx, "active"); err != nil {
		t.Errorf("active task history should remain: %v", err)
	}
}

func TestSnapshotProvider(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	snaps := []ProviderSnapshot{
		{Name: "github", Kind: "stdio", Capabilities: []string{"search_code", "create_issue"}, ConcurrencyLimit: 10, State: "connected"},
		{Name: "anthropic", Kind: "anthropic", Capabilities: []string{"complete"}, ConcurrencyLimit: 4, State: "connected"},
	}
	for _, snap := range snaps {
		if err := l.SnapshotProvider(ctx, snap); err != nil {
			t.Fatalf("SnapshotProvider(%s) failed: %v", snap.Name, err)
		}
	}

	// Re-snapshot with a new state replaces the row
	if err := l.SnapshotProvider(ctx, ProviderSnapshot{
		Name: "github", Kind: "stdio", Capabilities: []string{"search_code", "create_issue"},
		ConcurrencyLimit: 10, State: "degraded",
	}); err != nil {
		t.Fatalf("re-snapshot failed: %v", err)
	}

	got, err := l.Providers(ctx)
	if err != nil {
		t.Fatalf("Providers failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(got))
	}

	// Ordered by name
	if got[0].Name != "anthropic" || got[1].Name != "github" {
		t.Errorf("unexpected order: %s, %s", got[0].Name, got[1].Name)
	}
	if got[1].State != "degraded" {
		t.Errorf("github state = %s, want degraded", got[1].State)
	}
	if len(got[1].Capabilities) != 2 || got[1].Capabilities[0] != "search_code" {
		t.Errorf("capabilities lost: %v", got[1].Capabilities)
	}
	if got[0].ConcurrencyLimit != 4 {
		t.Errorf("anthropic limit = %d, want 4", got[0].ConcurrencyLimit)
	}
	if got[0].UpdatedAt.IsZero() {
		t.Error("updated_at should be set")
	}
}

func TestClose(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close should be nil, got %v", err)
	}

	if err := l.RecordSubmission(ctx, submittedTask("task-001", time.Now())); !errors.Is(err, ErrClosed) {
		t.Errorf("RecordSubmission after close = %v, want ErrClosed", err)
	}
	if _, err := l.Recover(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Recover after close = %v, want ErrClosed", err)
	}
	if _, err := l.History(ctx, "task-001"); !errors.Is(err, ErrClosed) {
		t.Errorf("History after close = %v, want ErrClosed", err)
	}
	if err := l.SnapshotProvider(ctx, ProviderSnapshot{Name: "github"}); !errors.Is(err, ErrClosed) {
		t.Errorf("SnapshotProvider after close = %v, want ErrClosed", err)
	}
}
