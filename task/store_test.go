package task

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "maestro-task-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "investigate flaky login test", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if created.Status != StatusPending {
		t.Errorf("status = %q, want %q", created.Status, StatusPending)
	}
	if created.MaxIters != 10 {
		t.Errorf("max iterations = %d, want default 10", created.MaxIters)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Objective != created.Objective {
		t.Errorf("objective = %q, want %q", got.Objective, created.Objective)
	}
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_UpdateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk, err := store.Create(ctx, "add retries to the fetcher", CreateOptions{MaxIterations: 5, Strategy: "adaptive"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tk.Status = StatusRunning
	tk.Iteration = 2
	tk.RecordCall(AgentResearch)
	tk.ResearchResult = &ResearchResult{
		Topic:       "retry strategies",
		Summary:     "exponential backoff with jitter",
		KeyFindings: []string{"cap at 30s", "retry budget per caller"},
	}
	tk.RecordError(AgentContext, "context agent: connection refused")
	tk.SetContext("research_summary", "backoff with jitter")
	tk.SecretsDetected = true
	tk.SecretPatterns = []string{"aws_access_key"}

	if err := store.Update(ctx, tk); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRunning || got.Iteration != 2 {
		t.Errorf("status/iteration = %q/%d, want running/2", got.Status, got.Iteration)
	}
	if len(got.AgentsCalled) != 1 || got.AgentsCalled[0] != AgentResearch {
		t.Errorf("agents called = %v", got.AgentsCalled)
	}
	if got.ResearchResult == nil || got.ResearchResult.Topic != "retry strategies" {
		t.Errorf("research result = %+v", got.ResearchResult)
	}
	if got.ContextResult != nil {
		t.Errorf("context result should be nil, got %+v", got.ContextResult)
	}
	if got.AgentErrors["context"] != 1 {
		t.Errorf("agent errors = %v", got.AgentErrors)
	}
	if got.UserContext["research_summary"] != "backoff with jitter" {
		t.Errorf("user context = %v", got.UserContext)
	}
	if !got.SecretsDetected || len(got.SecretPatterns) != 1 {
		t.Errorf("secrets = %v / %v", got.SecretsDetected, got.SecretPatterns)
	}
}

func TestSQLiteStore_UpdateMissing(t *testing.T) {
	store := newTestStore(t)
	err := store.Update(context.Background(), &Task{ID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStore_AppendMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk, err := store.Create(ctx, "document the cache layer", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i, text := range []string{"starting research", "found three docs"} {
		m := Message{Agent: AgentResearch, Type: "progress", Content: map[string]string{"text": text}}
		if err := store.AppendMessage(ctx, tk.ID, m); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	got, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if got.Messages[0].ID == "" || got.Messages[0].Timestamp.IsZero() {
		t.Error("expected message ID and timestamp to be assigned")
	}
	if got.Messages[1].Content["text"] != "found three docs" {
		t.Errorf("message order wrong: %v", got.Messages)
	}
}

func TestSQLiteStore_ListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.Create(ctx, "task a", CreateOptions{})
	b, _ := store.Create(ctx, "task b", CreateOptions{})
	_, _ = store.Create(ctx, "task c", CreateOptions{})

	a.Status = StatusCompleted
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("Update a: %v", err)
	}
	b.Status = StatusCompleted
	if err := store.Update(ctx, b); err != nil {
		t.Fatalf("Update b: %v", err)
	}

	done, err := store.List(ctx, Filter{Status: StatusCompleted})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(done) != 2 {
		t.Errorf("completed = %d, want 2", len(done))
	}

	all, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}

	limited, err := store.List(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func TestSQLiteStore_Expiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk, err := store.Create(ctx, "short lived", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.ExpireAfter(ctx, tk.ID, -time.Second); err != nil {
		t.Fatalf("ExpireAfter: %v", err)
	}

	if _, err := store.Get(ctx, tk.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired Get err = %v, want ErrNotFound", err)
	}
	// expired tasks disappear from listings too
	all, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("expired task still listed: %v", all)
	}
}

func TestSQLiteStore_UpdateRenewsExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk, err := store.Create(ctx, "long running", CreateOptions{TTL: time.Minute})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Update(ctx, tk); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var expiresAt time.Time
	row := store.db.QueryRow(`SELECT expires_at FROM tasks WHERE id=?`, tk.ID)
	if err := row.Scan(&expiresAt); err != nil {
		t.Fatalf("scan expires_at: %v", err)
	}
	if time.Until(expiresAt) < 50*time.Minute {
		t.Errorf("expiry not renewed to full TTL, expires in %v", time.Until(expiresAt))
	}
}

func TestSQLiteStore_StatsAndCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	done, _ := store.Create(ctx, "done", CreateOptions{})
	done.Status = StatusCompleted
	done.Errors = []string{"one transient failure"}
	if err := store.Update(ctx, done); err != nil {
		t.Fatalf("Update: %v", err)
	}
	_, _ = store.Create(ctx, "pending", CreateOptions{})

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 2 || st.ByStatus[StatusCompleted] != 1 || st.ByStatus[StatusPending] != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.WithErrors != 1 {
		t.Errorf("with errors = %d, want 1", st.WithErrors)
	}

	// nothing old enough yet
	removed, err := store.CleanupCompleted(ctx, time.Hour)
	if err != nil {
		t.Fatalf("CleanupCompleted: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("cleaned %v, want none", removed)
	}

	removed, err = store.CleanupCompleted(ctx, 0)
	if err != nil {
		t.Fatalf("CleanupCompleted: %v", err)
	}
	if len(removed) != 1 || removed[0] != done.ID {
		t.Errorf("cleaned %v, want [%s] (only terminal tasks)", removed, done.ID)
	}
}

func TestErrorBudget(t *testing.T) {
	tk := &Task{}
	for i := 0; i < 3; i++ {
		if tk.ErrorBudgetExhausted(AgentResearch, 3) {
			t.Fatalf("budget exhausted after %d failures", i)
		}
		tk.RecordError(AgentResearch, "boom")
	}
	if !tk.ErrorBudgetExhausted(AgentResearch, 3) {
		t.Error("budget should be exhausted after 3 failures")
	}
	tk.ClearErrors(AgentResearch)
	if tk.ErrorBudgetExhausted(AgentResearch, 3) {
		t.Error("budget should reset after success")
	}
}

func TestMemoryStore_Parity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tk, err := store.Create(ctx, "memory backed", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tk.Status = StatusRunning
	if err := store.Update(ctx, tk); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRunning {
		t.Errorf("status = %q", got.Status)
	}

	// mutations on the returned copy must not leak into the store
	got.Objective = "mutated"
	again, _ := store.Get(ctx, tk.ID)
	if again.Objective != "memory backed" {
		t.Error("store returned shared memory")
	}

	if err := store.ExpireAfter(ctx, tk.ID, -time.Second); err != nil {
		t.Fatalf("ExpireAfter: %v", err)
	}
	if _, err := store.Get(ctx, tk.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired Get err = %v, want ErrNotFound", err)
	}
}
