package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{Query: "list users", Category: "other", Outcome: "allow", Rationale: "no matching rule; default allow"},
		{Query: "drop prod table", Category: "privileged_write", Outcome: "deny", MatchedRule: "deny_prod", Rationale: "denied by policy rule deny_prod"},
	}
	for _, entry := range entries {
		if err := store.Record(ctx, entry); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].Query != "drop prod table" {
		t.Errorf("expected newest first, got %q", recent[0].Query)
	}
	if recent[0].MatchedRule != "deny_prod" {
		t.Errorf("matched rule not persisted: %+v", recent[0])
	}
}

func TestRecentLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.Record(ctx, Entry{Query: "q", Category: "other", Outcome: "allow", Rationale: "r"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recent, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("expected limit of 3, got %d", len(recent))
	}
}

func TestEntriesAreImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, Entry{Query: "q", Category: "other", Outcome: "allow", Rationale: "r"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := store.db.ExecContext(ctx, "UPDATE decision_log SET outcome = 'deny'"); err == nil {
		t.Error("expected update to be rejected")
	}
	if _, err := store.db.ExecContext(ctx, "DELETE FROM decision_log"); err == nil {
		t.Error("expected delete to be rejected")
	}
}

func TestRejectsInvalidOutcome(t *testing.T) {
	store := newTestStore(t)

	err := store.Record(context.Background(), Entry{Query: "q", Category: "other", Outcome: "maybe", Rationale: "r"})
	if err == nil {
		t.Error("expected check constraint to reject unknown outcome")
	}
}
