package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "approvals.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testItem(description string) Item {
	now := time.Now().UTC().Truncate(time.Second)
	return Item{
		RequestID:     ComputeRequestID(description),
		Description:   description,
		Category:      "privileged_write",
		Requester:     "agent",
		Status:        StatusPending,
		IntendedTools: []string{"admin__delete_user"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSQLiteCreateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	item := testItem("suspend user mallory")

	created, err := store.Create(ctx, item)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected first insert to create")
	}

	created, err = store.Create(ctx, item)
	if err != nil {
		t.Fatalf("duplicate create: %v", err)
	}
	if created {
		t.Error("expected duplicate insert to be a no-op")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	item := testItem("grant s3 access")

	if _, err := store.Create(ctx, item); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, item.RequestID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != item.Description {
		t.Errorf("description mismatch: %q", got.Description)
	}
	if len(got.IntendedTools) != 1 || got.IntendedTools[0] != "admin__delete_user" {
		t.Errorf("intended tools mismatch: %v", got.IntendedTools)
	}

	got.Status = StatusApproved
	got.DecidedBy = "alice"
	got.AllowedTools = []string{"s3__put_policy"}
	got.UpdatedAt = time.Now().UTC()
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	updated, err := store.Get(ctx, item.RequestID)
	if err != nil {
		t.Fatalf("get updated: %v", err)
	}
	if updated.Status != StatusApproved || updated.DecidedBy != "alice" {
		t.Errorf("update not persisted: %+v", updated)
	}
	if len(updated.AllowedTools) != 1 || updated.AllowedTools[0] != "s3__put_policy" {
		t.Errorf("allowed tools mismatch: %v", updated.AllowedTools)
	}
}

func TestSQLiteGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteListByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := testItem("request one")
	decided := testItem("request two")
	decided.Status = StatusApproved

	if _, err := store.Create(ctx, pending); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	if _, err := store.Create(ctx, decided); err != nil {
		t.Fatalf("create decided: %v", err)
	}

	items, err := store.List(ctx, StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(items) != 1 || items[0].RequestID != pending.RequestID {
		t.Errorf("unexpected pending list: %+v", items)
	}

	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 items, got %d", len(all))
	}
}
