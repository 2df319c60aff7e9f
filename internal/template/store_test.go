package template

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/relaybot/relaybot/internal/db"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = dbConn.Close() })

	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	store, err := NewStore(sqlxDB, sqlxDB)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestStore_UpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tpl := &Template{Name: "deploy", Description: "Deploy the service", Content: "Deploy $1 to $2"}
	if err := store.Upsert(ctx, tpl); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if tpl.ID == "" {
		t.Fatal("expected generated template ID")
	}

	got, err := store.Get(ctx, "deploy")
	if err != nil {
		t.Fatalf("failed to get template: %v", err)
	}
	if got.Content != "Deploy $1 to $2" || got.Builtin {
		t.Fatalf("template round-trip mismatch: %+v", got)
	}

	// Upserting the same name replaces content in place.
	update := &Template{Name: "deploy", Description: "v2", Content: "Ship $ARGUMENTS", Builtin: true}
	if err := store.Upsert(ctx, update); err != nil {
		t.Fatalf("failed to re-upsert: %v", err)
	}

	got, err = store.Get(ctx, "deploy")
	if err != nil {
		t.Fatalf("failed to get template: %v", err)
	}
	if got.Content != "Ship $ARGUMENTS" || got.Description != "v2" || !got.Builtin {
		t.Fatalf("upsert did not replace: %+v", got)
	}
	if got.ID != tpl.ID {
		t.Fatalf("upsert must keep the original row, got new ID %s", got.ID)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list templates: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 template, got %d", len(list))
	}
}

func TestStore_ListOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := store.Upsert(ctx, &Template{Name: name, Content: "x"}); err != nil {
			t.Fatalf("failed to upsert %s: %v", name, err)
		}
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list templates: %v", err)
	}
	if len(list) != 3 || list[0].Name != "alpha" || list[1].Name != "mid" || list[2].Name != "zeta" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, &Template{Name: "gone", Content: "x"}); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	if err := store.Delete(ctx, "gone"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := store.Get(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}
