package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/hpungsan/scribe/internal/errors"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := Put(ctx, db, "scribe:documents/a", `{"id":"a"}`, 10); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := Get(ctx, db, "scribe:documents/a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != `{"id":"a"}` {
		t.Errorf("Get = %q", got)
	}

	// Upsert overwrites
	if err := Put(ctx, db, "scribe:documents/a", `{"id":"a","name":"x"}`, 11); err != nil {
		t.Fatalf("Put (overwrite) failed: %v", err)
	}
	got, _ = Get(ctx, db, "scribe:documents/a")
	if got != `{"id":"a","name":"x"}` {
		t.Errorf("Get after overwrite = %q", got)
	}
}

func TestGet_Missing(t *testing.T) {
	db := testDB(t)

	_, err := Get(context.Background(), db, "nope")
	if err != ErrNoEntry {
		t.Fatalf("Get(missing) error = %v, want ErrNoEntry", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := Put(ctx, db, "k", "v", 1); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := Delete(ctx, db, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := Delete(ctx, db, "k"); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if _, err := Get(ctx, db, "k"); err != ErrNoEntry {
		t.Fatalf("expected ErrNoEntry after delete, got %v", err)
	}
}

func TestListPrefix(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, k := range []string{"p:documents/b", "p:documents/a", "p:categories", "other:documents/c", "p:documents_x"} {
		if err := Put(ctx, db, k, "v", 1); err != nil {
			t.Fatalf("Put(%s) failed: %v", k, err)
		}
	}

	entries, err := ListPrefix(ctx, db, "p:documents/")
	if err != nil {
		t.Fatalf("ListPrefix failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListPrefix returned %d entries, want 2", len(entries))
	}
	if entries[0].Key != "p:documents/a" || entries[1].Key != "p:documents/b" {
		t.Errorf("unexpected order: %s, %s", entries[0].Key, entries[1].Key)
	}
}

func TestListPrefix_LikeMetacharacters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_ = Put(ctx, db, "a%b/1", "v", 1)
	_ = Put(ctx, db, "axb/1", "v", 1)

	entries, err := ListPrefix(ctx, db, "a%b/")
	if err != nil {
		t.Fatalf("ListPrefix failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("prefix with %% matched %d entries, want 1", len(entries))
	}
}

func TestDeletePrefix(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_ = Put(ctx, db, "p:one", "v", 1)
	_ = Put(ctx, db, "p:two", "v", 1)
	_ = Put(ctx, db, "q:three", "v", 1)

	n, err := DeletePrefix(ctx, db, "p:")
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if n != 2 {
		t.Errorf("DeletePrefix removed %d, want 2", n)
	}
	if _, err := Get(ctx, db, "q:three"); err != nil {
		t.Errorf("unrelated key removed: %v", err)
	}
}

func TestStorageErrorsAreTyped(t *testing.T) {
	db := testDB(t)
	db.Close()

	err := Put(context.Background(), db, "k", "v", 1)
	if !errors.Is(err, errors.ErrStorage) {
		t.Fatalf("Put on closed db error = %v, want STORAGE", err)
	}
}

func TestPut_InTransaction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := Put(ctx, tx, "k", "v", 1); err != nil {
		t.Fatalf("Put in tx failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if _, err := Get(ctx, db, "k"); err != ErrNoEntry {
		t.Fatalf("rolled back Put is visible: %v", err)
	}
}
