package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hpungsan/scribe/internal/db"
	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func testStore(t *testing.T) (*Store, *events.Bus[events.Change], *fakeClock) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus := events.NewBus[events.Change](64)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(database, Options{
		Prefix:   "test:",
		Template: document.Template{Name: "Untitled"},
		Changes:  bus,
		Now:      clock.Now,
	})
	return s, bus, clock
}

// drain collects every change currently buffered on ch.
func drain(ch <-chan events.Change) []events.Change {
	var out []events.Change
	for {
		select {
		case c := <-ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

func topics(changes []events.Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Topic()
	}
	return out
}

func TestSave_MintsTemporaryID(t *testing.T) {
	s, bus, clock := testStore(t)
	ch, cancel := bus.Subscribe()
	defer cancel()
	ctx := context.Background()

	saved, err := s.Save(ctx, document.Document{Name: "Notes", Content: "hi"}, events.OriginUser)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !document.IsTemporaryID(saved.ID) {
		t.Errorf("ID = %q, want temporary id", saved.ID)
	}
	if !saved.UpdatedAt.Equal(clock.Now()) || !saved.CreatedAt.Equal(clock.Now()) {
		t.Errorf("timestamps = %v/%v, want %v", saved.CreatedAt, saved.UpdatedAt, clock.Now())
	}
	if saved.Category != document.DefaultCategory {
		t.Errorf("Category = %q, want default", saved.Category)
	}

	// Local-first: visible before Save returned
	got, err := s.Get(ctx, saved.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != "hi" {
		t.Errorf("Content = %q", got.Content)
	}

	gotTopics := topics(drain(ch))
	want := []string{events.TopicDocumentSaved, events.TopicCategoryAdded}
	if strings.Join(gotTopics, ",") != strings.Join(want, ",") {
		t.Errorf("topics = %v, want %v", gotTopics, want)
	}
}

func TestSave_OverwritePreservesCreatedAt(t *testing.T) {
	s, _, clock := testStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, document.Document{Name: "a"}, events.OriginUser)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	clock.Advance(time.Minute)

	second, err := s.Save(ctx, document.Document{ID: first.ID, Name: "b"}, events.OriginUser)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", second.UpdatedAt, clock.Now())
	}

	all, _ := s.GetAll(ctx)
	if len(all) != 1 {
		t.Fatalf("GetAll returned %d docs, want 1", len(all))
	}
}

func TestSave_SyncOriginKeepsRemoteTimestamp(t *testing.T) {
	s, _, _ := testStore(t)
	remoteTime := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	saved, err := s.Save(context.Background(), document.Document{ID: "r-1", Name: "x", UpdatedAt: remoteTime}, events.OriginSync)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !saved.UpdatedAt.Equal(remoteTime) {
		t.Errorf("UpdatedAt = %v, want %v", saved.UpdatedAt, remoteTime)
	}
}

func TestDelete_IdempotentAndClearsCurrent(t *testing.T) {
	s, bus, _ := testStore(t)
	ctx := context.Background()
	ch, cancel := bus.Subscribe()
	defer cancel()

	doc, _ := s.Save(ctx, document.Document{Name: "a"}, events.OriginUser)
	if err := s.SetCurrentDocument(ctx, doc.ID, events.OriginUser); err != nil {
		t.Fatalf("SetCurrentDocument failed: %v", err)
	}
	drain(ch)

	if err := s.Delete(ctx, doc.ID, events.OriginUser); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, doc.ID, events.OriginUser); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if err := s.Delete(ctx, "never-existed", events.OriginUser); err != nil {
		t.Fatalf("Delete(missing) failed: %v", err)
	}

	current, _ := s.CurrentDocumentID(ctx)
	if current != "" {
		t.Errorf("current = %q, want cleared", current)
	}
	got := topics(drain(ch))
	want := []string{events.TopicDocumentDeleted, events.TopicCurrentDocumentChanged}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("topics = %v, want %v (no events for no-op deletes)", got, want)
	}
}

func TestApplyRemote_SkipsOvertakenRecords(t *testing.T) {
	s, bus, clock := testStore(t)
	ctx := context.Background()
	older := clock.t.Add(-2 * time.Hour)
	remoteAt := clock.t.Add(-time.Hour)

	for _, id := range []string{"r-1", "r-2", "r-3"} {
		if _, err := s.Save(ctx, document.Document{ID: id, Name: id, Content: "seen", UpdatedAt: older}, events.OriginSync); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	// Local writes after the copies were chosen.
	if _, err := s.Save(ctx, document.Document{ID: "r-2", Name: "r-2", Content: "newer"}, events.OriginUser); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Delete(ctx, "r-3", events.OriginUser); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	ch, cancel := bus.Subscribe()
	defer cancel()
	n, err := s.ApplyRemote(ctx, []RemoteCopy{
		{Document: document.Document{ID: "r-1", Name: "r-1", Content: "remote", UpdatedAt: remoteAt}, Seen: older},
		{Document: document.Document{ID: "r-2", Name: "r-2", Content: "remote", UpdatedAt: remoteAt}, Seen: older},
		{Document: document.Document{ID: "r-3", Name: "r-3", Content: "remote", UpdatedAt: remoteAt}, Seen: older},
		{Document: document.Document{ID: "r-4", Name: "r-4", Content: "remote", UpdatedAt: remoteAt}},
	})
	if err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}
	if n != 2 {
		t.Errorf("applied = %d, want 2", n)
	}

	if got, _ := s.Get(ctx, "r-1"); got.Content != "remote" {
		t.Errorf("r-1 content = %q, want remote", got.Content)
	}
	if got, _ := s.Get(ctx, "r-2"); got.Content != "newer" {
		t.Errorf("r-2 content = %q, local edit should survive", got.Content)
	}
	if _, err := s.Get(ctx, "r-3"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("r-3 should stay deleted, got %v", err)
	}
	if got, _ := s.Get(ctx, "r-4"); got.Content != "remote" {
		t.Errorf("r-4 content = %q, remote-only copy should be written", got.Content)
	}
	for _, c := range drain(ch) {
		if c.Source() != events.OriginSync {
			t.Errorf("%s emitted with origin %v, want sync", c.Topic(), c.Source())
		}
	}
}

func TestDeleteIfUnchanged(t *testing.T) {
	s, _, clock := testStore(t)
	ctx := context.Background()

	doc, err := s.Save(ctx, document.Document{ID: "r-1", Name: "a"}, events.OriginUser)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	seen := doc.UpdatedAt

	clock.Advance(time.Minute)
	if _, err := s.Save(ctx, document.Document{ID: "r-1", Name: "a", Content: "edited"}, events.OriginUser); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	deleted, err := s.DeleteIfUnchanged(ctx, "r-1", seen)
	if err != nil {
		t.Fatalf("DeleteIfUnchanged failed: %v", err)
	}
	if deleted {
		t.Fatal("deleted a record edited after it was read")
	}

	current, _ := s.Get(ctx, "r-1")
	deleted, err = s.DeleteIfUnchanged(ctx, "r-1", current.UpdatedAt)
	if err != nil {
		t.Fatalf("DeleteIfUnchanged failed: %v", err)
	}
	if !deleted {
		t.Fatal("unchanged record was not deleted")
	}
	if deleted, _ := s.DeleteIfUnchanged(ctx, "r-1", current.UpdatedAt); deleted {
		t.Error("deleting a missing record reported true")
	}
}

func TestBulkUpdate(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	existing, _ := s.Save(ctx, document.Document{ID: "r-1", Name: "old"}, events.OriginSync)

	out, err := s.BulkUpdate(ctx, []document.Document{
		{ID: existing.ID, Name: "new"},
		{ID: "r-2", Name: "two", Category: "Work"},
	}, events.OriginSync)
	if err != nil {
		t.Fatalf("BulkUpdate failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("BulkUpdate returned %d, want 2", len(out))
	}

	got, _ := s.Get(ctx, "r-1")
	if got.Name != "new" {
		t.Errorf("Name = %q, want new", got.Name)
	}
	cats, _ := s.Categories(ctx)
	if strings.Join(cats, ",") != "General,Work" {
		t.Errorf("Categories = %v", cats)
	}
}

func TestReplaceID(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	doc, _ := s.Save(ctx, document.Document{Name: "draft", Content: "body"}, events.OriginUser)
	_ = s.SetCurrentDocument(ctx, doc.ID, events.OriginUser)

	moved, err := s.ReplaceID(ctx, doc.ID, "r-42")
	if err != nil {
		t.Fatalf("ReplaceID failed: %v", err)
	}
	if !moved {
		t.Fatal("ReplaceID reported not moved")
	}

	got, err := s.Get(ctx, "r-42")
	if err != nil {
		t.Fatalf("Get(remote id) failed: %v", err)
	}
	if got.Content != "body" {
		t.Errorf("Content = %q, want local content kept", got.Content)
	}

	// The temporary id still resolves for callers holding it.
	viaTemp, err := s.Get(ctx, doc.ID)
	if err != nil || viaTemp.ID != "r-42" {
		t.Errorf("Get(temp id) = %+v, %v; want alias to r-42", viaTemp, err)
	}
	current, _ := s.CurrentDocumentID(ctx)
	if current != "r-42" {
		t.Errorf("current = %q, want r-42", current)
	}

	// Saving through the old id updates the remote record, not a duplicate.
	if _, err := s.Save(ctx, document.Document{ID: doc.ID, Name: "edited"}, events.OriginUser); err != nil {
		t.Fatalf("Save via temp id failed: %v", err)
	}
	all, _ := s.GetAll(ctx)
	if len(all) != 1 || all[0].ID != "r-42" || all[0].Name != "edited" {
		t.Errorf("GetAll = %+v, want single r-42 edited", all)
	}
}

func TestReplaceID_DeletedMeanwhile(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()

	doc, _ := s.Save(ctx, document.Document{Name: "gone"}, events.OriginUser)
	_ = s.Delete(ctx, doc.ID, events.OriginUser)

	moved, err := s.ReplaceID(ctx, doc.ID, "r-9")
	if err != nil {
		t.Fatalf("ReplaceID failed: %v", err)
	}
	if moved {
		t.Error("ReplaceID resurrected a deleted document")
	}
	resolved, _ := s.ResolveID(ctx, doc.ID)
	if resolved != "r-9" {
		t.Errorf("ResolveID = %q, want alias recorded", resolved)
	}
}

func TestGetAllOrderAndSearch(t *testing.T) {
	s, _, clock := testStore(t)
	ctx := context.Background()

	_, _ = s.Save(ctx, document.Document{Name: "Groceries", Content: "milk"}, events.OriginUser)
	clock.Advance(time.Second)
	_, _ = s.Save(ctx, document.Document{Name: "Plan", Content: "buy MILK later", Category: "Home"}, events.OriginUser)
	clock.Advance(time.Second)
	_, _ = s.Save(ctx, document.Document{Name: "Work log"}, events.OriginUser)

	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 3 || all[0].Name != "Work log" || all[2].Name != "Groceries" {
		t.Errorf("unexpected order: %v", all)
	}

	hits, err := s.Search(ctx, "milk")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("Search(milk) = %d hits, want 2", len(hits))
	}
	hits, _ = s.Search(ctx, "home")
	if len(hits) != 1 || hits[0].Name != "Plan" {
		t.Errorf("Search(home) = %v", hits)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _, _ := testStore(t)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestSetCurrentDocument_RequiresExisting(t *testing.T) {
	s, _, _ := testStore(t)

	err := s.SetCurrentDocument(context.Background(), "missing", events.OriginUser)
	if !errors.Is(err, errors.ErrNotFound) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

func TestEnsureCurrent(t *testing.T) {
	s, _, clock := testStore(t)
	ctx := context.Background()

	// Empty store gets the starter document.
	doc, err := s.EnsureCurrent(ctx, events.OriginUser)
	if err != nil {
		t.Fatalf("EnsureCurrent failed: %v", err)
	}
	if doc.Name != "Untitled" || !s.Template().Matches(doc) {
		t.Errorf("starter = %+v, want template document", doc)
	}

	// Existing valid pointer is kept.
	clock.Advance(time.Second)
	newer, _ := s.Save(ctx, document.Document{Name: "newer"}, events.OriginUser)
	again, _ := s.EnsureCurrent(ctx, events.OriginUser)
	if again.ID != doc.ID {
		t.Errorf("EnsureCurrent moved a valid pointer to %s", again.ID)
	}

	// Deleting current falls back to the most recent document.
	_ = s.Delete(ctx, doc.ID, events.OriginUser)
	fallback, _ := s.EnsureCurrent(ctx, events.OriginUser)
	if fallback.ID != newer.ID {
		t.Errorf("fallback = %s, want %s", fallback.ID, newer.ID)
	}
}

func TestClear(t *testing.T) {
	s, bus, _ := testStore(t)
	ctx := context.Background()
	ch, cancel := bus.Subscribe()
	defer cancel()

	doc, _ := s.Save(ctx, document.Document{Name: "a"}, events.OriginUser)
	_ = s.SetCurrentDocument(ctx, doc.ID, events.OriginUser)
	_ = s.MarkSynced(ctx, time.Now())
	drain(ch)

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	all, _ := s.GetAll(ctx)
	if len(all) != 0 {
		t.Errorf("GetAll after Clear = %d docs", len(all))
	}
	last, _ := s.LastSyncedAt(ctx)
	if !last.IsZero() {
		t.Errorf("LastSyncedAt after Clear = %v, want zero", last)
	}
	got := drain(ch)
	if len(got) != 1 || got[0].Topic() != events.TopicStorageCleared {
		t.Errorf("changes = %v, want storage:cleared", topics(got))
	}
}

func TestClear_LeavesOtherPrefixes(t *testing.T) {
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	defer database.Close()
	ctx := context.Background()

	a := New(database, Options{Prefix: "a:"})
	b := New(database, Options{Prefix: "b:"})
	_, _ = a.Save(ctx, document.Document{Name: "x"}, events.OriginUser)
	_, _ = b.Save(ctx, document.Document{Name: "y"}, events.OriginUser)

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	docs, _ := b.GetAll(ctx)
	if len(docs) != 1 {
		t.Errorf("other prefix lost data: %d docs", len(docs))
	}
}

func TestMarkSynced(t *testing.T) {
	s, _, _ := testStore(t)
	ctx := context.Background()
	when := time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC)

	if err := s.MarkSynced(ctx, when); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	got, err := s.LastSyncedAt(ctx)
	if err != nil {
		t.Fatalf("LastSyncedAt failed: %v", err)
	}
	if !got.Equal(when) {
		t.Errorf("LastSyncedAt = %v, want %v", got, when)
	}
}

func TestSave_StorageFailureReportedWithoutEvent(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer mockDB.Close()

	bus := events.NewBus[events.Change](4)
	ch, cancel := bus.Subscribe()
	defer cancel()
	s := New(mockDB, Options{Prefix: "p:", Changes: bus})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT value FROM entries").WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectExec("INSERT INTO entries").WillReturnError(stderrors.New("database or disk is full"))
	mock.ExpectRollback()

	_, err = s.Save(context.Background(), document.Document{Name: "big"}, events.OriginUser)
	if !errors.Is(err, errors.ErrStorage) {
		t.Fatalf("Save error = %v, want STORAGE", err)
	}
	if got := drain(ch); len(got) != 0 {
		t.Errorf("emitted %v for a failed write", topics(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSave_CommitFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer mockDB.Close()
	s := New(mockDB, Options{Prefix: "p:"})

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT value FROM entries").WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectExec("INSERT INTO entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT value FROM entries").WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`["General"]`))
	mock.ExpectCommit().WillReturnError(sql.ErrConnDone)

	_, err = s.Save(context.Background(), document.Document{Name: "x"}, events.OriginUser)
	if !errors.Is(err, errors.ErrStorage) {
		t.Fatalf("Save error = %v, want STORAGE", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
