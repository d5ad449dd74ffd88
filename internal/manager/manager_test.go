package manager

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/scribe/internal/config"
	"github.com/hpungsan/scribe/internal/db"
	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/remote/remotetest"
)

const waitFor = 3 * time.Second

type fixture struct {
	m   *Manager
	srv *remotetest.Server
	dir string
}

func newFixture(t *testing.T, tweak ...func(*config.Config, *Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Init(dir)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.RetryBaseDelayMS = 1
	cfg.EventBuffer = 1024
	f := &fixture{srv: remotetest.New(), dir: dir}
	opts := Options{Config: cfg, BaseDir: dir, Remote: f.srv}
	for _, fn := range tweak {
		fn(cfg, &opts)
	}

	f.m, err = New(database, opts)
	require.NoError(t, err)
	f.m.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.m.Close(ctx)
		database.Close()
	})
	return f
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.HandleLogin("token-1"))
	require.Eventually(t, func() bool {
		st, err := f.m.SyncStatus(context.Background())
		return err == nil && st.LastSyncedAt != nil
	}, waitFor, 5*time.Millisecond)
}

func waitNotice(t *testing.T, ch <-chan events.Notice, name string) events.Notice {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case n := <-ch:
			if n.Name() == name {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notice", name)
			return nil
		}
	}
}

func TestManager_LocalFirstWhileLoggedOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.m.SaveDocument(ctx, document.Document{Name: "draft", Content: "x"})
	require.NoError(t, err)
	assert.True(t, document.IsTemporaryID(doc.ID))

	got, err := f.m.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", got.Content)

	require.NoError(t, f.m.DeleteDocument(ctx, doc.ID))
	_, err = f.m.GetDocument(ctx, doc.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	assert.Equal(t, 0, f.srv.Calls(remotetest.MethodCreate))
	st, err := f.m.SyncStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Authenticated)
	assert.Equal(t, 0, st.Queue.Pending)
}

func TestManager_SaveRequiresName(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.SaveDocument(context.Background(), document.Document{Content: "orphan"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestManager_RemoteFailuresNeverReachLocalCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login(t)

	transient := errors.NewRemoteTransient(503, stderrors.New("down"))
	f.srv.Fail(remotetest.MethodCreate, transient, transient)

	doc, err := f.m.SaveDocument(ctx, document.Document{Name: "resilient"})
	require.NoError(t, err, "remote trouble is not the caller's problem")

	require.Eventually(t, func() bool {
		got, err := f.m.GetDocument(ctx, doc.ID)
		return err == nil && !got.IsTemporary()
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, f.srv.Documents(), 1)
}

// Offline save, login, replication, then a replicated delete.
func TestManager_OfflineDocumentScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.m.SaveDocument(ctx, document.Document{Name: "Trip", Content: "passport"})
	require.NoError(t, err)
	require.True(t, document.IsTemporaryID(doc.ID))

	f.login(t)
	remoteDocs := f.srv.Documents()
	require.Len(t, remoteDocs, 1)
	got, err := f.m.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, remoteDocs[0].ID, got.ID, "local record carries the remote id")

	require.NoError(t, f.m.DeleteDocument(ctx, got.ID))
	require.Eventually(t, func() bool {
		return len(f.srv.Documents()) == 0
	}, waitFor, 5*time.Millisecond)
}

// An older offline edit loses to a newer remote edit.
func TestManager_NewerRemoteEditWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login(t)

	doc, err := f.m.SaveDocument(ctx, document.Document{Name: "shared", Content: "v1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := f.m.GetDocument(ctx, doc.ID)
		return err == nil && !got.IsTemporary()
	}, waitFor, 5*time.Millisecond)
	require.NoError(t, f.m.WaitIdle(ctx))
	local, _ := f.m.GetDocument(ctx, doc.ID)

	other := local
	other.Content = "from another session"
	other.UpdatedAt = local.UpdatedAt.Add(time.Hour)
	f.srv.Put(other)

	res, err := f.m.TriggerFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	got, _ := f.m.GetDocument(ctx, local.ID)
	assert.Equal(t, "from another session", got.Content)
}

func TestManager_TriggerFullSyncPropagatesErrors(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	f.srv.Fail(remotetest.MethodList, errors.NewRemoteTransient(502, stderrors.New("bad gateway")))
	_, err := f.m.TriggerFullSync(context.Background())
	assert.True(t, errors.Is(err, errors.ErrRemoteTransient))
}

func TestManager_SyncNotConfigured(t *testing.T) {
	f := newFixture(t, func(_ *config.Config, o *Options) { o.Remote = nil })

	assert.True(t, errors.Is(f.m.HandleLogin("token-1"), errors.ErrInvalidRequest))
	_, err := f.m.TriggerFullSync(context.Background())
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	st, err := f.m.SyncStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Configured)
}

func TestManager_RejectsBadRemoteURL(t *testing.T) {
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	defer database.Close()

	cfg := config.DefaultConfig()
	cfg.RemoteURL = "ftp://example.com"
	_, err = New(database, Options{Config: cfg})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestManager_GracefulLogoutClearsLocalData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notices, cancel := f.m.SubscribeNotices()
	defer cancel()

	_, err := f.m.SaveDocument(ctx, document.Document{Name: "mine"})
	require.NoError(t, err)
	f.login(t)
	require.NoError(t, f.m.WaitIdle(ctx))

	require.NoError(t, f.m.HandleLogout(false))
	waitNotice(t, notices, events.NoticeLogoutReady)

	docs, err := f.m.ListDocuments(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Len(t, f.srv.Documents(), 1, "data reached the remote before it was cleared")

	assert.True(t, errors.Is(f.m.HandleLogout(false), errors.ErrInvalidRequest), "already logged out")
}

func TestManager_AuthRejectionForcesLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notices, cancel := f.m.SubscribeNotices()
	defer cancel()
	f.login(t)

	f.srv.Fail(remotetest.MethodAddCategory, errors.NewRemoteAuth(401, "revoked"))
	require.NoError(t, f.m.AddCategory(ctx, "Work"))

	waitNotice(t, notices, events.NoticeSyncForceStopped)
	waitNotice(t, notices, events.NoticeLogoutReady)
	st, err := f.m.SyncStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Authenticated)
}

func TestManager_TokenRefreshKeepsSyncing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.login(t)

	require.NoError(t, f.m.HandleTokenRefresh("token-2"))
	_, err := f.m.SaveDocument(ctx, document.Document{Name: "after refresh"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.srv.Documents()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestManager_Categories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.m.AddCategory(ctx, "  Work   Notes "))
	_, err := f.m.SaveDocument(ctx, document.Document{Name: "memo", Category: "Work Notes"})
	require.NoError(t, err)

	require.NoError(t, f.m.RenameCategory(ctx, "Work Notes", "Office"))
	docs, err := f.m.ListDocuments(ctx, "Office")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "memo", docs[0].Name)

	// Unknown categories are a no-op, not an error.
	assert.NoError(t, f.m.RenameCategory(ctx, "Nope", "Still nope"))
	assert.NoError(t, f.m.DeleteCategory(ctx, "Nope", events.PolicyMigrate, ""))

	require.NoError(t, f.m.DeleteCategory(ctx, "Office", events.PolicyMigrate, ""))
	cats, err := f.m.Categories(ctx)
	require.NoError(t, err)
	assert.NotContains(t, cats, "Office")
	assert.Contains(t, cats, document.DefaultCategory)

	err = f.m.DeleteCategory(ctx, "General", "shred", "")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestManager_CurrentDocument(t *testing.T) {
	f := newFixture(t, func(c *config.Config, _ *Options) { c.DefaultDocumentName = "Welcome" })
	ctx := context.Background()

	starter, err := f.m.CurrentDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Welcome", starter.Name)

	doc, err := f.m.SaveDocument(ctx, document.Document{Name: "second"})
	require.NoError(t, err)
	require.NoError(t, f.m.SetCurrentDocument(ctx, doc.ID))
	cur, err := f.m.CurrentDocument(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, cur.ID)
}

func TestManager_SearchDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.m.SaveDocument(ctx, document.Document{Name: "Groceries", Content: "milk, eggs"})
	_, _ = f.m.SaveDocument(ctx, document.Document{Name: "Ideas", Content: "sync engine"})

	found, err := f.m.SearchDocuments(ctx, "EGGS")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Groceries", found[0].Name)
}

func TestManager_StalledSubscribersDoNotBlockSaves(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, _ *Options) { cfg.EventBuffer = 8 })
	ctx := context.Background()
	f.login(t)

	// Neither subscriber is ever read.
	_, cancelNotices := f.m.SubscribeNotices()
	defer cancelNotices()
	_, cancelChanges := f.m.SubscribeChanges()
	defer cancelChanges()

	const saves = 50
	done := make(chan error, 1)
	go func() {
		for i := 0; i < saves; i++ {
			if _, err := f.m.SaveDocument(ctx, document.Document{Name: fmt.Sprintf("doc %d", i)}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("SaveDocument blocked while subscribers stalled")
	}
	require.Eventually(t, func() bool { return len(f.srv.Documents()) == saves }, waitFor, 5*time.Millisecond)
}

func TestManager_SaveDuringLoginSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.SaveDocument(ctx, document.Document{Name: "offline"})
	require.NoError(t, err)

	var once sync.Once
	var during document.Document
	f.srv.BeforeCall = func(_ context.Context, method string) error {
		if method == remotetest.MethodCreate {
			once.Do(func() {
				var err error
				during, err = f.m.SaveDocument(ctx, document.Document{Name: "typed during sync"})
				assert.NoError(t, err)
			})
		}
		return nil
	}
	f.login(t)
	require.Eventually(t, func() bool { return len(f.srv.Documents()) == 2 }, waitFor, 5*time.Millisecond)
	require.NoError(t, f.m.WaitIdle(ctx))

	got, err := f.m.GetDocument(ctx, during.ID)
	require.NoError(t, err)
	assert.Equal(t, "typed during sync", got.Name)
	assert.Len(t, f.srv.Documents(), 2, "each document is created once")
}
