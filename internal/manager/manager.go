// Package manager is the single entry point for document and category
// operations. Every mutation is written to the local store first; replication
// to the remote service happens in the background while a session is
// authenticated.
package manager

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/auth"
	"github.com/hpungsan/scribe/internal/bridge"
	"github.com/hpungsan/scribe/internal/config"
	"github.com/hpungsan/scribe/internal/docsync"
	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/logging"
	"github.com/hpungsan/scribe/internal/remote"
	"github.com/hpungsan/scribe/internal/store"
)

// Options configures a Manager. Only Config is required.
type Options struct {
	Config *config.Config
	// BaseDir holds the database and the default exports directory (~/.scribe).
	BaseDir string
	// Remote overrides the HTTP client built from Config.RemoteURL.
	Remote remote.API
	// Session is created when nil.
	Session *auth.Session
	// Credentials, when set, is watched by Start and mirrored into the session.
	Credentials *auth.CredentialsFile
	Scheduler   docsync.Scheduler
	Now         func() time.Time
	Logger      *zap.Logger
}

// SyncStatus is a point-in-time view of replication.
type SyncStatus struct {
	Configured    bool               `json:"configured"`
	Authenticated bool               `json:"authenticated"`
	LoggingOut    bool               `json:"logging_out"`
	Queue         events.QueueStatus `json:"queue"`
	LastSyncedAt  *time.Time         `json:"last_synced_at,omitempty"`
}

// Manager composes the local store, sync queue and event bridge.
type Manager struct {
	cfg     *config.Config
	store   *store.Store
	session *auth.Session
	api     remote.API
	queue   *docsync.Queue
	bridge  *bridge.Bridge
	changes *events.Bus[events.Change]
	notices *events.NoticeBus
	paths   pathPolicy
	creds   *auth.CredentialsFile
	log     *zap.Logger
	now     func() time.Time

	ownSession bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New wires a Manager over an initialized database (see db.Init).
func New(database *sql.DB, opts Options) (*Manager, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := logging.OrNop(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		cfg:     cfg,
		session: opts.Session,
		api:     opts.Remote,
		changes: events.NewBus[events.Change](cfg.EventBuffer),
		notices: events.NewNoticeBus(cfg.EventBuffer, events.NewErrorLimiter(cfg.ErrorRateLimit(), now)),
		creds:   opts.Credentials,
		log:     log,
		now:     now,
	}
	if m.session == nil {
		m.session = auth.NewSession(now)
		m.ownSession = true
	}
	if m.api == nil && cfg.RemoteURL != "" {
		u, err := url.Parse(cfg.RemoteURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("remote_url must be an http(s) URL, got %q", cfg.RemoteURL))
		}
		m.api = remote.NewHTTPClient(cfg.RemoteURL, m.session,
			&http.Client{Timeout: cfg.RequestTimeout()}, log.Named("remote"))
	}
	if opts.BaseDir != "" {
		m.paths.exportsDir = filepath.Join(opts.BaseDir, "exports")
	}
	m.paths.allowed = cfg.AllowedPaths
	m.paths.allowUnsafe = cfg.AllowUnsafePaths

	m.store = store.New(database, store.Options{
		Prefix: cfg.KeyPrefix,
		Template: document.Template{
			Name:    cfg.DefaultDocumentName,
			Content: cfg.DefaultDocumentContent,
		},
		Changes: m.changes,
		Logger:  log.Named("store"),
		Now:     now,
	})
	m.queue = docsync.NewQueue(m.api, m.store, m.session, docsync.Options{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.RetryBaseDelay(),
		Scheduler:     opts.Scheduler,
		Notices:       m.notices,
		Logger:        log.Named("queue"),
		Now:           now,
		OnAuthFailure: func() { m.session.Logout(true) },
	})
	m.bridge = bridge.New(m.changes, m.session, m.queue, m.store, m.notices, log)
	return m, nil
}

// Start runs background work: the event bridge, the remote change feed
// (when notify_url is set) and the credentials watcher (when configured).
// It returns immediately; Close stops everything.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.goRun("bridge", func() error { return m.bridge.Run(ctx) })
	if m.api != nil && m.cfg.NotifyURL != "" {
		n := &remote.Notifier{
			URL:    m.cfg.NotifyURL,
			Tokens: m.session,
			OnChange: func(msg remote.ChangeMessage) {
				m.log.Debug("remote change", zap.String("document_id", msg.DocumentID))
				m.bridge.RequestFullSync()
			},
			Logger: m.log.Named("notifier"),
		}
		m.goRun("notifier", func() error { return n.Run(ctx) })
	}
	if m.creds != nil {
		w := auth.NewWatcher(*m.creds, m.session, m.log.Named("credentials"))
		m.goRun("credentials", func() error { return w.Run(ctx) })
	}
}

func (m *Manager) goRun(name string, run func() error) {
	m.running.Add(1)
	go func() {
		defer m.running.Done()
		if err := run(); err != nil {
			m.log.Error("background task stopped", zap.String("task", name), zap.Error(err))
		}
	}()
}

// Close waits, bounded by ctx, for queued operations to reach the remote,
// then stops background work. Whatever has not drained stays in the local
// store and is reconciled by the next full sync.
func (m *Manager) Close(ctx context.Context) error {
	if m.session.IsAuthenticated() && m.api != nil {
		m.queue.Kick()
		if err := m.queue.WaitDrained(ctx); err != nil {
			m.log.Warn("closing with undrained operations", zap.Int("pending", m.queue.Status().Pending))
		}
	}

	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.running.Wait()

	m.bridge.Close()
	m.queue.Close()
	if m.ownSession {
		m.session.Close()
	}
	return nil
}

// Store exposes the local store for read-only callers such as the web UI.
func (m *Manager) Store() *store.Store {
	return m.store
}

// SubscribeNotices returns sync lifecycle notices. Call the returned func to stop.
// A subscriber that stops reading misses notices once its buffer is full.
func (m *Manager) SubscribeNotices() (<-chan events.Notice, func()) {
	return m.notices.Subscribe()
}

// SubscribeChanges returns committed local store changes. A subscriber
// that stops reading misses changes once its buffer is full; saves never wait on it.
func (m *Manager) SubscribeChanges() (<-chan events.Change, func()) {
	return m.changes.SubscribeWith(events.Lossy)
}

// SaveDocument writes doc locally. An empty ID creates a new document.
func (m *Manager) SaveDocument(ctx context.Context, doc document.Document) (document.Document, error) {
	if doc.Name == "" {
		return document.Document{}, errors.NewInvalidRequest("name is required")
	}
	return m.store.Save(ctx, doc, events.OriginUser)
}

// GetDocument returns a document by its current or former temporary id.
func (m *Manager) GetDocument(ctx context.Context, id string) (document.Document, error) {
	return m.store.Get(ctx, id)
}

// ListDocuments returns documents newest first, optionally limited to one category.
func (m *Manager) ListDocuments(ctx context.Context, category string) ([]document.Document, error) {
	all, err := m.store.GetAll(ctx)
	if err != nil || category == "" {
		return all, err
	}
	category = document.NormalizeCategory(category)
	out := make([]document.Document, 0, len(all))
	for _, d := range all {
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out, nil
}

// SearchDocuments matches query against name, content and category.
func (m *Manager) SearchDocuments(ctx context.Context, query string) ([]document.Document, error) {
	return m.store.Search(ctx, query)
}

// DeleteDocument removes a document locally.
func (m *Manager) DeleteDocument(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id, events.OriginUser)
}

// SetCurrentDocument moves the current-document pointer.
func (m *Manager) SetCurrentDocument(ctx context.Context, id string) error {
	return m.store.SetCurrentDocument(ctx, id, events.OriginUser)
}

// CurrentDocument returns the current document, creating the starter
// document when the store is empty.
func (m *Manager) CurrentDocument(ctx context.Context) (document.Document, error) {
	return m.store.EnsureCurrent(ctx, events.OriginUser)
}

// Categories lists every known category.
func (m *Manager) Categories(ctx context.Context) ([]string, error) {
	return m.store.Categories(ctx)
}

// AddCategory adds a category. Existing names are a no-op.
func (m *Manager) AddCategory(ctx context.Context, name string) error {
	return m.store.AddCategory(ctx, name, events.OriginUser)
}

// RenameCategory renames a category and moves its documents.
// Renaming a category that does not exist is a no-op.
func (m *Manager) RenameCategory(ctx context.Context, from, to string) error {
	return m.ignoreValidation(m.store.RenameCategory(ctx, from, to, events.OriginUser), "rename category")
}

// DeleteCategory removes a category, migrating or deleting its documents per policy.
// Deleting a category that does not exist is a no-op.
func (m *Manager) DeleteCategory(ctx context.Context, name string, policy events.DeletePolicy, target string) error {
	return m.ignoreValidation(m.store.DeleteCategory(ctx, name, policy, target, events.OriginUser), "delete category")
}

func (m *Manager) ignoreValidation(err error, op string) error {
	if errors.Is(err, errors.ErrValidation) {
		m.log.Info("ignored", zap.String("op", op), zap.Error(err))
		return nil
	}
	return err
}

// HandleLogin installs token and starts reconciliation.
func (m *Manager) HandleLogin(token string) error {
	if m.api == nil {
		return errNotConfigured()
	}
	return m.session.Login(token)
}

// HandleLogout ends the session. Without force, pending operations drain
// first and LogoutReady follows; local data is cleared either way.
func (m *Manager) HandleLogout(force bool) error {
	if !m.session.IsAuthenticated() && !m.session.Ending() {
		return errors.NewInvalidRequest("not logged in")
	}
	m.session.Logout(force)
	return nil
}

// HandleTokenRefresh swaps the token; queued work continues with it.
func (m *Manager) HandleTokenRefresh(token string) error {
	return m.session.Refresh(token)
}

// TriggerFullSync reconciles everything now and, unlike the local
// operations, returns remote failures to the caller.
func (m *Manager) TriggerFullSync(ctx context.Context) (docsync.SyncResult, error) {
	if m.api == nil {
		return docsync.SyncResult{}, errNotConfigured()
	}
	res, err := m.queue.FullSync(ctx)
	m.queue.Kick()
	return res, err
}

// WaitIdle blocks until the queue has nothing in flight or queued.
// Operations waiting on a retry timer do not count.
func (m *Manager) WaitIdle(ctx context.Context) error {
	return m.queue.WaitIdle(ctx)
}

// SyncStatus reports queue and session state.
func (m *Manager) SyncStatus(ctx context.Context) (SyncStatus, error) {
	st := SyncStatus{
		Configured:    m.api != nil,
		Authenticated: m.session.IsAuthenticated(),
		LoggingOut:    m.session.Ending(),
		Queue:         m.queue.Status(),
	}
	last, err := m.store.LastSyncedAt(ctx)
	if err != nil {
		return st, err
	}
	if !last.IsZero() {
		st.LastSyncedAt = &last
	}
	return st, nil
}

func errNotConfigured() error {
	return errors.NewInvalidRequest("sync is not configured: set remote_url")
}
