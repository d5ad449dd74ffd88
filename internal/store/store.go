// Package store is the network-independent Local Store: documents,
// categories and the current-document pointer under one key prefix.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/db"
	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/logging"
)

// DefaultPrefix namespaces keys when Options.Prefix is empty.
const DefaultPrefix = "scribe:"

// Options configures a Store.
type Options struct {
	Prefix   string
	Template document.Template
	// Changes receives every committed mutation. Optional.
	Changes *events.Bus[events.Change]
	Logger  *zap.Logger
	// Now is the clock for timestamps. Optional (time.Now).
	Now func() time.Time
}

// Store is safe for concurrent use; mutations are serialized.
type Store struct {
	db      *sql.DB
	prefix  string
	tmpl    document.Template
	changes *events.Bus[events.Change]
	log     *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New returns a Store over an initialized database (see db.Init).
func New(database *sql.DB, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:      database,
		prefix:  prefix,
		tmpl:    opts.Template,
		changes: opts.Changes,
		log:     logging.OrNop(opts.Logger),
		now:     now,
	}
}

// Template returns the starter-document template.
func (s *Store) Template() document.Template {
	return s.tmpl
}

func (s *Store) documentsPrefix() string { return s.prefix + "documents/" }
func (s *Store) documentKey(id string) string { return s.documentsPrefix() + id }
func (s *Store) aliasKey(id string) string    { return s.prefix + "aliases/" + id }
func (s *Store) categoriesKey() string        { return s.prefix + "categories" }
func (s *Store) currentKey() string           { return s.prefix + "current-document-id" }
func (s *Store) lastSyncedKey() string        { return s.prefix + "last-synced-at" }

// Save writes doc and returns the stored record.
// An empty ID mints a temporary one. User saves stamp UpdatedAt with the
// current time; sync saves keep the remote timestamp.
func (s *Store) Save(ctx context.Context, doc document.Document, origin events.Origin) (document.Document, error) {
	s.mu.Lock()
	var saved document.Document
	var changes []events.Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		saved, changes, err = s.saveTx(ctx, tx, doc, origin)
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return document.Document{}, err
	}
	s.emit(changes...)
	return saved, nil
}

func (s *Store) saveTx(ctx context.Context, tx *sql.Tx, doc document.Document, origin events.Origin) (document.Document, []events.Change, error) {
	now := s.now().UTC()

	if doc.ID == "" {
		id, err := document.NewTemporaryID()
		if err != nil {
			return doc, nil, errors.NewInternal(err)
		}
		doc.ID = id
	} else {
		resolved, err := s.resolveTx(ctx, tx, doc.ID)
		if err != nil {
			return doc, nil, err
		}
		doc.ID = resolved
	}

	existing, found, err := s.getTx(ctx, tx, doc.ID)
	if err != nil {
		return doc, nil, err
	}

	doc.Category = document.NormalizeCategory(doc.Category)
	switch {
	case found && !existing.CreatedAt.IsZero():
		doc.CreatedAt = existing.CreatedAt
	case doc.CreatedAt.IsZero():
		doc.CreatedAt = now
	}
	if origin == events.OriginUser || doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}

	if err := s.putDocument(ctx, tx, doc); err != nil {
		return doc, nil, err
	}

	changes := []events.Change{events.DocumentSaved{Document: doc, Origin: origin}}
	added, err := s.ensureCategoryTx(ctx, tx, doc.Category)
	if err != nil {
		return doc, nil, err
	}
	if added {
		changes = append(changes, events.CategoryAdded{Name: doc.Category, Origin: origin})
	}
	return doc, changes, nil
}

// BulkUpdate merges docs by ID in one transaction. It is used for
// remote-to-local results and imports; nothing is written if any record fails.
func (s *Store) BulkUpdate(ctx context.Context, docs []document.Document, origin events.Origin) ([]document.Document, error) {
	s.mu.Lock()
	out := make([]document.Document, 0, len(docs))
	var changes []events.Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range docs {
			saved, c, err := s.saveTx(ctx, tx, d, origin)
			if err != nil {
				return err
			}
			out = append(out, saved)
			changes = append(changes, c...)
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(changes...)
	return out, nil
}

// RemoteCopy is a remote record to apply locally. Seen is the local
// UpdatedAt when the copy was chosen; zero means there was no local record.
type RemoteCopy struct {
	Document document.Document
	Seen     time.Time
}

// ApplyRemote writes remote copies with sync origin in one transaction.
// Each record is re-read first and skipped when a local write has since
// overtaken it: a local copy newer than the remote one, or a delete of a
// record that existed when the copy was chosen. Returns the number written.
func (s *Store) ApplyRemote(ctx context.Context, copies []RemoteCopy) (int, error) {
	s.mu.Lock()
	var changes []events.Change
	applied := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range copies {
			id, err := s.resolveTx(ctx, tx, c.Document.ID)
			if err != nil {
				return err
			}
			existing, found, err := s.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if !found && !c.Seen.IsZero() {
				s.log.Debug("skipping pull of locally deleted document", zap.String("id", id))
				continue
			}
			if found && existing.UpdatedAt.After(c.Document.UpdatedAt) {
				s.log.Debug("skipping pull older than local copy", zap.String("id", id))
				continue
			}
			_, ch, err := s.saveTx(ctx, tx, c.Document, events.OriginSync)
			if err != nil {
				return err
			}
			changes = append(changes, ch...)
			applied++
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.emit(changes...)
	return applied, nil
}

// DeleteIfUnchanged deletes id with sync origin only while its UpdatedAt
// still equals seen. Reports whether it deleted.
func (s *Store) DeleteIfUnchanged(ctx context.Context, id string, seen time.Time) (bool, error) {
	s.mu.Lock()
	var changes []events.Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		resolved, err := s.resolveTx(ctx, tx, id)
		if err != nil {
			return err
		}
		existing, found, err := s.getTx(ctx, tx, resolved)
		if err != nil || !found || !existing.UpdatedAt.Equal(seen) {
			return err
		}
		changes, err = s.deleteTx(ctx, tx, resolved, events.OriginSync)
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	s.emit(changes...)
	return len(changes) > 0, nil
}

// Delete removes a document. Deleting a missing id is a no-op.
// If it was current, the pointer is cleared.
func (s *Store) Delete(ctx context.Context, id string, origin events.Origin) error {
	s.mu.Lock()
	var changes []events.Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		changes, err = s.deleteTx(ctx, tx, id, origin)
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(changes...)
	return nil
}

func (s *Store) deleteTx(ctx context.Context, tx *sql.Tx, id string, origin events.Origin) ([]events.Change, error) {
	resolved, err := s.resolveTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	_, found, err := s.getTx(ctx, tx, resolved)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if err := db.Delete(ctx, tx, s.documentKey(resolved)); err != nil {
		return nil, err
	}
	changes := []events.Change{events.DocumentDeleted{ID: resolved, Origin: origin}}

	current, err := s.currentTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if current == resolved {
		if err := db.Delete(ctx, tx, s.currentKey()); err != nil {
			return nil, err
		}
		changes = append(changes, events.CurrentDocumentChanged{ID: "", Origin: origin})
	}
	return changes, nil
}

// ReplaceID moves a temporary document to the identifier the remote assigned.
// Local fields are kept; the remote copy may be older than a pending local edit.
// Reports false if the temporary record no longer exists.
func (s *Store) ReplaceID(ctx context.Context, tempID, remoteID string) (bool, error) {
	if tempID == remoteID {
		return true, nil
	}
	s.mu.Lock()
	var changes []events.Change
	moved := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Record the alias even if the document is gone so later operations resolve.
		if err := db.Put(ctx, tx, s.aliasKey(tempID), remoteID, s.now().Unix()); err != nil {
			return err
		}
		doc, found, err := s.getTx(ctx, tx, tempID)
		if err != nil || !found {
			return err
		}
		doc.ID = remoteID
		if err := db.Delete(ctx, tx, s.documentKey(tempID)); err != nil {
			return err
		}
		if err := s.putDocument(ctx, tx, doc); err != nil {
			return err
		}
		changes = append(changes,
			events.DocumentDeleted{ID: tempID, Origin: events.OriginSync},
			events.DocumentSaved{Document: doc, Origin: events.OriginSync},
		)

		current, err := s.currentTx(ctx, tx)
		if err != nil {
			return err
		}
		if current == tempID {
			if err := db.Put(ctx, tx, s.currentKey(), remoteID, s.now().Unix()); err != nil {
				return err
			}
			changes = append(changes, events.CurrentDocumentChanged{ID: remoteID, Origin: events.OriginSync})
		}
		moved = true
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	s.emit(changes...)
	return moved, nil
}

// ResolveID follows a temporary id to its remote id once one is known.
func (s *Store) ResolveID(ctx context.Context, id string) (string, error) {
	return s.resolveTx(ctx, s.db, id)
}

func (s *Store) resolveTx(ctx context.Context, q db.DBTX, id string) (string, error) {
	if !document.IsTemporaryID(id) {
		return id, nil
	}
	remoteID, err := db.Get(ctx, q, s.aliasKey(id))
	if stderrors.Is(err, db.ErrNoEntry) {
		return id, nil
	}
	if err != nil {
		return "", err
	}
	return remoteID, nil
}

// Get returns one document. Temporary ids that have since been replaced resolve.
func (s *Store) Get(ctx context.Context, id string) (document.Document, error) {
	resolved, err := s.ResolveID(ctx, id)
	if err != nil {
		return document.Document{}, err
	}
	doc, found, err := s.getTx(ctx, s.db, resolved)
	if err != nil {
		return document.Document{}, err
	}
	if !found {
		return document.Document{}, errors.NewNotFound(id)
	}
	return doc, nil
}

// GetAll returns every document, most recently updated first.
func (s *Store) GetAll(ctx context.Context) ([]document.Document, error) {
	entries, err := db.ListPrefix(ctx, s.db, s.documentsPrefix())
	if err != nil {
		return nil, err
	}
	docs := make([]document.Document, 0, len(entries))
	for _, e := range entries {
		var d document.Document
		if err := json.Unmarshal([]byte(e.Value), &d); err != nil {
			s.log.Warn("skipping unreadable document record", zap.String("key", e.Key), zap.Error(err))
			continue
		}
		docs = append(docs, d)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

// Search returns documents whose name, content or category contains query.
func (s *Store) Search(ctx context.Context, query string) ([]document.Document, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]document.Document, 0, len(all))
	for _, d := range all {
		if d.Matches(query) {
			out = append(out, d)
		}
	}
	return out, nil
}

// CurrentDocumentID returns the current pointer, or "" if unset.
func (s *Store) CurrentDocumentID(ctx context.Context) (string, error) {
	return s.currentTx(ctx, s.db)
}

func (s *Store) currentTx(ctx context.Context, q db.DBTX) (string, error) {
	id, err := db.Get(ctx, q, s.currentKey())
	if stderrors.Is(err, db.ErrNoEntry) {
		return "", nil
	}
	return id, err
}

// SetCurrentDocument points the current pointer at an existing document.
func (s *Store) SetCurrentDocument(ctx context.Context, id string, origin events.Origin) error {
	s.mu.Lock()
	var changes []events.Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		resolved, err := s.resolveTx(ctx, tx, id)
		if err != nil {
			return err
		}
		_, found, err := s.getTx(ctx, tx, resolved)
		if err != nil {
			return err
		}
		if !found {
			return errors.NewNotFound(id)
		}
		current, err := s.currentTx(ctx, tx)
		if err != nil {
			return err
		}
		if current == resolved {
			return nil
		}
		if err := db.Put(ctx, tx, s.currentKey(), resolved, s.now().Unix()); err != nil {
			return err
		}
		changes = append(changes, events.CurrentDocumentChanged{ID: resolved, Origin: origin})
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(changes...)
	return nil
}

// EnsureCurrent keeps exactly one current document: the existing pointer if
// valid, else the most recently updated document, else a new starter document.
func (s *Store) EnsureCurrent(ctx context.Context, origin events.Origin) (document.Document, error) {
	id, err := s.CurrentDocumentID(ctx)
	if err != nil {
		return document.Document{}, err
	}
	if id != "" {
		doc, err := s.Get(ctx, id)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, errors.ErrNotFound) {
			return document.Document{}, err
		}
	}

	all, err := s.GetAll(ctx)
	if err != nil {
		return document.Document{}, err
	}
	var doc document.Document
	if len(all) > 0 {
		doc = all[0]
	} else {
		doc, err = s.Save(ctx, s.tmpl.NewDocument(), origin)
		if err != nil {
			return document.Document{}, err
		}
	}
	if err := s.SetCurrentDocument(ctx, doc.ID, origin); err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

// Clear removes every key under the prefix, including sync bookkeeping.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	n, err := db.DeletePrefix(ctx, s.db, s.prefix)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log.Info("local store cleared", zap.Int64("keys", n))
	s.emit(events.StorageCleared{Origin: events.OriginSync})
	return nil
}

// LastSyncedAt returns when the last full sync completed (zero if never).
func (s *Store) LastSyncedAt(ctx context.Context) (time.Time, error) {
	raw, err := db.Get(ctx, s.db, s.lastSyncedKey())
	if stderrors.Is(err, db.ErrNoEntry) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.log.Warn("ignoring unreadable last-synced-at", zap.String("value", raw))
		return time.Time{}, nil
	}
	return t, nil
}

// MarkSynced records the completion time of a full sync.
func (s *Store) MarkSynced(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return db.Put(ctx, s.db, s.lastSyncedKey(), t.UTC().Format(time.RFC3339Nano), t.Unix())
}

func (s *Store) getTx(ctx context.Context, q db.DBTX, id string) (document.Document, bool, error) {
	raw, err := db.Get(ctx, q, s.documentKey(id))
	if stderrors.Is(err, db.ErrNoEntry) {
		return document.Document{}, false, nil
	}
	if err != nil {
		return document.Document{}, false, err
	}
	var d document.Document
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return document.Document{}, false, errors.NewStorage("decode document", err)
	}
	return d, true, nil
}

func (s *Store) putDocument(ctx context.Context, q db.DBTX, doc document.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.NewStorage("encode document", err)
	}
	return db.Put(ctx, q, s.documentKey(doc.ID), string(data), doc.UpdatedAt.Unix())
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorage("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.NewStorage("commit", err)
	}
	return nil
}

// emit publishes after commit and after the store lock is released.
func (s *Store) emit(changes ...events.Change) {
	if s.changes == nil {
		return
	}
	for _, c := range changes {
		s.changes.Publish(c)
	}
}
