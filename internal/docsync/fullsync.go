package docsync

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/remote"
	"github.com/hpungsan/scribe/internal/store"
)

// SyncResult summarizes one full sync.
type SyncResult struct {
	Created       int `json:"created"`
	Pushed        int `json:"pushed"`
	Pulled        int `json:"pulled"`
	DeletedLocal  int `json:"deleted_local"`
	CategoriesIn  int `json:"categories_in"`
	CategoriesOut int `json:"categories_out"`
}

// FullSync reconciles every local and remote document in one pass.
//
//   - Temporary documents are created remotely unless they still match the
//     starter template.
//   - Documents on both sides resolve last-writer-wins on UpdatedAt. Equal
//     timestamps keep the remote copy.
//   - Remote-only documents are pulled.
//   - Local documents whose remote copy is gone are re-created if edited
//     since the last completed full sync, otherwise removed locally.
//   - Categories are unioned and the current-document pointer is pushed.
//
// An authentication failure aborts the pass and empties the queue. Other
// per-document failures are collected and returned together after the pass.
// Pulled records are written with sync origin and are never queued back.
//
// Local edits keep landing while the pass runs. Pulls and local deletes are
// conditional on the record still matching what the pass read, and queued
// operations wait for the pass to finish.
func (q *Queue) FullSync(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	if !q.auth.IsAuthenticated() {
		return res, errors.NewRemoteAuth(401, "not authenticated")
	}
	q.wire.Lock()
	defer q.wire.Unlock()

	gen := q.currentGeneration()
	log := q.log.With(zap.String("sync", "full"))
	log.Info("full sync started")

	remoteDocs, err := q.api.ListDocuments(ctx)
	if err != nil {
		return res, q.fullSyncAbort(err)
	}
	remoteCats, err := q.api.ListCategories(ctx)
	if err != nil {
		return res, q.fullSyncAbort(err)
	}
	localDocs, err := q.store.GetAll(ctx)
	if err != nil {
		return res, err
	}
	lastSynced, err := q.store.LastSyncedAt(ctx)
	if err != nil {
		return res, err
	}
	tmpl := q.store.Template()

	remoteByID := make(map[string]document.Document, len(remoteDocs))
	for _, d := range remoteDocs {
		remoteByID[d.ID] = d
	}
	seen := make(map[string]bool, len(remoteDocs))
	var pulls []store.RemoteCopy
	var errs []error

	// create sends local to the remote and moves it to the assigned id.
	create := func(local document.Document) error {
		created, err := q.api.CreateDocument(ctx, local, local.ID)
		if err != nil {
			return err
		}
		seen[created.ID] = true
		if !q.valid(gen) {
			return errors.NewCancelled("full sync")
		}
		_, err = q.store.ReplaceID(ctx, local.ID, created.ID)
		return err
	}

	for _, local := range localDocs {
		var opErr error
		r, onRemote := remoteByID[local.ID]
		switch {
		case document.IsTemporaryID(local.ID):
			if tmpl.Matches(local) {
				continue
			}
			if opErr = create(local); opErr == nil {
				res.Created++
			}
		case !onRemote:
			if local.UpdatedAt.After(lastSynced) {
				if opErr = create(local); opErr == nil {
					res.Created++
				}
				break
			}
			if !q.valid(gen) {
				return res, errors.NewCancelled("full sync")
			}
			var deleted bool
			if deleted, opErr = q.store.DeleteIfUnchanged(ctx, local.ID, local.UpdatedAt); deleted {
				res.DeletedLocal++
			}
		default:
			seen[local.ID] = true
			switch {
			case local.UpdatedAt.After(r.UpdatedAt):
				if _, opErr = q.api.UpdateDocument(ctx, local); opErr == nil {
					res.Pushed++
				}
			case !sameContent(local, r):
				pulls = append(pulls, store.RemoteCopy{Document: r, Seen: local.UpdatedAt})
			}
		}
		if opErr == nil {
			continue
		}
		if remote.Classify(opErr) == remote.KindAuth {
			return res, q.fullSyncAbort(opErr)
		}
		if errors.Is(opErr, errors.ErrCancelled) {
			return res, opErr
		}
		log.Warn("document failed to sync", zap.String("id", local.ID), zap.Error(opErr))
		errs = append(errs, fmt.Errorf("document %s: %w", local.ID, opErr))
	}

	for _, r := range remoteDocs {
		if !seen[r.ID] {
			pulls = append(pulls, store.RemoteCopy{Document: r})
		}
	}
	if len(pulls) > 0 {
		if !q.valid(gen) {
			return res, errors.NewCancelled("full sync")
		}
		n, err := q.store.ApplyRemote(ctx, pulls)
		if err != nil {
			return res, err
		}
		res.Pulled = n
	}

	if err := q.syncCategories(ctx, gen, remoteCats, &res); err != nil {
		if remote.Classify(err) == remote.KindAuth {
			return res, q.fullSyncAbort(err)
		}
		if errors.Is(err, errors.ErrCancelled) {
			return res, err
		}
		errs = append(errs, err)
	}

	current, err := q.store.CurrentDocumentID(ctx)
	if err != nil {
		return res, err
	}
	if current != "" && !document.IsTemporaryID(current) {
		if err := q.api.SetCurrentDocumentID(ctx, current); err != nil {
			if remote.Classify(err) == remote.KindAuth {
				return res, q.fullSyncAbort(err)
			}
			errs = append(errs, fmt.Errorf("current document: %w", err))
		}
	}

	if len(errs) > 0 {
		log.Warn("full sync finished with errors", zap.Int("failed", len(errs)))
		return res, stderrors.Join(errs...)
	}
	if !q.valid(gen) {
		return res, errors.NewCancelled("full sync")
	}
	if err := q.store.MarkSynced(ctx, q.now()); err != nil {
		return res, err
	}
	log.Info("full sync finished",
		zap.Int("created", res.Created),
		zap.Int("pushed", res.Pushed),
		zap.Int("pulled", res.Pulled),
		zap.Int("deleted_local", res.DeletedLocal),
	)
	return res, nil
}

func (q *Queue) syncCategories(ctx context.Context, gen uint64, remoteCats []string, res *SyncResult) error {
	localCats, err := q.store.Categories(ctx)
	if err != nil {
		return err
	}
	local := make(map[string]bool, len(localCats))
	for _, c := range localCats {
		local[c] = true
	}
	onRemote := make(map[string]bool, len(remoteCats))
	for _, c := range remoteCats {
		onRemote[c] = true
		if local[c] {
			continue
		}
		if !q.valid(gen) {
			return errors.NewCancelled("full sync")
		}
		if err := q.store.AddCategory(ctx, c, events.OriginSync); err != nil {
			return err
		}
		res.CategoriesIn++
	}
	var errs []error
	for _, c := range localCats {
		if onRemote[c] {
			continue
		}
		if err := q.api.AddCategory(ctx, c); err != nil {
			if remote.Classify(err) == remote.KindAuth {
				return err
			}
			errs = append(errs, fmt.Errorf("category %s: %w", c, err))
			continue
		}
		res.CategoriesOut++
	}
	return stderrors.Join(errs...)
}

// fullSyncAbort handles a failure that ends the pass early.
func (q *Queue) fullSyncAbort(err error) error {
	if remote.Classify(err) == remote.KindAuth {
		q.log.Warn("authentication rejected during full sync", zap.Error(err))
		q.abortAuth(0)
	}
	return err
}

func sameContent(a, b document.Document) bool {
	return a.Name == b.Name && a.Content == b.Content && a.Category == b.Category &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}
