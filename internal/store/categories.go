package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"sort"

	"github.com/hpungsan/scribe/internal/db"
	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
)

// Categories returns the explicit category list plus any category referenced
// by a document, sorted.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	explicit, err := s.categoriesTx(ctx, s.db)
	if err != nil {
		return nil, err
	}
	docs, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(explicit))
	out := make([]string, 0, len(explicit))
	for _, c := range explicit {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, d := range docs {
		if !seen[d.Category] {
			seen[d.Category] = true
			out = append(out, d.Category)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AddCategory adds name to the explicit list. Adding an existing category is a no-op.
func (s *Store) AddCategory(ctx context.Context, name string, origin events.Origin) error {
	name = document.NormalizeCategory(name)

	s.mu.Lock()
	added := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		added, err = s.ensureCategoryTx(ctx, tx, name)
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if added {
		s.emit(events.CategoryAdded{Name: name, Origin: origin})
	}
	return nil
}

// RenameCategory renames from to to and moves every document in from.
// User renames stamp the moved documents so they win the next reconciliation.
func (s *Store) RenameCategory(ctx context.Context, from, to string, origin events.Origin) error {
	from = document.NormalizeCategory(from)
	to = document.NormalizeCategory(to)
	if from == to {
		return nil
	}

	s.mu.Lock()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := s.categoryExistsTx(ctx, tx, from)
		if err != nil {
			return err
		}
		if !exists {
			return errors.NewValidation("category does not exist: "+from, map[string]any{"category": from})
		}
		if err := s.retagDocumentsTx(ctx, tx, from, to, origin); err != nil {
			return err
		}
		return s.editCategoriesTx(ctx, tx, func(list []string) []string {
			return appendUnique(removeString(list, from), to)
		})
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(events.CategoryRenamed{From: from, To: to, Origin: origin})
	return nil
}

// DeleteCategory removes name. PolicyMigrate moves its documents to target
// (the default category when empty); PolicyDeleteDocuments deletes them.
func (s *Store) DeleteCategory(ctx context.Context, name string, policy events.DeletePolicy, target string, origin events.Origin) error {
	name = document.NormalizeCategory(name)
	switch policy {
	case events.PolicyMigrate:
		target = document.NormalizeCategory(target)
		if target == name {
			return errors.NewInvalidRequest("cannot migrate documents into the category being deleted")
		}
	case events.PolicyDeleteDocuments:
		target = ""
	default:
		return errors.NewInvalidRequest("policy must be one of: migrate, delete-documents")
	}

	s.mu.Lock()
	var changes []events.Change
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := s.categoryExistsTx(ctx, tx, name)
		if err != nil {
			return err
		}
		if !exists {
			return errors.NewValidation("category does not exist: "+name, map[string]any{"category": name})
		}

		if policy == events.PolicyMigrate {
			if err := s.retagDocumentsTx(ctx, tx, name, target, origin); err != nil {
				return err
			}
			if _, err := s.ensureCategoryTx(ctx, tx, target); err != nil {
				return err
			}
		} else {
			docs, err := s.documentsInTx(ctx, tx, name)
			if err != nil {
				return err
			}
			for _, d := range docs {
				c, err := s.deleteTx(ctx, tx, d.ID, origin)
				if err != nil {
					return err
				}
				// Remote cascades the document deletes itself; only the pointer change is local news.
				for _, ch := range c {
					if _, ok := ch.(events.CurrentDocumentChanged); ok {
						changes = append(changes, ch)
					}
				}
			}
		}
		return s.editCategoriesTx(ctx, tx, func(list []string) []string {
			return removeString(list, name)
		})
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(append([]events.Change{events.CategoryDeleted{Name: name, Policy: policy, Target: target, Origin: origin}}, changes...)...)
	return nil
}

func (s *Store) categoriesTx(ctx context.Context, q db.DBTX) ([]string, error) {
	raw, err := db.Get(ctx, q, s.categoriesKey())
	if stderrors.Is(err, db.ErrNoEntry) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, errors.NewStorage("decode categories", err)
	}
	return list, nil
}

func (s *Store) editCategoriesTx(ctx context.Context, tx *sql.Tx, edit func([]string) []string) error {
	list, err := s.categoriesTx(ctx, tx)
	if err != nil {
		return err
	}
	list = edit(list)
	sort.Strings(list)
	data, err := json.Marshal(list)
	if err != nil {
		return errors.NewStorage("encode categories", err)
	}
	return db.Put(ctx, tx, s.categoriesKey(), string(data), s.now().Unix())
}

// ensureCategoryTx adds name to the explicit list and reports whether it was new.
func (s *Store) ensureCategoryTx(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	list, err := s.categoriesTx(ctx, tx)
	if err != nil {
		return false, err
	}
	for _, c := range list {
		if c == name {
			return false, nil
		}
	}
	if err := s.editCategoriesTx(ctx, tx, func(l []string) []string { return append(l, name) }); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) categoryExistsTx(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	list, err := s.categoriesTx(ctx, tx)
	if err != nil {
		return false, err
	}
	for _, c := range list {
		if c == name {
			return true, nil
		}
	}
	docs, err := s.documentsInTx(ctx, tx, name)
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

func (s *Store) documentsInTx(ctx context.Context, tx *sql.Tx, category string) ([]document.Document, error) {
	entries, err := db.ListPrefix(ctx, tx, s.documentsPrefix())
	if err != nil {
		return nil, err
	}
	var out []document.Document
	for _, e := range entries {
		var d document.Document
		if err := json.Unmarshal([]byte(e.Value), &d); err != nil {
			continue
		}
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) retagDocumentsTx(ctx context.Context, tx *sql.Tx, from, to string, origin events.Origin) error {
	docs, err := s.documentsInTx(ctx, tx, from)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, d := range docs {
		d.Category = to
		if origin == events.OriginUser {
			d.UpdatedAt = now
		}
		if err := s.putDocument(ctx, tx, d); err != nil {
			return err
		}
	}
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
