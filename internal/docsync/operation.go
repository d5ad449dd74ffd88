// Package docsync reconciles the local store with the remote document
// service: an ordered operation queue with retry and backoff, plus a
// last-writer-wins full sync.
package docsync

import (
	"time"

	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/events"
)

// Operation kinds.
const (
	KindCreateDocument     = "create-document"
	KindUpdateDocument     = "update-document"
	KindDeleteDocument     = "delete-document"
	KindAddCategory        = "add-category"
	KindRenameCategory     = "rename-category"
	KindDeleteCategory     = "delete-category"
	KindSetCurrentDocument = "set-current-document"
)

// Payload is one queued remote mutation.
type Payload interface {
	Kind() string
	isPayload()
}

// CreateDocument creates a document that only exists locally. The document
// ID is the temporary id; it doubles as the idempotency key.
type CreateDocument struct {
	Document document.Document
}

// UpdateDocument pushes the latest local copy of Document.ID.
type UpdateDocument struct {
	Document document.Document
}

type DeleteDocument struct {
	ID string
}

type AddCategory struct {
	Name string
}

type RenameCategory struct {
	From string
	To   string
}

type DeleteCategory struct {
	Name   string
	Policy events.DeletePolicy
	Target string
}

type SetCurrentDocument struct {
	ID string
}

func (CreateDocument) Kind() string     { return KindCreateDocument }
func (UpdateDocument) Kind() string     { return KindUpdateDocument }
func (DeleteDocument) Kind() string     { return KindDeleteDocument }
func (AddCategory) Kind() string        { return KindAddCategory }
func (RenameCategory) Kind() string     { return KindRenameCategory }
func (DeleteCategory) Kind() string     { return KindDeleteCategory }
func (SetCurrentDocument) Kind() string { return KindSetCurrentDocument }

func (CreateDocument) isPayload()     {}
func (UpdateDocument) isPayload()     {}
func (DeleteDocument) isPayload()     {}
func (AddCategory) isPayload()        {}
func (RenameCategory) isPayload()     {}
func (DeleteCategory) isPayload()     {}
func (SetCurrentDocument) isPayload() {}

// Operation is a queue entry.
type Operation struct {
	ID         string
	Payload    Payload
	RetryCount int
	EnqueuedAt time.Time
}

// FromChange translates a user-originated store change into the payload
// that replicates it remotely. Sync-originated changes, storage clears and
// anything else that has no remote counterpart yield false.
func FromChange(c events.Change) (Payload, bool) {
	if c.Source() != events.OriginUser {
		return nil, false
	}
	switch ch := c.(type) {
	case events.DocumentSaved:
		if document.IsTemporaryID(ch.Document.ID) {
			return CreateDocument{Document: ch.Document}, true
		}
		return UpdateDocument{Document: ch.Document}, true
	case events.DocumentDeleted:
		return DeleteDocument{ID: ch.ID}, true
	case events.CurrentDocumentChanged:
		if ch.ID == "" {
			return nil, false
		}
		return SetCurrentDocument{ID: ch.ID}, true
	case events.CategoryAdded:
		return AddCategory{Name: ch.Name}, true
	case events.CategoryRenamed:
		return RenameCategory{From: ch.From, To: ch.To}, true
	case events.CategoryDeleted:
		return DeleteCategory{Name: ch.Name, Policy: ch.Policy, Target: ch.Target}, true
	default:
		return nil, false
	}
}
