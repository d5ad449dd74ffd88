package events

import "github.com/hpungsan/scribe/internal/document"

// Origin tells listeners who caused a change. Sync-origin changes come from
// reconciliation writing remote data locally and must never be queued back.
type Origin int

const (
	OriginUser Origin = iota
	OriginSync
)

func (o Origin) String() string {
	if o == OriginSync {
		return "sync"
	}
	return "user"
}

// Change topics.
const (
	TopicDocumentSaved          = "document:saved"
	TopicDocumentDeleted        = "document:deleted"
	TopicCurrentDocumentChanged = "current-document:changed"
	TopicCategoryAdded          = "category:added"
	TopicCategoryDeleted        = "category:deleted"
	TopicCategoryRenamed        = "category:renamed"
	TopicStorageCleared         = "storage:cleared"
)

// DeletePolicy selects what happens to documents in a deleted category.
type DeletePolicy string

const (
	// PolicyMigrate moves documents into the target category.
	PolicyMigrate DeletePolicy = "migrate"
	// PolicyDeleteDocuments deletes the documents along with the category.
	PolicyDeleteDocuments DeletePolicy = "delete-documents"
)

// Change is a committed Local Store mutation.
type Change interface {
	Topic() string
	Source() Origin
	isChange()
}

type DocumentSaved struct {
	Document document.Document
	Origin   Origin
}

type DocumentDeleted struct {
	ID     string
	Origin Origin
}

// CurrentDocumentChanged carries an empty ID when the pointer was cleared.
type CurrentDocumentChanged struct {
	ID     string
	Origin Origin
}

type CategoryAdded struct {
	Name   string
	Origin Origin
}

type CategoryDeleted struct {
	Name   string
	Policy DeletePolicy
	Target string
	Origin Origin
}

type CategoryRenamed struct {
	From   string
	To     string
	Origin Origin
}

type StorageCleared struct {
	Origin Origin
}

func (DocumentSaved) Topic() string          { return TopicDocumentSaved }
func (DocumentDeleted) Topic() string        { return TopicDocumentDeleted }
func (CurrentDocumentChanged) Topic() string { return TopicCurrentDocumentChanged }
func (CategoryAdded) Topic() string          { return TopicCategoryAdded }
func (CategoryDeleted) Topic() string        { return TopicCategoryDeleted }
func (CategoryRenamed) Topic() string        { return TopicCategoryRenamed }
func (StorageCleared) Topic() string         { return TopicStorageCleared }

func (c DocumentSaved) Source() Origin          { return c.Origin }
func (c DocumentDeleted) Source() Origin        { return c.Origin }
func (c CurrentDocumentChanged) Source() Origin { return c.Origin }
func (c CategoryAdded) Source() Origin          { return c.Origin }
func (c CategoryDeleted) Source() Origin        { return c.Origin }
func (c CategoryRenamed) Source() Origin        { return c.Origin }
func (c StorageCleared) Source() Origin         { return c.Origin }

func (DocumentSaved) isChange()          {}
func (DocumentDeleted) isChange()        {}
func (CurrentDocumentChanged) isChange() {}
func (CategoryAdded) isChange()          {}
func (CategoryDeleted) isChange()        {}
func (CategoryRenamed) isChange()        {}
func (StorageCleared) isChange()         {}
