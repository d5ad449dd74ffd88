package document

import (
	"crypto/rand"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TempIDPrefix marks identifiers minted locally that the remote has never seen.
// Remote identifiers never carry it.
const TempIDPrefix = "local_"

// DefaultCategory is used when a document has no category.
const DefaultCategory = "General"

// Document is one user document. Timestamps decide last-writer-wins reconciliation.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTemporary reports whether the document has never been created remotely.
func (d Document) IsTemporary() bool {
	return IsTemporaryID(d.ID)
}

// IsTemporaryID reports whether id was minted locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewTemporaryID mints a sortable local identifier.
func NewTemporaryID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return TempIDPrefix + id.String(), nil
}

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeCategory trims and collapses whitespace. Case is preserved;
// categories are displayed as the user typed them. Empty maps to DefaultCategory.
func NormalizeCategory(s string) string {
	s = whitespaceRegex.ReplaceAllString(strings.TrimSpace(s), " ")
	if s == "" {
		return DefaultCategory
	}
	return s
}

// Matches reports whether query appears in the name, content or category (case-insensitive).
// An empty query matches everything.
func (d Document) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(d.Name), q) ||
		strings.Contains(strings.ToLower(d.Content), q) ||
		strings.Contains(strings.ToLower(d.Category), q)
}

// Template describes the starter document created for an empty store.
type Template struct {
	Name    string
	Content string
}

// Matches reports whether d is an untouched copy of the template.
// Only temporary documents qualify; once a document is remote it is real data.
func (t Template) Matches(d Document) bool {
	if !d.IsTemporary() {
		return false
	}
	return strings.TrimSpace(d.Name) == strings.TrimSpace(t.Name) &&
		strings.TrimSpace(d.Content) == strings.TrimSpace(t.Content)
}

// NewDocument returns the template as a fresh document in the default category.
func (t Template) NewDocument() Document {
	return Document{
		Name:     t.Name,
		Content:  t.Content,
		Category: DefaultCategory,
	}
}
