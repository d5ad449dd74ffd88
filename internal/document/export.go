package document

import "time"

// ExportHeader is the first line of a JSONL export file.
type ExportHeader struct {
	ScribeExport  bool   `json:"_scribe_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
}

// ExportRecord is the on-disk shape of a document in json/jsonl/yaml exports.
// Timestamps are Unix seconds so files stay readable by other tools.
type ExportRecord struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Content   string `json:"content" yaml:"content"`
	Category  string `json:"category" yaml:"category"`
	CreatedAt int64  `json:"created_at" yaml:"created_at"`
	UpdatedAt int64  `json:"updated_at" yaml:"updated_at"`
}

// ToExportRecord converts a Document to its export shape.
func ToExportRecord(d Document) ExportRecord {
	return ExportRecord{
		ID:        d.ID,
		Name:      d.Name,
		Content:   d.Content,
		Category:  d.Category,
		CreatedAt: d.CreatedAt.Unix(),
		UpdatedAt: d.UpdatedAt.Unix(),
	}
}

// ToDocument converts an export record back to a Document.
// Zero timestamps are left zero; the store fills them on save.
func (r ExportRecord) ToDocument() Document {
	d := Document{
		ID:       r.ID,
		Name:     r.Name,
		Content:  r.Content,
		Category: r.Category,
	}
	if r.CreatedAt > 0 {
		d.CreatedAt = time.Unix(r.CreatedAt, 0).UTC()
	}
	if r.UpdatedAt > 0 {
		d.UpdatedAt = time.Unix(r.UpdatedAt, 0).UTC()
	}
	return d
}
