package manager

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON     Format = "json"
	FormatJSONL    Format = "jsonl"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatYAML     Format = "yaml"
)

// SchemaVersion is written into json, jsonl and yaml exports.
const SchemaVersion = "1.0"

// maxImportLine bounds one JSONL line (documents can be large).
const maxImportLine = 8 << 20

var formatExtensions = map[Format]string{
	FormatJSON:     ".json",
	FormatJSONL:    ".jsonl",
	FormatMarkdown: ".md",
	FormatHTML:     ".html",
	FormatYAML:     ".yaml",
}

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "md" {
		f = FormatMarkdown
	}
	if f == "yml" {
		f = FormatYAML
	}
	if _, ok := formatExtensions[f]; !ok {
		return "", errors.NewInvalidRequest("format must be one of: json, jsonl, markdown, html, yaml")
	}
	return f, nil
}

// ImportResult reports one document of a batch import.
type ImportResult struct {
	Index   int    `json:"index"`
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ImportOutput summarizes a file import.
type ImportOutput struct {
	Imported int            `json:"imported"`
	Failed   int            `json:"failed"`
	Results  []ImportResult `json:"results"`
	Errors   []ImportError  `json:"errors,omitempty"`
}

// ImportError is a line of an import file that could not be read.
type ImportError struct {
	Line    int    `json:"line"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExportOutput describes a written export file.
type ExportOutput struct {
	Path       string `json:"path"`
	Format     Format `json:"format"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// exportEnvelope is the json and yaml export shape.
type exportEnvelope struct {
	ScribeExport  bool                    `json:"_scribe_export" yaml:"_scribe_export"`
	SchemaVersion string                  `json:"schema_version" yaml:"schema_version"`
	ExportedAt    int64                   `json:"exported_at" yaml:"exported_at"`
	Documents     []document.ExportRecord `json:"documents" yaml:"documents"`
}

// ImportDocuments saves each document as a new local document. Items fail
// independently; one bad item never aborts the batch. Imported documents get
// fresh temporary ids, so they replicate as creates.
func (m *Manager) ImportDocuments(ctx context.Context, docs []document.Document) []ImportResult {
	results := make([]ImportResult, 0, len(docs))
	for i, d := range docs {
		r := ImportResult{Index: i, Name: d.Name}
		if strings.TrimSpace(d.Name) == "" {
			r.Code, r.Message = string(errors.ErrInvalidRequest), "name is required"
			results = append(results, r)
			continue
		}
		d.ID = ""
		saved, err := m.store.Save(ctx, d, events.OriginUser)
		if err != nil {
			r.Code, r.Message = string(errors.CodeOf(err)), err.Error()
			results = append(results, r)
			continue
		}
		r.ID, r.OK = saved.ID, true
		results = append(results, r)
	}
	return results
}

// importSchema validates one JSONL record.
const importSchema = `{
  "type": "object",
  "required": ["name"],
  "additionalProperties": false,
  "properties": {
    "id":         {"type": "string"},
    "name":       {"type": "string", "minLength": 1, "maxLength": 500},
    "content":    {"type": "string"},
    "category":   {"type": "string", "maxLength": 200},
    "created_at": {"type": "integer", "minimum": 0},
    "updated_at": {"type": "integer", "minimum": 0}
  }
}`

func compileImportSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(importSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("scribe-record.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("scribe-record.json")
}

// ImportFile imports a JSONL export. The header line is skipped; every other
// line is schema-checked and imported independently.
func (m *Manager) ImportFile(ctx context.Context, path string) (ImportOutput, error) {
	var out ImportOutput
	if err := m.paths.check(path, pathRead, ".jsonl"); err != nil {
		return out, err
	}
	sch, err := compileImportSchema()
	if err != nil {
		return out, errors.NewInternal(fmt.Errorf("compile import schema: %w", err))
	}

	f, err := openNoFollow(path, os.O_RDONLY, 0)
	if err != nil {
		return out, err
	}
	defer f.Close()

	var docs []document.Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxImportLine)
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return out, errors.NewCancelled("import")
		}
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			out.Errors = append(out.Errors, ImportError{Line: line, Code: "PARSE_ERROR", Message: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		if obj, ok := inst.(map[string]any); ok && obj["_scribe_export"] == true {
			continue
		}
		if err := sch.Validate(inst); err != nil {
			out.Errors = append(out.Errors, ImportError{Line: line, Code: "INVALID_RECORD", Message: err.Error()})
			continue
		}
		var rec document.ExportRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			out.Errors = append(out.Errors, ImportError{Line: line, Code: "PARSE_ERROR", Message: err.Error()})
			continue
		}
		docs = append(docs, rec.ToDocument())
	}
	if err := scanner.Err(); err != nil {
		out.Errors = append(out.Errors, ImportError{Line: line + 1, Code: "READ_ERROR", Message: fmt.Sprintf("failed to read file: %v", err)})
	}

	out.Results = m.ImportDocuments(ctx, docs)
	for _, r := range out.Results {
		if r.OK {
			out.Imported++
		} else {
			out.Failed++
		}
	}
	out.Failed += len(out.Errors)
	m.log.Info("import finished", zap.String("path", path), zap.Int("imported", out.Imported), zap.Int("failed", out.Failed))
	return out, nil
}

// ExportDocuments renders every local document in format.
func (m *Manager) ExportDocuments(ctx context.Context, format Format) ([]byte, error) {
	data, _, err := m.export(ctx, format, m.now())
	return data, err
}

func (m *Manager) export(ctx context.Context, format Format, now time.Time) ([]byte, int, error) {
	if _, ok := formatExtensions[format]; !ok {
		return nil, 0, errors.NewInvalidRequest(fmt.Sprintf("unknown export format %q", format))
	}
	docs, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, 0, err
	}
	records := make([]document.ExportRecord, len(docs))
	for i, d := range docs {
		records[i] = document.ToExportRecord(d)
	}
	env := exportEnvelope{ScribeExport: true, SchemaVersion: SchemaVersion, ExportedAt: now.Unix(), Documents: records}

	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		err = enc.Encode(env)
	case FormatJSONL:
		err = writeJSONL(&buf, env)
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		err = enc.Encode(env)
		if err == nil {
			err = enc.Close()
		}
	case FormatMarkdown:
		writeMarkdown(&buf, docs)
	case FormatHTML:
		err = writeHTML(&buf, docs, now)
	}
	if err != nil {
		return nil, 0, errors.NewInternal(fmt.Errorf("encode %s export: %w", format, err))
	}
	return buf.Bytes(), len(docs), nil
}

func writeJSONL(buf *bytes.Buffer, env exportEnvelope) error {
	enc := json.NewEncoder(buf)
	header := document.ExportHeader{ScribeExport: true, SchemaVersion: env.SchemaVersion, ExportedAt: env.ExportedAt}
	if err := enc.Encode(header); err != nil {
		return err
	}
	for _, r := range env.Documents {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func documentMarkdown(d document.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Name)
	fmt.Fprintf(&b, "*%s · updated %s*\n\n", d.Category, d.UpdatedAt.UTC().Format(time.RFC3339))
	if c := strings.TrimSpace(d.Content); c != "" {
		b.WriteString(c)
		b.WriteString("\n")
	}
	return b.String()
}

func writeMarkdown(buf *bytes.Buffer, docs []document.Document) {
	for i, d := range docs {
		if i > 0 {
			buf.WriteString("\n---\n\n")
		}
		buf.WriteString(documentMarkdown(d))
	}
}

func writeHTML(buf *bytes.Buffer, docs []document.Document, now time.Time) error {
	fmt.Fprintf(buf, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>Scribe export %s</title></head><body>\n",
		html.EscapeString(now.UTC().Format("2006-01-02")))
	for _, d := range docs {
		fmt.Fprintf(buf, "<article id=\"%s\">\n", html.EscapeString(d.ID))
		// Raw HTML in content is dropped; goldmark only passes it through WithUnsafe.
		if err := goldmark.Convert([]byte(documentMarkdown(d)), buf); err != nil {
			return err
		}
		buf.WriteString("</article>\n")
	}
	buf.WriteString("</body></html>\n")
	return nil
}

// ExportToFile writes an export atomically. An empty path writes
// <base>/exports/scribe-<timestamp>.<ext>. The destination must pass the
// import/export path allowlist.
func (m *Manager) ExportToFile(ctx context.Context, format Format, path string) (ExportOutput, error) {
	ext, ok := formatExtensions[format]
	if !ok {
		return ExportOutput{}, errors.NewInvalidRequest(fmt.Sprintf("unknown export format %q", format))
	}
	now := m.now()
	if path == "" {
		if m.paths.exportsDir == "" {
			return ExportOutput{}, errors.NewInvalidRequest("path is required")
		}
		name := sanitizeForFilename("scribe-" + now.UTC().Format("2006-01-02T150405"))
		path = filepath.Join(m.paths.exportsDir, name+ext)
	}
	exts := []string{ext}
	if format == FormatYAML {
		exts = append(exts, ".yml")
	}
	if format == FormatMarkdown {
		exts = append(exts, ".markdown")
	}
	if err := m.paths.check(path, pathWrite, exts...); err != nil {
		return ExportOutput{}, err
	}

	data, count, err := m.export(ctx, format, now)
	if err != nil {
		return ExportOutput{}, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return ExportOutput{}, err
	}
	m.log.Info("export written", zap.String("path", path), zap.String("format", string(format)), zap.Int("count", count))
	return ExportOutput{Path: path, Format: format, Count: count, ExportedAt: now.Unix()}, nil
}

// writeFileAtomic writes to a sibling temp file and renames it over path,
// so an existing file survives any failure.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := path + "." + hex.EncodeToString(suffix) + ".tmp"
	f, err := openNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}

	success := false
	defer func() {
		if f != nil {
			f.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return errors.NewInternal(err)
	}
	if err := f.Sync(); err != nil {
		return errors.NewInternal(err)
	}
	if err := f.Close(); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	f = nil

	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest("path must not be a symlink")
	}
	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(path); statErr == nil {
				return errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}
	success = true
	return nil
}
