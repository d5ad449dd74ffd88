package manager

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hpungsan/scribe/internal/config"
	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
)

func seedDocs(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	_, err := m.SaveDocument(ctx, document.Document{Name: "Plan", Content: "## Steps\n\n1. write\n2. ship", Category: "Work"})
	require.NoError(t, err)
	_, err = m.SaveDocument(ctx, document.Document{Name: "Unsafe", Content: "<script>alert(1)</script>"})
	require.NoError(t, err)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"JSON": FormatJSON, "md": FormatMarkdown, "yml": FormatYAML, " html ": FormatHTML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestImportDocuments_PerItemResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results := f.m.ImportDocuments(ctx, []document.Document{
		{ID: "r-from-elsewhere", Name: "one", Content: "a"},
		{Name: "   "},
		{Name: "three", Category: "Imported"},
	})
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.True(t, document.IsTemporaryID(results[0].ID), "imports never reuse foreign ids")
	assert.False(t, results[1].OK)
	assert.Equal(t, string(errors.ErrInvalidRequest), results[1].Code)
	assert.True(t, results[2].OK)

	docs, err := f.m.ListDocuments(ctx, "")
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestExportDocuments_Formats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedDocs(t, f.m)

	t.Run("json", func(t *testing.T) {
		data, err := f.m.ExportDocuments(ctx, FormatJSON)
		require.NoError(t, err)
		var env exportEnvelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.True(t, env.ScribeExport)
		assert.Equal(t, SchemaVersion, env.SchemaVersion)
		assert.Len(t, env.Documents, 2)
	})

	t.Run("jsonl", func(t *testing.T) {
		data, err := f.m.ExportDocuments(ctx, FormatJSONL)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[0], `"_scribe_export":true`)
	})

	t.Run("yaml", func(t *testing.T) {
		data, err := f.m.ExportDocuments(ctx, FormatYAML)
		require.NoError(t, err)
		var env exportEnvelope
		require.NoError(t, yaml.Unmarshal(data, &env))
		require.Len(t, env.Documents, 2)
		names := []string{env.Documents[0].Name, env.Documents[1].Name}
		assert.ElementsMatch(t, []string{"Plan", "Unsafe"}, names)
	})

	t.Run("markdown", func(t *testing.T) {
		data, err := f.m.ExportDocuments(ctx, FormatMarkdown)
		require.NoError(t, err)
		assert.Contains(t, string(data), "# Plan")
		assert.Contains(t, string(data), "\n---\n")
	})

	t.Run("html", func(t *testing.T) {
		data, err := f.m.ExportDocuments(ctx, FormatHTML)
		require.NoError(t, err)
		out := string(data)
		assert.Contains(t, out, "<h1>Plan</h1>")
		assert.Contains(t, out, "<h2>Steps</h2>")
		assert.NotContains(t, out, "<script>")
	})

	_, err := f.m.ExportDocuments(ctx, Format("pdf"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestExportToFile_RoundTrip(t *testing.T) {
	src := newFixture(t)
	ctx := context.Background()
	seedDocs(t, src.m)

	out, err := src.m.ExportToFile(ctx, FormatJSONL, "")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, filepath.Join(src.dir, "exports"), filepath.Dir(out.Path))
	assert.Equal(t, ".jsonl", filepath.Ext(out.Path))

	leftovers, _ := filepath.Glob(filepath.Join(src.dir, "exports", "*.tmp"))
	assert.Empty(t, leftovers)

	dst := newFixture(t, func(c *config.Config, _ *Options) {
		c.AllowedPaths = []string{filepath.Join(src.dir, "exports")}
	})
	res, err := dst.m.ImportFile(ctx, out.Path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 0, res.Failed)

	docs, err := dst.m.ListDocuments(ctx, "Work")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Plan", docs[0].Name)
}

func TestExportToFile_OverwritesAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(f.dir, "exports", "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0600))
	seedDocs(t, f.m)

	_, err := f.m.ExportToFile(ctx, FormatMarkdown, path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Plan")
}

func TestExportToFile_PathRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.ExportToFile(ctx, FormatJSON, filepath.Join(t.TempDir(), "out.json"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "outside the allowlist")

	_, err = f.m.ExportToFile(ctx, FormatJSON, filepath.Join(f.dir, "exports", "out.yaml"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "extension must match the format")

	_, err = f.m.ExportToFile(ctx, FormatYAML, filepath.Join(f.dir, "exports", "out.yml"))
	assert.NoError(t, err)
}

func TestImportFile_ReportsBadLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := filepath.Join(f.dir, "exports", "mixed.jsonl")

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	for _, line := range []string{
		`{"_scribe_export":true,"schema_version":"1.0","exported_at":1}`,
		`{"id":"x","name":"good","content":"c","category":"Inbox"}`,
		`{not json`,
		`{"content":"no name"}`,
		`{"name":"extra","owner":"someone"}`,
		``,
		`{"name":"negative","updated_at":-5}`,
	} {
		w.WriteString(line + "\n")
	}
	require.NoError(t, w.Flush())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))

	res, err := f.m.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 4, res.Failed)
	require.Len(t, res.Errors, 4)
	assert.Equal(t, 3, res.Errors[0].Line)
	assert.Equal(t, "PARSE_ERROR", res.Errors[0].Code)
	for _, e := range res.Errors[1:] {
		assert.Equal(t, "INVALID_RECORD", e.Code, "line %d", e.Line)
	}

	docs, _ := f.m.ListDocuments(ctx, "Inbox")
	assert.Len(t, docs, 1)
}

func TestImportFile_MissingFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.ImportFile(context.Background(), filepath.Join(f.dir, "exports", "nope.jsonl"))
	assert.True(t, errors.Is(err, errors.ErrFileNotFound))
}
