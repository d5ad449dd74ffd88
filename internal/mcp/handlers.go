package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/manager"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	m *manager.Manager
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(m *manager.Manager) *Handlers {
	return &Handlers{m: m}
}

// Request types for each tool

// SaveRequest represents the arguments for document_save.
type SaveRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Content  string `json:"content,omitempty"`
	Category string `json:"category,omitempty"`
}

// IDRequest is used by tools that only take a document id.
type IDRequest struct {
	ID string `json:"id"`
}

// ListRequest represents the arguments for document_list.
type ListRequest struct {
	Category       string `json:"category,omitempty"`
	IncludeContent bool   `json:"include_content,omitempty"`
}

// SearchRequest represents the arguments for document_search.
type SearchRequest struct {
	Query string `json:"query"`
}

// CategoryRequest represents the arguments for category_add.
type CategoryRequest struct {
	Name string `json:"name"`
}

// RenameCategoryRequest represents the arguments for category_rename.
type RenameCategoryRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DeleteCategoryRequest represents the arguments for category_delete.
type DeleteCategoryRequest struct {
	Name   string `json:"name"`
	Policy string `json:"policy,omitempty"`
	Target string `json:"target,omitempty"`
}

// ExportRequest represents the arguments for document_export.
type ExportRequest struct {
	Format string `json:"format,omitempty"`
	Path   string `json:"path,omitempty"`
	Write  bool   `json:"write,omitempty"`
}

// ImportRequest represents the arguments for document_import.
type ImportRequest struct {
	Path      string         `json:"path,omitempty"`
	Documents []ImportedItem `json:"documents,omitempty"`
}

// ImportedItem is one inline document in document_import.
type ImportedItem struct {
	Name     string `json:"name"`
	Content  string `json:"content,omitempty"`
	Category string `json:"category,omitempty"`
}

// Output shapes

// DocumentSummary is a document without its body.
type DocumentSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Temporary bool   `json:"temporary"`
	UpdatedAt int64  `json:"updated_at"`
}

type listOutput struct {
	Documents any `json:"documents"`
	Count     int `json:"count"`
}

type okOutput struct {
	OK bool `json:"ok"`
}

func summarize(docs []document.Document) []DocumentSummary {
	out := make([]DocumentSummary, len(docs))
	for i, d := range docs {
		out[i] = DocumentSummary{
			ID:        d.ID,
			Name:      d.Name,
			Category:  d.Category,
			Temporary: d.IsTemporary(),
			UpdatedAt: d.UpdatedAt.Unix(),
		}
	}
	return out
}

// HandleSave handles the document_save tool call.
func (h *Handlers) HandleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SaveRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	doc := document.Document{
		ID:       input.ID,
		Name:     input.Name,
		Content:  input.Content,
		Category: input.Category,
	}
	if input.ID != "" {
		existing, err := h.m.GetDocument(ctx, input.ID)
		if err != nil {
			return errorResult(err), nil
		}
		doc.ID = existing.ID
		doc.CreatedAt = existing.CreatedAt
	}

	saved, err := h.m.SaveDocument(ctx, doc)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(saved)
}

// HandleGet handles the document_get tool call.
func (h *Handlers) HandleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IDRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.ID == "" {
		return errorResult(errors.NewInvalidRequest("id is required")), nil
	}

	doc, err := h.m.GetDocument(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(doc)
}

// HandleList handles the document_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	docs, err := h.m.ListDocuments(ctx, input.Category)
	if err != nil {
		return errorResult(err), nil
	}
	if input.IncludeContent {
		return successResult(listOutput{Documents: docs, Count: len(docs)})
	}
	return successResult(listOutput{Documents: summarize(docs), Count: len(docs)})
}

// HandleSearch handles the document_search tool call.
func (h *Handlers) HandleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[SearchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Query == "" {
		return errorResult(errors.NewInvalidRequest("query is required")), nil
	}

	docs, err := h.m.SearchDocuments(ctx, input.Query)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(listOutput{Documents: summarize(docs), Count: len(docs)})
}

// HandleDelete handles the document_delete tool call.
func (h *Handlers) HandleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IDRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.ID == "" {
		return errorResult(errors.NewInvalidRequest("id is required")), nil
	}

	if err := h.m.DeleteDocument(ctx, input.ID); err != nil {
		return errorResult(err), nil
	}
	return successResult(okOutput{OK: true})
}

// HandleSetCurrent handles the document_set_current tool call.
func (h *Handlers) HandleSetCurrent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[IDRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.ID == "" {
		return errorResult(errors.NewInvalidRequest("id is required")), nil
	}

	if err := h.m.SetCurrentDocument(ctx, input.ID); err != nil {
		return errorResult(err), nil
	}
	return successResult(okOutput{OK: true})
}

// HandleCategoryList handles the category_list tool call.
func (h *Handlers) HandleCategoryList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cats, err := h.m.Categories(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"categories": cats})
}

// HandleCategoryAdd handles the category_add tool call.
func (h *Handlers) HandleCategoryAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CategoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Name == "" {
		return errorResult(errors.NewInvalidRequest("name is required")), nil
	}

	if err := h.m.AddCategory(ctx, input.Name); err != nil {
		return errorResult(err), nil
	}
	return successResult(okOutput{OK: true})
}

// HandleCategoryRename handles the category_rename tool call.
func (h *Handlers) HandleCategoryRename(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RenameCategoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.From == "" || input.To == "" {
		return errorResult(errors.NewInvalidRequest("from and to are required")), nil
	}

	if err := h.m.RenameCategory(ctx, input.From, input.To); err != nil {
		return errorResult(err), nil
	}
	return successResult(okOutput{OK: true})
}

// HandleCategoryDelete handles the category_delete tool call.
func (h *Handlers) HandleCategoryDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[DeleteCategoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Name == "" {
		return errorResult(errors.NewInvalidRequest("name is required")), nil
	}

	policy := events.PolicyMigrate
	if input.Policy != "" {
		policy = events.DeletePolicy(input.Policy)
	}
	if err := h.m.DeleteCategory(ctx, input.Name, policy, input.Target); err != nil {
		return errorResult(err), nil
	}
	return successResult(okOutput{OK: true})
}

// HandleExport handles the document_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	format := manager.FormatJSONL
	if input.Format != "" {
		if format, err = manager.ParseFormat(input.Format); err != nil {
			return errorResult(err), nil
		}
	}

	if input.Path != "" || input.Write {
		out, err := h.m.ExportToFile(ctx, format, input.Path)
		if err != nil {
			return errorResult(err), nil
		}
		return successResult(out)
	}

	data, err := h.m.ExportDocuments(ctx, format)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"format": format, "content": string(data)})
}

// HandleImport handles the document_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if (input.Path == "") == (len(input.Documents) == 0) {
		return errorResult(errors.NewInvalidRequest("provide exactly one of path or documents")), nil
	}

	if input.Path != "" {
		out, err := h.m.ImportFile(ctx, input.Path)
		if err != nil {
			return errorResult(err), nil
		}
		return successResult(out)
	}

	docs := make([]document.Document, len(input.Documents))
	for i, item := range input.Documents {
		docs[i] = document.Document{Name: item.Name, Content: item.Content, Category: item.Category}
	}
	results := h.m.ImportDocuments(ctx, docs)
	out := manager.ImportOutput{Results: results}
	for _, r := range results {
		if r.OK {
			out.Imported++
		} else {
			out.Failed++
		}
	}
	return successResult(out)
}

// HandleSyncStatus handles the sync_status tool call.
func (h *Handlers) HandleSyncStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := h.m.SyncStatus(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(st)
}

// HandleSyncFull handles the sync_full tool call.
func (h *Handlers) HandleSyncFull(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := h.m.TriggerFullSync(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(res)
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Internal error details are never exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	var se *errors.ScribeError
	if stderrors.As(err, &se) {
		message := se.Message
		if se != err {
			// Keep the context added by wrappers.
			message = err.Error()
		}
		errorObj := map[string]any{
			"code":    se.Code,
			"message": message,
			"status":  se.Status,
		}
		if se.Code != errors.ErrInternal && se.Details != nil {
			errorObj["details"] = se.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
