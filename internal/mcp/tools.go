package mcp

import "github.com/mark3labs/mcp-go/mcp"

var documentSaveToolDef = mcp.NewTool("document_save",
	mcp.WithDescription("Create or update a document. Omit id to create; the new document gets a temporary local id until it reaches the remote service. Writes locally first and never fails for sync reasons."),
	mcp.WithString("id", mcp.Description("Document id (temporary or remote). Omit to create.")),
	mcp.WithString("name", mcp.Required(), mcp.Description("Document name")),
	mcp.WithString("content", mcp.Description("Document body (markdown)")),
	mcp.WithString("category", mcp.Description("Category name (default: General)")),
)

var documentGetToolDef = mcp.NewTool("document_get",
	mcp.WithDescription("Fetch one document by id. Former temporary ids still resolve after the document was created remotely."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var documentListToolDef = mcp.NewTool("document_list",
	mcp.WithDescription("List documents, newest first. Returns summaries without content."),
	mcp.WithString("category", mcp.Description("Only documents in this category")),
	mcp.WithBoolean("include_content", mcp.Description("Include document bodies (default false)")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var documentSearchToolDef = mcp.NewTool("document_search",
	mcp.WithDescription("Case-insensitive substring search over name, content and category."),
	mcp.WithString("query", mcp.Required(), mcp.Description("Text to find")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var documentDeleteToolDef = mcp.NewTool("document_delete",
	mcp.WithDescription("Delete a document locally; the deletion replicates when signed in."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
	mcp.WithDestructiveHintAnnotation(true),
)

var documentSetCurrentToolDef = mcp.NewTool("document_set_current",
	mcp.WithDescription("Mark a document as the current one."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Document id")),
)

var categoryListToolDef = mcp.NewTool("category_list",
	mcp.WithDescription("List every category."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var categoryAddToolDef = mcp.NewTool("category_add",
	mcp.WithDescription("Add a category. Adding an existing category is a no-op."),
	mcp.WithString("name", mcp.Required(), mcp.Description("Category name")),
)

var categoryRenameToolDef = mcp.NewTool("category_rename",
	mcp.WithDescription("Rename a category and move its documents."),
	mcp.WithString("from", mcp.Required(), mcp.Description("Current name")),
	mcp.WithString("to", mcp.Required(), mcp.Description("New name")),
)

var categoryDeleteToolDef = mcp.NewTool("category_delete",
	mcp.WithDescription("Delete a category. policy=migrate moves its documents to target (default General); policy=delete-documents deletes them."),
	mcp.WithString("name", mcp.Required(), mcp.Description("Category name")),
	mcp.WithString("policy", mcp.Enum("migrate", "delete-documents"), mcp.Description("What happens to the documents (default migrate)")),
	mcp.WithString("target", mcp.Description("Destination category for policy=migrate")),
	mcp.WithDestructiveHintAnnotation(true),
)

var documentExportToolDef = mcp.NewTool("document_export",
	mcp.WithDescription("Export every document. With path (or write=true) the export is written atomically to a file in an allowed directory; otherwise it is returned inline."),
	mcp.WithString("format", mcp.Enum("json", "jsonl", "markdown", "html", "yaml"), mcp.Description("Export format (default jsonl)")),
	mcp.WithString("path", mcp.Description("Destination file; must be directly inside ~/.scribe/exports or an allowed_paths entry")),
	mcp.WithBoolean("write", mcp.Description("Write to the default exports directory when path is omitted")),
)

var documentImportToolDef = mcp.NewTool("document_import",
	mcp.WithDescription("Import documents from a JSONL export file or an inline list. Each document is imported independently and gets a new local id."),
	mcp.WithString("path", mcp.Description("JSONL file to import")),
	mcp.WithArray("documents",
		mcp.Description("Inline documents: objects with name, content and category"),
		mcp.Items(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":     map[string]any{"type": "string"},
				"content":  map[string]any{"type": "string"},
				"category": map[string]any{"type": "string"},
			},
			"required": []string{"name"},
		}),
	),
)

var syncStatusToolDef = mcp.NewTool("sync_status",
	mcp.WithDescription("Report whether sync is configured and signed in, the queue status and the last completed full sync."),
	mcp.WithReadOnlyHintAnnotation(true),
)

var syncFullToolDef = mcp.NewTool("sync_full",
	mcp.WithDescription("Run a full reconciliation with the remote service now. Unlike other tools, remote failures are reported."),
)
