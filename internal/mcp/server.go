package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/scribe/internal/config"
	"github.com/hpungsan/scribe/internal/manager"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"document_save": {
		def:     documentSaveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSave },
	},
	"document_get": {
		def:     documentGetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGet },
	},
	"document_list": {
		def:     documentListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleList },
	},
	"document_search": {
		def:     documentSearchToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSearch },
	},
	"document_delete": {
		def:     documentDeleteToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDelete },
	},
	"document_set_current": {
		def:     documentSetCurrentToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSetCurrent },
	},
	"category_list": {
		def:     categoryListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCategoryList },
	},
	"category_add": {
		def:     categoryAddToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCategoryAdd },
	},
	"category_rename": {
		def:     categoryRenameToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCategoryRename },
	},
	"category_delete": {
		def:     categoryDeleteToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCategoryDelete },
	},
	"document_export": {
		def:     documentExportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
	"document_import": {
		def:     documentImportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleImport },
	},
	"sync_status": {
		def:     syncStatusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSyncStatus },
	},
	"sync_full": {
		def:     syncFullToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSyncFull },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns the names that are not tools.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server exposing m. Tools listed in
// cfg.DisabledTools are not registered.
func NewServer(m *manager.Manager, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"scribe",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(m)
	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}
	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves m over stdio until stdin closes.
func Run(m *manager.Manager, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(m, cfg, version))
}
