package web

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/manager"
)

// Handlers contains HTTP route handlers for the web UI.
type Handlers struct {
	m        *manager.Manager
	renderer *Renderer
	log      *zap.Logger
}

// HandleList handles GET /documents, optionally filtered by ?category=.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")

	docs, err := h.m.ListDocuments(r.Context(), category)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	cats, err := h.m.Categories(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	h.renderer.renderPage(w, r, "list", ListPageData{
		PageData:   h.renderer.page("Documents", "documents"),
		Items:      rows(docs),
		Category:   category,
		Categories: cats,
	})
}

// HandleSearch handles GET /documents/search?q=.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	data := SearchPageData{
		PageData: h.renderer.page("Search", "search"),
		Query:    query,
		HasQuery: query != "",
	}

	if query != "" {
		docs, err := h.m.SearchDocuments(r.Context(), query)
		if err != nil {
			h.renderer.renderError(w, r, err)
			return
		}
		data.Items = rows(docs)
	}

	// htmx swaps only the results when the search box changes
	if r.Header.Get("HX-Target") == "results" {
		h.renderer.renderBlock(w, http.StatusOK, "search", "search-results", data)
		return
	}
	h.renderer.renderPage(w, r, "search", data)
}

// HandleDetail handles GET /documents/{id}.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("document id is required"))
		return
	}

	doc, err := h.m.GetDocument(r.Context(), id)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, doc)
		return
	}

	h.renderer.renderPage(w, r, "detail", DetailPageData{
		PageData:     h.renderer.page(doc.Name, "documents"),
		Document:     doc,
		RenderedHTML: renderMarkdown(doc.Content),
	})
}

// HandleDelete handles DELETE /documents/{id}.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("document id is required"))
		return
	}

	if err := h.m.DeleteDocument(r.Context(), id); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", "/documents")
		w.WriteHeader(http.StatusOK)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
		return
	}
	http.Redirect(w, r, "/documents", http.StatusFound)
}

// HandleSyncStatus handles GET /sync/status.
func (h *Handlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.m.SyncStatus(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, st)
		return
	}
	h.renderer.renderPage(w, r, "status", StatusPageData{
		PageData: h.renderer.page("Sync", "sync"),
		Status:   st,
	})
}

// HandleSync handles POST /sync, running a full sync now.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.m.TriggerFullSync(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		msg := fmt.Sprintf("Synced: %d created, %d pushed, %d pulled, %d removed",
			res.Created, res.Pushed, res.Pulled, res.DeletedLocal)
		_, _ = w.Write([]byte(`<div class="sync-result">` + template.HTMLEscapeString(msg) + `</div>`))
		return
	}
	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, res)
		return
	}
	http.Redirect(w, r, "/sync/status", http.StatusFound)
}

// eventWriteTimeout bounds one server-sent event write; a client that
// cannot take it within the window is dropped.
const eventWriteTimeout = 10 * time.Second

// HandleEvents handles GET /events, streaming sync notices as server-sent events.
// Notices a slow client cannot keep up with are skipped, never queued.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("streaming unsupported"))
		return
	}
	rc := http.NewResponseController(w)

	notices, cancel := h.m.SubscribeNotices()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-notices:
			if !ok {
				return
			}
			// Not every ResponseWriter supports deadlines.
			_ = rc.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := writeEvent(w, n); err != nil {
				h.log.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// noticePayload is the JSON body of one server-sent event.
func noticePayload(n events.Notice) map[string]any {
	switch n := n.(type) {
	case events.SyncProgress:
		return map[string]any{"queue": n.Status}
	case events.LogoutPending:
		return map[string]any{"pending": n.Pending}
	case events.SyncForceStopped:
		return map[string]any{"dropped": n.Dropped, "reason": n.Reason}
	case events.ErrorNotice:
		return map[string]any{"message": n.Message, "operation": n.Operation}
	default:
		return map[string]any{}
	}
}

func writeEvent(w http.ResponseWriter, n events.Notice) error {
	data, err := json.Marshal(noticePayload(n))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Name(), data)
	return err
}
