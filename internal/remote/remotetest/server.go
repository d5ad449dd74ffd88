// Package remotetest provides an in-memory remote document service for tests.
// Server implements remote.API directly and serves the same API over HTTP.
package remotetest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/remote"
)

// Method names used for call counting, failure injection and hooks.
const (
	MethodCreate         = "CreateDocument"
	MethodUpdate         = "UpdateDocument"
	MethodDelete         = "DeleteDocument"
	MethodList           = "ListDocuments"
	MethodListCategories = "ListCategories"
	MethodAddCategory    = "AddCategory"
	MethodRenameCategory = "RenameCategory"
	MethodDeleteCategory = "DeleteCategory"
	MethodSetCurrent     = "SetCurrentDocumentID"
)

var _ remote.API = (*Server)(nil)

// Server is safe for concurrent use.
type Server struct {
	// Token, if set, is required as the bearer token on HTTP requests.
	Token string
	// BeforeCall runs before every API call, outside the lock. A non-nil
	// error fails the call. Tests use it to block calls in flight.
	BeforeCall func(ctx context.Context, method string) error

	mu          sync.Mutex
	docs        map[string]document.Document
	categories  map[string]bool
	current     string
	idempotency map[string]string
	nextID      int
	calls       map[string]int
	failures    map[string][]error
}

// New returns an empty server.
func New() *Server {
	return &Server{
		docs:        map[string]document.Document{},
		categories:  map[string]bool{},
		idempotency: map[string]string{},
		calls:       map[string]int{},
		failures:    map[string][]error{},
	}
}

// Fail queues errors returned by the next calls to method, one per call.
func (s *Server) Fail(method string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], errs...)
}

// Calls reports how many times method was invoked, failed calls included.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Put seeds or overwrites a document as if another client had written it.
func (s *Server) Put(doc document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Category = document.NormalizeCategory(doc.Category)
	s.docs[doc.ID] = doc
	s.categories[doc.Category] = true
}

// Remove deletes a document as if another client had deleted it.
func (s *Server) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

// Document returns the stored copy of id.
func (s *Server) Document(id string) (document.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	return d, ok
}

// Documents returns every stored document sorted by ID.
func (s *Server) Documents() []document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]document.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Current returns the stored current-document id.
func (s *Server) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Server) begin(ctx context.Context, method string) error {
	if s.BeforeCall != nil {
		if err := s.BeforeCall(ctx, method); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	if queued := s.failures[method]; len(queued) > 0 {
		s.failures[method] = queued[1:]
		return queued[0]
	}
	return ctx.Err()
}

func (s *Server) CreateDocument(ctx context.Context, doc document.Document, idempotencyKey string) (document.Document, error) {
	if err := s.begin(ctx, MethodCreate); err != nil {
		return document.Document{}, err
	}
	if strings.TrimSpace(doc.Name) == "" {
		return document.Document{}, errors.NewRemoteRejected(400, "name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.idempotency[idempotencyKey]; ok && idempotencyKey != "" {
		return s.docs[id], nil
	}
	s.nextID++
	doc.ID = fmt.Sprintf("r-%d", s.nextID)
	doc.Category = document.NormalizeCategory(doc.Category)
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	s.docs[doc.ID] = doc
	s.categories[doc.Category] = true
	if idempotencyKey != "" {
		s.idempotency[idempotencyKey] = doc.ID
	}
	return doc, nil
}

func (s *Server) UpdateDocument(ctx context.Context, doc document.Document) (document.Document, error) {
	if err := s.begin(ctx, MethodUpdate); err != nil {
		return document.Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; !ok {
		return document.Document{}, errors.NewRemoteRejected(404, "document not found: "+doc.ID)
	}
	doc.Category = document.NormalizeCategory(doc.Category)
	s.docs[doc.ID] = doc
	s.categories[doc.Category] = true
	return doc, nil
}

func (s *Server) DeleteDocument(ctx context.Context, id string) error {
	if err := s.begin(ctx, MethodDelete); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	if s.current == id {
		s.current = ""
	}
	return nil
}

func (s *Server) ListDocuments(ctx context.Context) ([]document.Document, error) {
	if err := s.begin(ctx, MethodList); err != nil {
		return nil, err
	}
	return s.Documents(), nil
}

func (s *Server) ListCategories(ctx context.Context) ([]string, error) {
	if err := s.begin(ctx, MethodListCategories); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.categories))
	for c := range s.categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Server) AddCategory(ctx context.Context, name string) error {
	if err := s.begin(ctx, MethodAddCategory); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[document.NormalizeCategory(name)] = true
	return nil
}

func (s *Server) RenameCategory(ctx context.Context, from, to string) error {
	if err := s.begin(ctx, MethodRenameCategory); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.categories[from] {
		return errors.NewRemoteRejected(404, "category not found: "+from)
	}
	delete(s.categories, from)
	s.categories[to] = true
	for id, d := range s.docs {
		if d.Category == from {
			d.Category = to
			s.docs[id] = d
		}
	}
	return nil
}

func (s *Server) DeleteCategory(ctx context.Context, name string, policy events.DeletePolicy, target string) error {
	if err := s.begin(ctx, MethodDeleteCategory); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.categories[name] {
		return errors.NewRemoteRejected(404, "category not found: "+name)
	}
	delete(s.categories, name)
	target = document.NormalizeCategory(target)
	for id, d := range s.docs {
		if d.Category != name {
			continue
		}
		if policy == events.PolicyDeleteDocuments {
			delete(s.docs, id)
			if s.current == id {
				s.current = ""
			}
			continue
		}
		d.Category = target
		s.docs[id] = d
		s.categories[target] = true
	}
	return nil
}

func (s *Server) SetCurrentDocumentID(ctx context.Context, id string) error {
	if err := s.begin(ctx, MethodSetCurrent); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok && id != "" {
		return errors.NewRemoteRejected(404, "document not found: "+id)
	}
	s.current = id
	return nil
}

// ServeHTTP exposes the API on the routes remote.HTTPClient uses.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		writeError(w, errors.NewRemoteAuth(http.StatusUnauthorized, "invalid token"))
		return
	}
	s.routes().ServeHTTP(w, r)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/documents", func(w http.ResponseWriter, r *http.Request) {
		docs, err := s.ListDocuments(r.Context())
		respond(w, map[string]any{"documents": docs}, err)
	})
	mux.HandleFunc("POST /v1/documents", func(w http.ResponseWriter, r *http.Request) {
		var doc document.Document
		if !decode(w, r, &doc) {
			return
		}
		out, err := s.CreateDocument(r.Context(), doc, r.Header.Get("Idempotency-Key"))
		respond(w, out, err)
	})
	mux.HandleFunc("PUT /v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		var doc document.Document
		if !decode(w, r, &doc) {
			return
		}
		doc.ID = r.PathValue("id")
		out, err := s.UpdateDocument(r.Context(), doc)
		respond(w, out, err)
	})
	mux.HandleFunc("DELETE /v1/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := s.Document(id); !ok {
			writeError(w, errors.NewRemoteRejected(http.StatusNotFound, "document not found: "+id))
			return
		}
		respond(w, nil, s.DeleteDocument(r.Context(), id))
	})
	mux.HandleFunc("GET /v1/categories", func(w http.ResponseWriter, r *http.Request) {
		cats, err := s.ListCategories(r.Context())
		respond(w, map[string]any{"categories": cats}, err)
	})
	mux.HandleFunc("POST /v1/categories", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if !decode(w, r, &body) {
			return
		}
		respond(w, nil, s.AddCategory(r.Context(), body.Name))
	})
	mux.HandleFunc("PUT /v1/categories/{name}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if !decode(w, r, &body) {
			return
		}
		respond(w, nil, s.RenameCategory(r.Context(), r.PathValue("name"), body.Name))
	})
	mux.HandleFunc("DELETE /v1/categories/{name}", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		err := s.DeleteCategory(r.Context(), r.PathValue("name"), events.DeletePolicy(q.Get("policy")), q.Get("target"))
		respond(w, nil, err)
	})
	mux.HandleFunc("PUT /v1/current-document", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"id"`
		}
		if !decode(w, r, &body) {
			return
		}
		respond(w, nil, s.SetCurrentDocumentID(r.Context(), body.ID))
	})
	return mux
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.NewRemoteRejected(http.StatusBadRequest, "invalid json: "+err.Error()))
		return false
	}
	return true
}

func respond(w http.ResponseWriter, body any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if body == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err with the remote status it carries.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := string(errors.CodeOf(err))
	var sErr *errors.ScribeError
	if stderrors.As(err, &sErr) {
		if rs, ok := sErr.Details["remote_status"].(int); ok && rs > 0 {
			status = rs
		} else {
			status = sErr.Status
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": err.Error()})
}
