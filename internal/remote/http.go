package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/logging"
)

// HTTPClient talks to the remote document service over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	log        *zap.Logger
}

// NewHTTPClient returns a client for baseURL. The token is read from tokens
// on every request. httpClient and logger may be nil.
func NewHTTPClient(baseURL string, tokens TokenSource, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		log:        logging.OrNop(logger),
	}
}

type documentsResponse struct {
	Documents []document.Document `json:"documents"`
}

type categoriesResponse struct {
	Categories []string `json:"categories"`
}

type nameRequest struct {
	Name string `json:"name"`
}

type currentRequest struct {
	ID string `json:"id"`
}

func (c *HTTPClient) CreateDocument(ctx context.Context, doc document.Document, idempotencyKey string) (document.Document, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var out document.Document
	err := c.doJSON(ctx, http.MethodPost, "/v1/documents", headers, doc, &out)
	return out, err
}

func (c *HTTPClient) UpdateDocument(ctx context.Context, doc document.Document) (document.Document, error) {
	var out document.Document
	err := c.doJSON(ctx, http.MethodPut, "/v1/documents/"+url.PathEscape(doc.ID), nil, doc, &out)
	return out, err
}

func (c *HTTPClient) DeleteDocument(ctx context.Context, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/v1/documents/"+url.PathEscape(id), nil, nil, nil)
	if remoteStatus(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *HTTPClient) ListDocuments(ctx context.Context) ([]document.Document, error) {
	var out documentsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/documents", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *HTTPClient) ListCategories(ctx context.Context) ([]string, error) {
	var out categoriesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/categories", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Categories, nil
}

func (c *HTTPClient) AddCategory(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/categories", nil, nameRequest{Name: name}, nil)
}

func (c *HTTPClient) RenameCategory(ctx context.Context, from, to string) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/categories/"+url.PathEscape(from), nil, nameRequest{Name: to}, nil)
}

func (c *HTTPClient) DeleteCategory(ctx context.Context, name string, policy events.DeletePolicy, target string) error {
	q := url.Values{}
	q.Set("policy", string(policy))
	if target != "" {
		q.Set("target", target)
	}
	return c.doJSON(ctx, http.MethodDelete, "/v1/categories/"+url.PathEscape(name)+"?"+q.Encode(), nil, nil, nil)
}

func (c *HTTPClient) SetCurrentDocumentID(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/current-document", nil, currentRequest{ID: id}, nil)
}

// doJSON sends one request. Failures come back classified (see StatusError);
// transport errors are transient.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.NewInternal(err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return errors.NewInternal(err)
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.NewCancelled(method + " " + requestPath)
		}
		return errors.NewRemoteTransient(0, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return errors.NewRemoteTransient(resp.StatusCode, readErr)
	}

	c.log.Debug("remote request",
		zap.String("method", method),
		zap.String("path", requestPath),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return errors.NewRemoteRejected(resp.StatusCode, "malformed response: "+err.Error())
		}
		return nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	msg := errPayload.Message
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if errPayload.Code != "" {
		msg = errPayload.Code + ": " + msg
	}
	return StatusError(resp.StatusCode, fmt.Sprintf("%s %s: %s", method, requestPath, msg))
}

func remoteStatus(err error) int {
	var sErr *errors.ScribeError
	if !stderrors.As(err, &sErr) || sErr.Details == nil {
		return 0
	}
	status, _ := sErr.Details["remote_status"].(int)
	return status
}

func correlationID() string {
	return fmt.Sprintf("scribe_%d", time.Now().UnixNano())
}
