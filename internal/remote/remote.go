// Package remote is the contract with the remote document service and its
// HTTP implementation. Retries are not done here; the sync queue owns them.
package remote

import (
	"context"
	stderrors "errors"

	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
)

// API is the remote document service.
type API interface {
	// CreateDocument creates doc and returns it with the remote-assigned ID.
	// Repeating a call with the same idempotencyKey returns the first result.
	CreateDocument(ctx context.Context, doc document.Document, idempotencyKey string) (document.Document, error)
	UpdateDocument(ctx context.Context, doc document.Document) (document.Document, error)
	// DeleteDocument succeeds if the document is already gone.
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context) ([]document.Document, error)
	ListCategories(ctx context.Context) ([]string, error)
	AddCategory(ctx context.Context, name string) error
	RenameCategory(ctx context.Context, from, to string) error
	DeleteCategory(ctx context.Context, name string, policy events.DeletePolicy, target string) error
	SetCurrentDocumentID(ctx context.Context, id string) error
}

// TokenSource yields the bearer token for the next request.
// auth.Context satisfies it.
type TokenSource interface {
	Token() string
}

// Kind classifies a remote failure for the sync queue.
type Kind int

const (
	KindNone Kind = iota
	// KindAuth: credentials rejected. Fatal to the whole queue.
	KindAuth
	// KindTransient: network, timeout, throttling or 5xx. Retried with backoff.
	KindTransient
	// KindValidation: the remote refused the request. Dropped and reported.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Classify maps err to a Kind. Errors that carry no classification
// (dial failures, resets, deadlines) are transient.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch errors.CodeOf(err) {
	case errors.ErrRemoteAuth:
		return KindAuth
	case errors.ErrRemoteTransient, errors.ErrCancelled:
		return KindTransient
	case errors.ErrRemoteRejected, errors.ErrValidation, errors.ErrInvalidRequest, errors.ErrNotFound:
		return KindValidation
	}
	return KindTransient
}

// StatusError maps an HTTP status to a classified error. 2xx yields nil.
func StatusError(status int, msg string) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == 401 || status == 403:
		return errors.NewRemoteAuth(status, msg)
	case status == 408 || status == 425 || status == 429 || status >= 500:
		return errors.NewRemoteTransient(status, stderrors.New(msg))
	default:
		return errors.NewRemoteRejected(status, msg)
	}
}
