package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/document"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/logging"
	"github.com/hpungsan/scribe/internal/remote"
	"github.com/hpungsan/scribe/internal/store"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// LocalStore is the part of store.Store the queue and full sync use.
type LocalStore interface {
	Get(ctx context.Context, id string) (document.Document, error)
	GetAll(ctx context.Context) ([]document.Document, error)
	ResolveID(ctx context.Context, id string) (string, error)
	ReplaceID(ctx context.Context, tempID, remoteID string) (bool, error)
	ApplyRemote(ctx context.Context, copies []store.RemoteCopy) (int, error)
	DeleteIfUnchanged(ctx context.Context, id string, seen time.Time) (bool, error)
	Categories(ctx context.Context) ([]string, error)
	AddCategory(ctx context.Context, name string, origin events.Origin) error
	CurrentDocumentID(ctx context.Context) (string, error)
	LastSyncedAt(ctx context.Context) (time.Time, error)
	MarkSynced(ctx context.Context, t time.Time) error
	Template() document.Template
}

// Authenticator is read before every operation; answers are never cached.
type Authenticator interface {
	IsAuthenticated() bool
}

// Options configures a Queue.
type Options struct {
	// MaxRetries is how many times a transiently failing operation is
	// retried before it is dropped.
	MaxRetries int
	// BaseDelay is the first retry delay; retry n waits BaseDelay * 2^(n-1).
	BaseDelay time.Duration
	Scheduler Scheduler
	Notices   *events.NoticeBus
	Logger    *zap.Logger
	Now       func() time.Time
	// OnAuthFailure runs after an authentication failure emptied the queue.
	OnAuthFailure func()
}

// Queue is the ordered list of pending remote operations.
//
// At most one Process loop runs at a time. Clear and ForceStop bump a
// generation counter; results of calls that were in flight across a bump
// are discarded instead of applied.
type Queue struct {
	api   remote.API
	store LocalStore
	auth  Authenticator

	maxRetries    int
	baseDelay     time.Duration
	sched         Scheduler
	notices       *events.NoticeBus
	log           *zap.Logger
	now           func() time.Time
	onAuthFailure func()

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	items      []Operation
	retries    map[int]func() bool
	retrySeq   int
	inFlight   int
	processing bool
	generation uint64
	closed     bool
	changed    chan struct{}

	// wire serializes remote work: FullSync holds it for a whole pass,
	// Process for one operation.
	wire sync.Mutex
}

// NewQueue returns an empty queue.
func NewQueue(api remote.API, local LocalStore, auth Authenticator, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Scheduler == nil {
		opts.Scheduler = RealScheduler{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		api:           api,
		store:         local,
		auth:          auth,
		maxRetries:    opts.MaxRetries,
		baseDelay:     opts.BaseDelay,
		sched:         opts.Scheduler,
		notices:       opts.Notices,
		log:           logging.OrNop(opts.Logger),
		now:           opts.Now,
		onAuthFailure: opts.OnAuthFailure,
		ctx:           ctx,
		cancel:        cancel,
		retries:       make(map[int]func() bool),
		changed:       make(chan struct{}),
	}
}

// Enqueue appends p at the tail. It is a no-op while not authenticated:
// offline edits are reconciled by the full sync after the next login.
func (q *Queue) Enqueue(p Payload) bool {
	if !q.auth.IsAuthenticated() {
		q.log.Debug("not authenticated, skipping enqueue", zap.String("kind", p.Kind()))
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, Operation{
		ID:         ulid.Make().String(),
		Payload:    p,
		EnqueuedAt: q.now(),
	})
	q.signalLocked()
	q.mu.Unlock()

	q.publishProgress()
	return true
}

// Kick starts Process in the background. It returns at once.
func (q *Queue) Kick() {
	go q.Process(q.ctx)
}

// Process drains the queue head-first while authenticated. A call made
// while another Process is running returns immediately.
func (q *Queue) Process(ctx context.Context) {
	q.mu.Lock()
	if q.processing || q.closed {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.signalLocked()
	q.mu.Unlock()
	q.publishProgress()

	for {
		q.wire.Lock()
		q.mu.Lock()
		if len(q.items) == 0 || ctx.Err() != nil || !q.auth.IsAuthenticated() {
			q.processing = false
			q.signalLocked()
			q.mu.Unlock()
			q.wire.Unlock()
			q.publishProgress()
			return
		}
		op := q.items[0]
		q.items = q.items[1:]
		q.inFlight = 1
		gen := q.generation
		q.mu.Unlock()

		q.runOne(ctx, op, gen)

		q.mu.Lock()
		q.inFlight = 0
		q.mu.Unlock()
		q.wire.Unlock()
		q.publishProgress()
	}
}

func (q *Queue) runOne(ctx context.Context, op Operation, gen uint64) {
	apply, err := q.execute(ctx, op)
	if !q.valid(gen) {
		q.log.Info("discarding result of cleared operation",
			zap.String("op_id", op.ID),
			zap.String("kind", op.Payload.Kind()),
		)
		return
	}
	if err != nil {
		q.handleFailure(op, err, gen)
		return
	}
	if apply == nil {
		return
	}
	if err := apply(ctx); err != nil {
		// Local write failures are reported, never retried.
		q.log.Error("failed to apply remote result locally",
			zap.String("op_id", op.ID),
			zap.String("kind", op.Payload.Kind()),
			zap.Error(err),
		)
		q.reportFailure(op, err)
	}
}

func (q *Queue) handleFailure(op Operation, err error, gen uint64) {
	if code := errors.CodeOf(err); code == errors.ErrStorage || code == errors.ErrInternal {
		q.log.Error("local failure while syncing, dropping operation",
			zap.String("op_id", op.ID),
			zap.String("kind", op.Payload.Kind()),
			zap.Error(err),
		)
		q.reportFailure(op, err)
		return
	}
	kind := remote.Classify(err)
	log := q.log.With(
		zap.String("op_id", op.ID),
		zap.String("kind", op.Payload.Kind()),
		zap.Int("retry_count", op.RetryCount),
		zap.String("error_kind", kind.String()),
		zap.Error(err),
	)

	switch kind {
	case remote.KindAuth:
		log.Warn("authentication rejected, dropping queue")
		q.abortAuth(1)
	case remote.KindTransient:
		op.RetryCount++
		if op.RetryCount > q.maxRetries {
			log.Warn("retry ceiling reached, dropping operation")
			q.reportFailure(op, err)
			return
		}
		delay := q.baseDelay << (op.RetryCount - 1)
		log.Info("transient failure, retrying", zap.Duration("delay", delay))
		q.scheduleRetry(op, gen, delay)
	default:
		log.Warn("operation rejected, dropping")
		q.reportFailure(op, err)
	}
}

// abortAuth empties the queue after an authentication failure and hands
// control to the auth-failure hook. inFlight counts the failed operation.
func (q *Queue) abortAuth(inFlight int) {
	n := q.Clear() + inFlight
	q.publish(events.SyncForceStopped{Dropped: n, Reason: "authentication rejected"})
	q.publish(events.ErrorNotice{
		Message:   "Sync stopped: your session is no longer valid. Please sign in again.",
		Operation: "auth",
	})
	if q.onAuthFailure != nil {
		q.onAuthFailure()
	}
}

func (q *Queue) scheduleRetry(op Operation, gen uint64, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.generation || q.closed {
		return
	}
	id := q.retrySeq
	q.retrySeq++
	q.retries[id] = q.sched.AfterFunc(delay, func() { q.requeue(id, op, gen) })
	q.signalLocked()
}

func (q *Queue) requeue(id int, op Operation, gen uint64) {
	q.mu.Lock()
	if _, ok := q.retries[id]; !ok || gen != q.generation || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.retries, id)
	q.items = append(q.items, op)
	q.signalLocked()
	q.mu.Unlock()

	q.publishProgress()
	q.Kick()
}

func (q *Queue) reportFailure(op Operation, err error) {
	q.publish(events.ErrorNotice{
		Message:   fmt.Sprintf("Failed to sync %s: %v", op.Payload.Kind(), err),
		Operation: op.Payload.Kind(),
		Err:       err,
	})
}

// Clear drops every queued operation and pending retry without running
// them. Results of a call in flight are discarded. Returns the number dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.items) + len(q.retries)
	for id, stop := range q.retries {
		stop()
		delete(q.retries, id)
	}
	q.items = nil
	q.generation++
	q.signalLocked()
	q.mu.Unlock()

	if n > 0 {
		q.log.Info("sync queue cleared", zap.Int("dropped", n))
	}
	q.publishProgress()
	return n
}

// ForceStop clears the queue and announces it with SyncForceStopped.
func (q *Queue) ForceStop(reason string) int {
	n := q.Clear()
	q.publish(events.SyncForceStopped{Dropped: n, Reason: reason})
	return n
}

// Status is a snapshot. Pending counts queued operations, waiting retries
// and the operation in flight.
func (q *Queue) Status() events.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) statusLocked() events.QueueStatus {
	pending := len(q.items) + len(q.retries) + q.inFlight
	return events.QueueStatus{
		Pending:      pending,
		IsProcessing: q.processing,
		HasItems:     pending > 0,
	}
}

// WaitIdle blocks until nothing is queued or running. Operations waiting
// on a retry timer do not count; see WaitDrained.
func (q *Queue) WaitIdle(ctx context.Context) error {
	return q.wait(ctx, func() bool { return len(q.items) == 0 && !q.processing })
}

// WaitDrained blocks until nothing is queued or running and no retry timer
// is pending. Graceful logout waits on it.
func (q *Queue) WaitDrained(ctx context.Context) error {
	return q.wait(ctx, func() bool { return len(q.items) == 0 && len(q.retries) == 0 && !q.processing })
}

func (q *Queue) wait(ctx context.Context, done func() bool) error {
	for {
		q.mu.Lock()
		if done() {
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return errors.NewCancelled("wait for sync queue")
		case <-ch:
		}
	}
}

// Close stops background processing and pending retries.
func (q *Queue) Close() {
	q.Clear()
	q.mu.Lock()
	q.closed = true
	q.signalLocked()
	q.mu.Unlock()
	q.cancel()
}

func (q *Queue) valid(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return gen == q.generation && !q.closed && q.auth.IsAuthenticated()
}

func (q *Queue) currentGeneration() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

// signalLocked wakes every waiter. Callers hold q.mu.
func (q *Queue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) publishProgress() {
	q.publish(events.SyncProgress{Status: q.Status()})
}

func (q *Queue) publish(n events.Notice) {
	if q.notices != nil {
		q.notices.Publish(n)
	}
}

// execute performs the remote half of op. The returned apply func, if any,
// writes the result locally and must only run while the generation that
// dequeued op is still current.
func (q *Queue) execute(ctx context.Context, op Operation) (func(context.Context) error, error) {
	switch p := op.Payload.(type) {
	case CreateDocument:
		return q.executeCreate(ctx, p.Document.ID)
	case UpdateDocument:
		id, err := q.store.ResolveID(ctx, p.Document.ID)
		if err != nil {
			return nil, err
		}
		if document.IsTemporaryID(id) {
			// The pending create sends the latest content.
			return nil, nil
		}
		return nil, q.pushUpdate(ctx, id)
	case DeleteDocument:
		id, err := q.store.ResolveID(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if document.IsTemporaryID(id) {
			return nil, nil
		}
		return nil, q.api.DeleteDocument(ctx, id)
	case AddCategory:
		return nil, q.api.AddCategory(ctx, p.Name)
	case RenameCategory:
		return nil, q.api.RenameCategory(ctx, p.From, p.To)
	case DeleteCategory:
		return nil, q.api.DeleteCategory(ctx, p.Name, p.Policy, p.Target)
	case SetCurrentDocument:
		id, err := q.store.ResolveID(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if document.IsTemporaryID(id) {
			q.log.Debug("current document not created remotely yet", zap.String("id", id))
			return nil, nil
		}
		return nil, q.api.SetCurrentDocumentID(ctx, id)
	default:
		return nil, errors.NewInternal(fmt.Errorf("unknown operation %T", op.Payload))
	}
}

// executeCreate sends the latest local copy of a temporary document. The
// temporary id is the idempotency key, so a retried create after a lost
// response yields the same remote document.
func (q *Queue) executeCreate(ctx context.Context, tempID string) (func(context.Context) error, error) {
	id, err := q.store.ResolveID(ctx, tempID)
	if err != nil {
		return nil, err
	}
	if !document.IsTemporaryID(id) {
		return nil, q.pushUpdate(ctx, id)
	}
	local, err := q.store.Get(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		// Deleted before it was ever created remotely.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	created, err := q.api.CreateDocument(ctx, local, tempID)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		_, err := q.store.ReplaceID(ctx, tempID, created.ID)
		return err
	}, nil
}

func (q *Queue) pushUpdate(ctx context.Context, id string) error {
	local, err := q.store.Get(ctx, id)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = q.api.UpdateDocument(ctx, local)
	return err
}
