// Package bridge turns local store changes and authentication signals into
// sync queue work.
package bridge

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hpungsan/scribe/internal/auth"
	"github.com/hpungsan/scribe/internal/docsync"
	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
	"github.com/hpungsan/scribe/internal/logging"
)

// Queue is the part of docsync.Queue the bridge drives.
type Queue interface {
	Enqueue(p docsync.Payload) bool
	Kick()
	Process(ctx context.Context)
	FullSync(ctx context.Context) (docsync.SyncResult, error)
	Clear() int
	ForceStop(reason string) int
	Status() events.QueueStatus
	WaitDrained(ctx context.Context) error
}

// Store is the part of the local store the bridge clears on logout.
type Store interface {
	Clear(ctx context.Context) error
}

// Session is the auth context plus the graceful-logout hooks.
type Session interface {
	auth.Context
	Ending() bool
	End()
}

// Bridge is single-threaded: Run consumes changes and signals in order,
// so operations for one document are enqueued in the order they happened.
// Work that writes back into the change stream (store clears, full syncs)
// runs on separate goroutines.
type Bridge struct {
	queue   Queue
	store   Store
	session Session
	notices *events.NoticeBus
	log     *zap.Logger

	changes       <-chan events.Change
	cancelChanges func()
	signals       <-chan auth.Signal
	cancelSignals func()
	resync        chan struct{}

	mu        sync.Mutex
	epoch     uint64
	loggedOut bool
	wg        sync.WaitGroup
}

// New subscribes to changes and session signals right away so nothing
// published before Run is lost. The change subscription is Unbounded, so a
// store write never waits on the bridge. notices and logger may be nil.
func New(changes *events.Bus[events.Change], session Session, queue Queue, store Store, notices *events.NoticeBus, logger *zap.Logger) *Bridge {
	b := &Bridge{
		queue:   queue,
		store:   store,
		session: session,
		notices: notices,
		log:     logging.OrNop(logger).Named("bridge"),
		resync:  make(chan struct{}, 1),
	}
	b.changes, b.cancelChanges = changes.SubscribeWith(events.Unbounded)
	b.signals, b.cancelSignals = session.Subscribe()
	return b
}

// RequestFullSync asks for a full sync. Requests made while one is pending coalesce.
func (b *Bridge) RequestFullSync() {
	select {
	case b.resync <- struct{}{}:
	default:
	}
}

// Run consumes until ctx is done or the subscriptions close, then waits
// for background work it started.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-b.changes:
			if !ok {
				return nil
			}
			b.onChange(c)
		case s, ok := <-b.signals:
			if !ok {
				return nil
			}
			b.onSignal(ctx, s)
		case <-b.resync:
			if b.session.IsAuthenticated() && !b.session.Ending() {
				b.async(func() { b.fullSync(ctx) })
			}
		}
	}
}

// Close drops the subscriptions.
func (b *Bridge) Close() {
	b.cancelChanges()
	b.cancelSignals()
}

func (b *Bridge) onChange(c events.Change) {
	if c.Source() != events.OriginUser {
		return
	}
	if !b.session.IsAuthenticated() || b.session.Ending() {
		return
	}
	p, ok := docsync.FromChange(c)
	if !ok {
		return
	}
	if b.queue.Enqueue(p) {
		b.queue.Kick()
	}
}

func (b *Bridge) onSignal(ctx context.Context, s auth.Signal) {
	b.log.Info("auth signal", zap.String("kind", s.Kind.String()), zap.Bool("force", s.Force))
	switch s.Kind {
	case auth.SignalLogin:
		b.mu.Lock()
		b.epoch++
		b.loggedOut = false
		b.mu.Unlock()
		b.async(func() {
			b.fullSync(ctx)
			b.queue.Process(ctx)
		})
	case auth.SignalTokenRefresh:
		b.queue.Kick()
	case auth.SignalLogout:
		if s.Force {
			b.forceLogout(ctx)
		} else {
			b.gracefulLogout(ctx)
		}
	}
}

func (b *Bridge) fullSync(ctx context.Context) {
	res, err := b.queue.FullSync(ctx)
	if err != nil {
		b.log.Warn("full sync failed", zap.Error(err))
		if !errors.Is(err, errors.ErrRemoteAuth) && !errors.Is(err, errors.ErrCancelled) {
			b.publish(events.ErrorNotice{
				Message:   fmt.Sprintf("Sync failed: %v", err),
				Operation: "full-sync",
				Err:       err,
			})
		}
		return
	}
	b.log.Info("full sync complete",
		zap.Int("created", res.Created),
		zap.Int("pushed", res.Pushed),
		zap.Int("pulled", res.Pulled),
	)
}

func (b *Bridge) forceLogout(ctx context.Context) {
	b.mu.Lock()
	b.epoch++
	epoch := b.epoch
	announce := !b.loggedOut
	b.loggedOut = true
	b.mu.Unlock()

	b.queue.ForceStop("forced logout")
	b.async(func() { b.finishLogout(ctx, epoch, announce) })
}

// gracefulLogout completes at once when nothing is pending; otherwise it
// announces LogoutPending and completes after the queue drains.
func (b *Bridge) gracefulLogout(ctx context.Context) {
	b.mu.Lock()
	b.epoch++
	epoch := b.epoch
	b.mu.Unlock()

	status := b.queue.Status()
	if !status.HasItems && !status.IsProcessing {
		b.queue.Clear()
		b.async(func() { b.finishLogout(ctx, epoch, b.markLoggedOut(epoch)) })
		return
	}

	b.publish(events.LogoutPending{Pending: status.Pending})
	b.queue.Kick()
	b.async(func() {
		if err := b.queue.WaitDrained(ctx); err != nil {
			return
		}
		announce := b.markLoggedOut(epoch)
		if !announce {
			return
		}
		b.queue.Clear()
		b.finishLogout(ctx, epoch, true)
	})
}

// markLoggedOut reports whether this logout is still the latest auth
// transition and the first to complete.
func (b *Bridge) markLoggedOut(epoch uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch || b.loggedOut {
		return false
	}
	b.loggedOut = true
	return true
}

// finishLogout clears local state, ends the session and, if announce,
// publishes LogoutReady.
func (b *Bridge) finishLogout(ctx context.Context, epoch uint64, announce bool) {
	b.mu.Lock()
	stale := b.epoch != epoch
	b.mu.Unlock()
	if stale {
		return
	}
	if err := b.store.Clear(ctx); err != nil {
		b.log.Error("failed to clear local state on logout", zap.Error(err))
		b.publish(events.ErrorNotice{Message: "Could not clear local data on logout", Operation: "logout", Err: err})
	}
	b.session.End()
	if announce {
		b.publish(events.LogoutReady{})
	}
}

func (b *Bridge) async(f func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
}

func (b *Bridge) publish(n events.Notice) {
	if b.notices != nil {
		b.notices.Publish(n)
	}
}
