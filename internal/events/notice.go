package events

import (
	"sync"
	"time"
)

// Notice names, as shown to hosts.
const (
	NoticeSyncProgress     = "sync-progress"
	NoticeLogoutPending    = "logout-pending"
	NoticeLogoutReady      = "logout-ready"
	NoticeSyncForceStopped = "sync-force-stopped"
	NoticeError            = "error"
)

// QueueStatus is a snapshot of the sync queue.
type QueueStatus struct {
	Pending      int  `json:"pending"`
	IsProcessing bool `json:"is_processing"`
	HasItems     bool `json:"has_items"`
}

// Notice is a sync lifecycle message for the host.
type Notice interface {
	Name() string
	isNotice()
}

type SyncProgress struct {
	Status QueueStatus
}

// LogoutPending means logout is deferred until Pending operations drain.
type LogoutPending struct {
	Pending int
}

// LogoutReady fires once per logout, after local state has been cleared.
type LogoutReady struct{}

// SyncForceStopped reports that queued operations were discarded unexecuted.
type SyncForceStopped struct {
	Dropped int
	Reason  string
}

// ErrorNotice carries a user-displayable message. Operation names the
// queued operation kind when the failure came from the sync queue.
type ErrorNotice struct {
	Message   string
	Operation string
	Err       error
}

func (SyncProgress) Name() string     { return NoticeSyncProgress }
func (LogoutPending) Name() string    { return NoticeLogoutPending }
func (LogoutReady) Name() string      { return NoticeLogoutReady }
func (SyncForceStopped) Name() string { return NoticeSyncForceStopped }
func (ErrorNotice) Name() string      { return NoticeError }

func (SyncProgress) isNotice()     {}
func (LogoutPending) isNotice()    {}
func (LogoutReady) isNotice()      {}
func (SyncForceStopped) isNotice() {}
func (ErrorNotice) isNotice()      {}

// ErrorLimiter suppresses repeats of the same message inside a window.
type ErrorLimiter struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	last   map[string]time.Time
}

// NewErrorLimiter returns a limiter; now may be nil (time.Now).
func NewErrorLimiter(window time.Duration, now func() time.Time) *ErrorLimiter {
	if now == nil {
		now = time.Now
	}
	return &ErrorLimiter{
		window: window,
		now:    now,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether msg may be shown now and records it if so.
func (l *ErrorLimiter) Allow(msg string) bool {
	if l == nil || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if t, ok := l.last[msg]; ok && now.Sub(t) < l.window {
		return false
	}
	l.last[msg] = now

	// Drop entries older than the window.
	for k, t := range l.last {
		if now.Sub(t) >= l.window {
			delete(l.last, k)
		}
	}
	return true
}

// NoticeBus is a Bus[Notice] whose error notices pass through an ErrorLimiter.
// Subscribers are Lossy: a reader that falls behind misses notices, and
// sync progress never waits on it.
type NoticeBus struct {
	*Bus[Notice]
	limiter *ErrorLimiter
}

// NewNoticeBus wraps a bus with rate-limited error publication.
func NewNoticeBus(buffer int, limiter *ErrorLimiter) *NoticeBus {
	return &NoticeBus{Bus: newBus[Notice](buffer, Lossy), limiter: limiter}
}

// Publish forwards n, dropping error notices the limiter rejects.
func (b *NoticeBus) Publish(n Notice) {
	if e, ok := n.(ErrorNotice); ok && !b.limiter.Allow(e.Message) {
		return
	}
	b.Bus.Publish(n)
}
