// Package auth supplies the authentication capability the sync subsystem
// consumes: a live "is authenticated / current token" view plus lifecycle signals.
package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hpungsan/scribe/internal/errors"
	"github.com/hpungsan/scribe/internal/events"
)

// SignalKind is a lifecycle transition.
type SignalKind int

const (
	SignalLogin SignalKind = iota
	SignalLogout
	SignalTokenRefresh
)

func (k SignalKind) String() string {
	switch k {
	case SignalLogin:
		return "login"
	case SignalLogout:
		return "logout"
	case SignalTokenRefresh:
		return "token-refresh"
	default:
		return "unknown"
	}
}

// Signal is one lifecycle transition. Force only applies to logout.
type Signal struct {
	Kind  SignalKind
	Force bool
}

// Context is read at every operation boundary; never cache its answers.
type Context interface {
	IsAuthenticated() bool
	Token() string
	Subscribe() (<-chan Signal, func())
}

// Session is the in-process Context implementation.
//
// A graceful Logout keeps the token usable until End so queued work can drain
// under the old identity. A forced Logout ends the session immediately.
type Session struct {
	mu      sync.RWMutex
	token   string
	subject string
	expires time.Time
	ending  bool

	signals *events.Bus[Signal]
	now     func() time.Time
}

// NewSession returns a logged-out session. now may be nil (time.Now).
func NewSession(now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		signals: events.NewBus[Signal](16),
		now:     now,
	}
}

// IsAuthenticated reports whether a non-expired token is held.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *Session) validLocked() bool {
	if s.token == "" {
		return false
	}
	return s.expires.IsZero() || s.now().Before(s.expires)
}

// Token returns the current bearer token, or "" when not authenticated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.validLocked() {
		return ""
	}
	return s.token
}

// Subject returns the token's sub claim, if any.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// Ending reports whether a graceful logout is in progress.
func (s *Session) Ending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ending
}

// Subscribe returns lifecycle signals.
func (s *Session) Subscribe() (<-chan Signal, func()) {
	return s.signals.Subscribe()
}

// Login installs token and signals login.
func (s *Session) Login(token string) error {
	if err := s.install(token); err != nil {
		return err
	}
	s.mu.Lock()
	s.ending = false
	s.mu.Unlock()
	s.signals.Publish(Signal{Kind: SignalLogin})
	return nil
}

// Refresh replaces the token without touching sync state.
func (s *Session) Refresh(token string) error {
	s.mu.RLock()
	hadToken := s.token != ""
	s.mu.RUnlock()
	if !hadToken {
		return errors.NewInvalidRequest("cannot refresh a token while logged out")
	}
	if err := s.install(token); err != nil {
		return err
	}
	s.signals.Publish(Signal{Kind: SignalTokenRefresh})
	return nil
}

// Logout signals logout. force ends the session now; otherwise the token
// stays valid until End is called.
func (s *Session) Logout(force bool) {
	s.mu.Lock()
	if force {
		s.clearLocked()
	} else {
		s.ending = true
	}
	s.mu.Unlock()
	s.signals.Publish(Signal{Kind: SignalLogout, Force: force})
}

// End drops the token after a graceful logout has drained.
func (s *Session) End() {
	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
}

// Close stops signal delivery.
func (s *Session) Close() {
	s.signals.Close()
}

func (s *Session) clearLocked() {
	s.token = ""
	s.subject = ""
	s.expires = time.Time{}
	s.ending = false
}

func (s *Session) install(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.NewInvalidRequest("token is required")
	}
	subject, expires, err := parseClaims(token)
	if err != nil {
		return err
	}
	if !expires.IsZero() && !s.now().Before(expires) {
		return errors.NewInvalidRequest("token is expired")
	}

	s.mu.Lock()
	s.token = token
	s.subject = subject
	s.expires = expires
	s.mu.Unlock()
	return nil
}

// parseClaims reads sub and exp without verifying the signature; the remote
// service verifies. Opaque (non-JWT) tokens carry no claims.
func parseClaims(token string) (string, time.Time, error) {
	if strings.Count(token, ".") != 2 {
		return "", time.Time{}, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, errors.NewInvalidRequest("malformed token: " + err.Error())
	}
	subject, _ := claims.GetSubject()
	var expires time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.Time
	}
	return subject, expires, nil
}
