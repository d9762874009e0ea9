package clinicsync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clinicstack/clinicsync/internal/realtime"
)

// Session is the authentication state attached to a client handle.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the session can back data operations right now.
func (s Session) Valid() bool {
	if s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || time.Now().Before(s.ExpiresAt)
}

// SessionAPI is the external session issuer. RefreshSession honors the
// deadline on its context.
type SessionAPI interface {
	GetSession(ctx context.Context) (Session, error)
	RefreshSession(ctx context.Context) (Session, error)
}

// Handle bundles the remote collaborators behind one replaceable client
// identity. A reinitialization swaps the whole handle.
type Handle struct {
	Store    RemoteStore
	Sessions SessionAPI
	Feed     realtime.Feed
}

// HandleFactory builds a fresh handle when the current one appears wedged.
type HandleFactory func(ctx context.Context) (*Handle, error)

// HandleRef is the atomic current-handle indirection: components fetch the
// handle at each use instead of caching it, so a swap mid-cycle is visible
// to every in-flight caller.
type HandleRef struct {
	p atomic.Pointer[Handle]
}

func NewHandleRef(h *Handle) *HandleRef {
	ref := &HandleRef{}
	if h != nil {
		ref.p.Store(h)
	}
	return ref
}

func (r *HandleRef) Current() *Handle {
	return r.p.Load()
}

func (r *HandleRef) Replace(h *Handle) {
	if h != nil {
		r.p.Store(h)
	}
}

// SessionStatus is the session guard verdict for one cycle.
type SessionStatus int

const (
	SessionUnknown SessionStatus = iota
	SessionValid
	SessionRefreshed
	SessionReinitialized
	SessionExpiredStatus
)

func (s SessionStatus) String() string {
	switch s {
	case SessionValid:
		return "valid"
	case SessionRefreshed:
		return "refreshed"
	case SessionReinitialized:
		return "reinitialized"
	case SessionExpiredStatus:
		return "expired"
	}
	return "unknown"
}

// SessionGuard verifies and refreshes the session before any data operation.
// A refresh failure with a transport-timeout signature escalates to a full
// handle recreation; any other refresh failure is terminal for the cycle.
type SessionGuard struct {
	ref            *HandleRef
	factory        HandleFactory
	refreshTimeout time.Duration
	logger         *logrus.Logger
}

func NewSessionGuard(ref *HandleRef, factory HandleFactory, refreshTimeout time.Duration, logger *logrus.Logger) *SessionGuard {
	if refreshTimeout <= 0 {
		refreshTimeout = defaultRefreshTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &SessionGuard{
		ref:            ref,
		factory:        factory,
		refreshTimeout: refreshTimeout,
		logger:         logger,
	}
}

// Ensure returns a non-expired status, or SessionExpiredStatus together with
// the terminal error the caller must surface. After SessionReinitialized the
// replacement handle is already installed in the ref.
func (g *SessionGuard) Ensure(ctx context.Context) (SessionStatus, error) {
	handle := g.ref.Current()
	if handle == nil {
		return SessionExpiredStatus, fmt.Errorf("%w: no client handle", ErrSessionExpired)
	}

	session, err := handle.Sessions.GetSession(ctx)
	if err == nil && session.Valid() {
		return SessionValid, nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, g.refreshTimeout)
	session, err = handle.Sessions.RefreshSession(refreshCtx)
	cancel()
	if err == nil && session.Valid() {
		return SessionRefreshed, nil
	}
	if err == nil {
		return SessionExpiredStatus, fmt.Errorf("%w: refresh returned unusable session", ErrSessionExpired)
	}

	if !isTransportTimeout(err) {
		return SessionExpiredStatus, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}

	// Transport looks wedged: discard the handle, build a fresh one, and
	// re-verify the session exactly once.
	g.logger.WithError(err).Warn("session refresh timed out; reinitializing client handle")
	if g.factory == nil {
		return SessionExpiredStatus, fmt.Errorf("%w: no handle factory configured", ErrReinitFailed)
	}
	fresh, factoryErr := g.factory(ctx)
	if factoryErr != nil || fresh == nil {
		if factoryErr == nil {
			factoryErr = fmt.Errorf("factory returned nil handle")
		}
		return SessionExpiredStatus, fmt.Errorf("%w: %v", ErrReinitFailed, factoryErr)
	}
	g.ref.Replace(fresh)

	session, err = fresh.Sessions.GetSession(ctx)
	if err != nil || !session.Valid() {
		if err == nil {
			err = fmt.Errorf("session invalid after reinitialization")
		}
		return SessionExpiredStatus, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return SessionReinitialized, nil
}
