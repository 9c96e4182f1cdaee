// Package session owns the credential/token lifecycle. It is the sole
// authority on whether a live connection may exist.
package session

import (
	"context"
	"os"
	"sync"

	"github.com/framefeed/opsync/creds"
	"github.com/framefeed/opsync/internal"
	"github.com/framefeed/opsync/pubsub"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// LiveState mirrors the live channel's view of the session connection.
type LiveState string

const (
	LiveAbsent       LiveState = "absent"
	LiveConnecting   LiveState = "connecting"
	LiveConnected    LiveState = "connected"
	LiveDisconnected LiveState = "disconnected"
	LiveFailed       LiveState = "failed"
)

// Identity is the authenticated operator profile.
type Identity struct {
	UserID      string
	DisplayName string
}

// Session is the one process-wide authenticated session: created on login,
// destroyed on logout or credential invalidation.
type Session struct {
	Identity Identity
	Token    string
	Live     LiveState
}

// Authenticator is the slice of the REST client the manager needs.
type Authenticator interface {
	Login(ctx context.Context, identity, secret string) (token, userID, displayName string, err error)
	WhoAmI(ctx context.Context, token string) (userID, displayName string, err error)
}

// Manager owns the Session and the persisted credential.
type Manager struct {
	auth     Authenticator
	creds    creds.Store
	notifier pubsub.Notifier

	mu      sync.Mutex
	current *Session
}

func NewManager(auth Authenticator, credStore creds.Store, notifier pubsub.Notifier) *Manager {
	return &Manager{auth: auth, creds: credStore, notifier: notifier}
}

// Login validates identity+secret against the authentication endpoint. On
// success the issued credential is persisted and authorizes both REST calls
// and the live channel handshake. On failure the session remains absent.
func (m *Manager) Login(ctx context.Context, identity, secret string) (*Session, error) {
	token, userID, displayName, err := m.auth.Login(ctx, identity, secret)
	if err != nil {
		return nil, err
	}
	if err := m.creds.Set(token); err != nil {
		// the session still works for this process lifetime
		logger.Warn().Err(err).Msg("failed to persist credential")
	}
	sess := &Session{
		Identity: Identity{UserID: userID, DisplayName: displayName},
		Token:    token,
		Live:     LiveConnecting,
	}
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	logger.Info().Str("user", userID).Msg("session created")
	m.notify("authenticated", userID)
	return m.snapshot(), nil
}

// Restore attempts silent revalidation of a persisted credential on process
// start. A rejected credential is cleared and reported absent, never
// silently treated as valid. A nil session with a nil error means no
// credential was persisted.
func (m *Manager) Restore(ctx context.Context) (*Session, error) {
	token, err := m.creds.Get()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}
	userID, displayName, err := m.auth.WhoAmI(ctx, token)
	if err != nil {
		if internal.IsInvalidCredential(err) {
			logger.Info().Msg("persisted credential rejected, clearing")
			m.creds.Clear()
			return nil, nil
		}
		// unreachable backend is not a rejection: keep the credential
		return nil, err
	}
	sess := &Session{
		Identity: Identity{UserID: userID, DisplayName: displayName},
		Token:    token,
		Live:     LiveConnecting,
	}
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
	logger.Info().Str("user", userID).Msg("session restored")
	m.notify("authenticated", userID)
	return m.snapshot(), nil
}

// Logout invalidates the local credential and destroys the session. The
// core guarantees the channel, pollers and store are torn down first.
func (m *Manager) Logout() {
	m.mu.Lock()
	user := ""
	if m.current != nil {
		user = m.current.Identity.UserID
	}
	m.current = nil
	m.mu.Unlock()
	if err := m.creds.Clear(); err != nil {
		logger.Warn().Err(err).Msg("failed to clear persisted credential")
	}
	logger.Info().Str("user", user).Msg("session destroyed")
	m.notify("absent", user)
}

// Current returns a copy of the session, or nil when absent.
func (m *Manager) Current() *Session {
	return m.snapshot()
}

// Token returns the current bearer credential, or "" when logged out.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.Token
}

// SetLiveState records the channel's connection state on the session.
func (m *Manager) SetLiveState(state LiveState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	m.current.Live = state
}

func (m *Manager) snapshot() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	s := *m.current
	return &s
}

func (m *Manager) notify(state, userID string) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Notify(pubsub.ChanStatus, &pubsub.SessionUpdate{State: state, UserID: userID})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to publish session update")
	}
}
