// Package call drives peer-to-peer call signaling over a shared session store.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSetupTimeout  = 45 * time.Second
	DefaultDeleteTimeout = 5 * time.Second
)

// Config tunes call setup
type Config struct {
	// SetupTimeout bounds the wait for the first remote track once the call
	// is ringing (initiator) or answered (responder). Negative disables it.
	SetupTimeout time.Duration
	// DeleteTimeout bounds the background removal of a finished call's record
	DeleteTimeout time.Duration
	Logger        *zerolog.Logger
}

// IncomingCall is a ringing session surfaced to the callee
type IncomingCall struct {
	SessionID string
	CallerID  string
	CalleeID  string
	CreatedAt time.Time
}

// sessionKey identifies one side of a call; a process serving many users
// may hold both sides of the same session
type sessionKey struct {
	id   string
	role models.Role
}

// Manager owns every signaling session of this process
type Manager struct {
	store  store.SessionStore
	relay  store.CandidateRelay
	media  media.Factory
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[sessionKey]*Session

	obsMu     sync.RWMutex
	nextObs   int
	observers map[int]func(StateChange)

	background sync.WaitGroup
}

// NewManager wires the session store, the candidate relay and the media stack
func NewManager(sessions store.SessionStore, relay store.CandidateRelay, factory media.Factory, cfg Config) *Manager {
	if cfg.SetupTimeout == 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = DefaultDeleteTimeout
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Manager{
		store:     sessions,
		relay:     relay,
		media:     factory,
		cfg:       cfg,
		logger:    logger.With().Str("component", "call").Logger(),
		sessions:  make(map[sessionKey]*Session),
		observers: make(map[int]func(StateChange)),
	}
}

// OriginateCall starts the initiator path and returns the new session id
// once the call is ringing
func (m *Manager) OriginateCall(ctx context.Context, local media.Stream, calleeID, callerID string) (string, error) {
	if calleeID == "" || callerID == "" {
		return "", errors.Wrap(ErrInvalidCall, "caller and callee are required")
	}
	if calleeID == callerID {
		return "", errors.Wrap(ErrInvalidCall, "cannot call yourself")
	}

	id := uuid.New().String()
	s := newSession(id, models.RoleInitiator, callerID, calleeID, nil, m.deps(), m.logger)

	m.mu.Lock()
	m.sessions[sessionKey{id, models.RoleInitiator}] = s
	m.mu.Unlock()
	go s.run()

	if err := s.start(ctx, local); err != nil {
		return "", err
	}
	return id, nil
}

// ListenForIncomingCalls surfaces each ringing call addressed to localID
// exactly once. A surfaced call can be accepted or declined with HangUp;
// if the caller gives up first, its session ends with ErrRemoteHangup.
func (m *Manager) ListenForIncomingCalls(ctx context.Context, localID string, onRinging func(IncomingCall)) (store.Unsubscribe, error) {
	if localID == "" {
		return nil, errors.Wrap(ErrInvalidCall, "local id is required")
	}

	return Listen(ctx, m.store, localID, func(rec *models.CallSession) {
		// The call is still offered; AcceptCall builds the responder from
		// the stored record when no session is being watched.
		if _, err := m.ensureResponder(rec); err != nil {
			m.logger.Warn().Err(err).Str("session_id", rec.ID).Msg("Cannot watch incoming call")
		}
		onRinging(IncomingCall{
			SessionID: rec.ID,
			CallerID:  rec.InitiatorID,
			CalleeID:  rec.ResponderID,
			CreatedAt: rec.CreatedAt,
		})
	})
}

// AcceptCall runs the responder path for a ringing session and returns once
// the answer is written
func (m *Manager) AcceptCall(ctx context.Context, sessionID string, local media.Stream) error {
	s, ok := m.Session(sessionID, models.RoleResponder)
	if !ok {
		rec, err := m.store.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownSession
		}
		if err != nil {
			return err
		}
		if rec.Status != models.CallStatusRinging {
			return errors.Wrapf(ErrInvalidState, "session is %s", rec.Status)
		}
		if s, err = m.ensureResponder(rec); err != nil {
			return err
		}
	}
	return s.start(ctx, local)
}

// HangUp ends every local side of a call. For a session this process does
// not hold, the shared record is removed directly so the other side still
// observes the hangup.
func (m *Manager) HangUp(ctx context.Context, sessionID string) error {
	var found bool
	for _, role := range []models.Role{models.RoleInitiator, models.RoleResponder} {
		if s, ok := m.Session(sessionID, role); ok {
			s.HangUp()
			found = true
		}
	}
	if found {
		return nil
	}
	return m.store.DeleteSession(ctx, sessionID)
}

// HangUpAs ends only the side of the call played by role
func (m *Manager) HangUpAs(ctx context.Context, sessionID string, role models.Role) error {
	if s, ok := m.Session(sessionID, role); ok {
		s.HangUp()
		return nil
	}
	return m.store.DeleteSession(ctx, sessionID)
}

// Session looks up one live side of a call
func (m *Manager) Session(id string, role models.Role) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey{id, role}]
	return s, ok
}

// Subscribe registers an observer for every state change of every session.
// Observers run on session loops and must not block or call HangUp.
func (m *Manager) Subscribe(fn func(StateChange)) func() {
	m.obsMu.Lock()
	m.nextObs++
	id := m.nextObs
	m.observers[id] = fn
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

// Close hangs up every session and waits for pending record deletions
func (m *Manager) Close() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.HangUp()
	}
	m.background.Wait()
}

// ensureResponder returns the responder session for rec, creating it and
// subscribing it to the record if this process has not seen it yet
func (m *Manager) ensureResponder(rec *models.CallSession) (*Session, error) {
	key := sessionKey{rec.ID, models.RoleResponder}
	if s, ok := m.Session(rec.ID, models.RoleResponder); ok {
		return s, nil
	}

	// Subscribed before the loop starts so a cancelled call is seen even if
	// it is never accepted
	s := newSession(rec.ID, models.RoleResponder, rec.InitiatorID, rec.ResponderID, rec, m.deps(), m.logger)
	if err := s.watchSession(); err != nil {
		s.cancel()
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		s.discard()
		return existing, nil
	}
	m.sessions[key] = s
	m.mu.Unlock()

	go s.run()
	return s, nil
}

func (m *Manager) deps() sessionDeps {
	return sessionDeps{
		store:         m.store,
		relay:         m.relay,
		media:         m.media,
		setupTimeout:  m.cfg.SetupTimeout,
		deleteTimeout: m.cfg.DeleteTimeout,
		notify:        m.onStateChange,
		background:    &m.background,
	}
}

func (m *Manager) onStateChange(change StateChange) {
	if change.State.Terminal() {
		m.mu.Lock()
		delete(m.sessions, sessionKey{change.SessionID, change.Role})
		m.mu.Unlock()
	}

	m.obsMu.RLock()
	observers := make([]func(StateChange), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.obsMu.RUnlock()

	for _, fn := range observers {
		fn(change)
	}
}
