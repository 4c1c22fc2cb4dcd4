package store

import (
	"context"
	"sync"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pkg/errors"
)

var errClosed = errors.New("store closed")

type candidateKey struct {
	sessionID string
	role      models.Role
}

// MemoryStore is an in-process Store. Both peers must live in the same
// process; it backs tests and single-node development.
type MemoryStore struct {
	mu            sync.Mutex
	closed        bool
	nextSub       int
	sessions      map[string]*models.CallSession
	sessionSubs   map[string]map[int]*mailbox[*models.CallSession]
	incomingSubs  map[string]map[int]*mailbox[*models.CallSession]
	candidates    map[candidateKey][]models.Candidate
	candidateSubs map[candidateKey]map[int]*mailbox[models.Candidate]
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*models.CallSession),
		sessionSubs:   make(map[string]map[int]*mailbox[*models.CallSession]),
		incomingSubs:  make(map[string]map[int]*mailbox[*models.CallSession]),
		candidates:    make(map[candidateKey][]models.Candidate),
		candidateSubs: make(map[candidateKey]map[int]*mailbox[models.Candidate]),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, session *models.CallSession) (string, error) {
	if err := validateNew(session); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", unavailable("create session", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", unavailable("create session", errClosed)
	}
	if _, exists := s.sessions[session.ID]; exists {
		return "", errors.Wrapf(ErrConflict, "session %s already exists", session.ID)
	}

	stored := session.Clone()
	s.sessions[stored.ID] = stored
	s.publishLocked(stored)
	return stored.ID, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get session", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("get session", errClosed)
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

func (s *MemoryStore) UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error {
	if err := ctx.Err(); err != nil {
		return unavailable("update session", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("update session", errClosed)
	}
	current, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}

	next := current.Clone()
	changed, err := applyUpdate(next, update)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.sessions[id] = next
	s.publishLocked(next)
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete session", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("delete session", errClosed)
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil
	}
	delete(s.sessions, id)
	for _, role := range []models.Role{models.RoleInitiator, models.RoleResponder} {
		delete(s.candidates, candidateKey{id, role})
	}

	for _, mb := range s.sessionSubs[id] {
		mb.push(nil)
	}
	// Incoming subscribers see the record leave as an ended session
	tombstone := session.Clone()
	tombstone.Status = models.CallStatusEnded
	for _, mb := range s.incomingSubs[session.ResponderID] {
		mb.push(tombstone.Clone())
	}
	return nil
}

func (s *MemoryStore) publishLocked(session *models.CallSession) {
	for _, mb := range s.sessionSubs[session.ID] {
		mb.push(session.Clone())
	}
	for _, mb := range s.incomingSubs[session.ResponderID] {
		mb.push(session.Clone())
	}
}

func (s *MemoryStore) SubscribeSession(ctx context.Context, id string, onChange func(*models.CallSession)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("subscribe session", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("subscribe session", errClosed)
	}

	mb := newMailbox(onChange)
	// Baseline first; later writes queue behind it
	mb.push(s.sessions[id].Clone())
	subID := s.register(s.sessionSubs, id, mb)

	return s.unsubscriber(func() {
		delete(s.sessionSubs[id], subID)
		if len(s.sessionSubs[id]) == 0 {
			delete(s.sessionSubs, id)
		}
		mb.close()
	}), nil
}

func (s *MemoryStore) SubscribeIncoming(ctx context.Context, localID string, onSession func(*models.CallSession)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("subscribe incoming", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("subscribe incoming", errClosed)
	}

	mb := newMailbox(onSession)
	for _, session := range s.sessions {
		if session.ResponderID == localID {
			mb.push(session.Clone())
		}
	}
	subID := s.register(s.incomingSubs, localID, mb)

	return s.unsubscriber(func() {
		delete(s.incomingSubs[localID], subID)
		if len(s.incomingSubs[localID]) == 0 {
			delete(s.incomingSubs, localID)
		}
		mb.close()
	}), nil
}

func (s *MemoryStore) AppendCandidate(ctx context.Context, sessionID string, role models.Role, candidate models.Candidate) error {
	if err := ctx.Err(); err != nil {
		return unavailable("append candidate", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("append candidate", errClosed)
	}
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}

	key := candidateKey{sessionID, role}
	s.candidates[key] = append(s.candidates[key], candidate)
	for _, mb := range s.candidateSubs[key] {
		mb.push(candidate)
	}
	return nil
}

func (s *MemoryStore) SubscribeCandidates(ctx context.Context, sessionID string, role models.Role, onCandidate func(models.Candidate)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("subscribe candidates", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("subscribe candidates", errClosed)
	}

	key := candidateKey{sessionID, role}
	mb := newMailbox(onCandidate)
	for _, c := range s.candidates[key] {
		mb.push(c)
	}

	subs, ok := s.candidateSubs[key]
	if !ok {
		subs = make(map[int]*mailbox[models.Candidate])
		s.candidateSubs[key] = subs
	}
	s.nextSub++
	subID := s.nextSub
	subs[subID] = mb

	return s.unsubscriber(func() {
		delete(s.candidateSubs[key], subID)
		if len(s.candidateSubs[key]) == 0 {
			delete(s.candidateSubs, key)
		}
		mb.close()
	}), nil
}

// Close stops every subscription and rejects further operations
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, subs := range s.sessionSubs {
		for _, mb := range subs {
			mb.close()
		}
	}
	for _, subs := range s.incomingSubs {
		for _, mb := range subs {
			mb.close()
		}
	}
	for _, subs := range s.candidateSubs {
		for _, mb := range subs {
			mb.close()
		}
	}
	s.sessionSubs = make(map[string]map[int]*mailbox[*models.CallSession])
	s.incomingSubs = make(map[string]map[int]*mailbox[*models.CallSession])
	s.candidateSubs = make(map[candidateKey]map[int]*mailbox[models.Candidate])
	return nil
}

func (s *MemoryStore) register(subs map[string]map[int]*mailbox[*models.CallSession], key string, mb *mailbox[*models.CallSession]) int {
	m, ok := subs[key]
	if !ok {
		m = make(map[int]*mailbox[*models.CallSession])
		subs[key] = m
	}
	s.nextSub++
	m[s.nextSub] = mb
	return s.nextSub
}

func (s *MemoryStore) unsubscriber(remove func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			remove()
		})
	}
}
