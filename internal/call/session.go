package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/queue"
	"github.com/mossy-p/call-signaling/internal/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// sessionDeps are the collaborators a Session drives
type sessionDeps struct {
	store         store.SessionStore
	relay         store.CandidateRelay
	media         media.Factory
	setupTimeout  time.Duration
	deleteTimeout time.Duration
	notify        func(StateChange)
	background    *sync.WaitGroup
}

// Session drives one call from initiation to termination. All negotiation
// state is owned by a single run loop; store subscriptions and media
// callbacks only enqueue events.
type Session struct {
	id          string
	role        models.Role
	initiatorID string
	responderID string
	deps        sessionDeps
	logger      zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	events  *queue.Queue[any]
	done    chan struct{}
	hangup  sync.Once
	closing atomic.Bool

	mu     sync.RWMutex
	state  State
	err    error
	remote media.Stream

	// Loop-owned from here on
	pc            media.PeerConnection
	local         media.Stream
	known         *models.CallSession
	recordExists  bool
	remoteApplied bool
	publishLocal  bool
	pending       candidateBuffer
	unsubs        []store.Unsubscribe
	timer         *time.Timer
}

func newSession(id string, role models.Role, initiatorID, responderID string, known *models.CallSession, deps sessionDeps, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:           id,
		role:         role,
		initiatorID:  initiatorID,
		responderID:  responderID,
		deps:         deps,
		logger:       logger.With().Str("session_id", id).Str("role", string(role)).Logger(),
		ctx:          ctx,
		cancel:       cancel,
		events:       queue.New[any](),
		done:         make(chan struct{}),
		known:        known.Clone(),
		recordExists: known != nil,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Role() models.Role { return s.role }

func (s *Session) InitiatorID() string { return s.initiatorID }

func (s *Session) ResponderID() string { return s.responderID }

// State is the current local state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err is the terminal cause, if any
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// RemoteStream is the first track received from the other side, or nil
func (s *Session) RemoteStream() media.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// Done is closed once the session is torn down
func (s *Session) Done() <-chan struct{} { return s.done }

// start runs the role's setup path with the given local media and waits
// for it to finish. Setup errors are returned here; later failures only
// show up as state changes.
func (s *Session) start(ctx context.Context, local media.Stream) error {
	reply := make(chan error, 1)
	if !s.events.Push(startEvent{local: local, reply: reply}) {
		return ErrCallEnded
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrCallEnded
		}
	case <-ctx.Done():
		s.HangUp()
		return ctx.Err()
	}
}

// HangUp ends the session from any state. It returns once local media is
// stopped and every subscription is released; deleting the shared record
// happens in the background. Concurrent and repeated calls are no-ops.
// It must not be called from a StateChange observer.
func (s *Session) HangUp() {
	s.hangup.Do(func() {
		s.closing.Store(true)
		s.events.Push(hangupEvent{})
		// Interrupt whatever store or media call the loop is blocked in
		s.cancel()
	})
	<-s.done
}

// discard releases a session whose loop never started
func (s *Session) discard() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.cancel()
}

func (s *Session) run() {
	defer close(s.done)

	for {
		ev, ok := s.events.Pop()
		if !ok {
			return
		}

		switch e := ev.(type) {
		case startEvent:
			var err error
			if s.role == models.RoleInitiator {
				err = s.originate(e.local)
			} else {
				err = s.accept(e.local)
			}
			e.reply <- err
		case snapshotEvent:
			s.onSnapshot(e.session)
		case remoteCandidateEvent:
			s.onRemoteCandidate(e.candidate)
		case localCandidateEvent:
			s.onLocalCandidate(e.candidate)
		case remoteTrackEvent:
			s.onRemoteTrack(e.stream)
		case timeoutEvent:
			if st := s.State(); st != StateActive && !st.Terminal() {
				s.fail(ErrSetupTimeout)
			}
		case hangupEvent:
			s.finish(StateEnded, nil, true)
		}

		if s.State().Terminal() {
			return
		}
	}
}

// originate is the initiator path: New -> Offering -> Ringing
func (s *Session) originate(local media.Stream) error {
	if s.State() != StateNew {
		return ErrInvalidState
	}
	s.setState(StateOffering, nil)

	if err := s.openPeer(local); err != nil {
		return s.fail(err)
	}
	offer, err := s.pc.CreateOffer(s.ctx)
	if err != nil {
		return s.fail(negotiation("create offer", err))
	}
	if err := s.pc.SetLocalDescription(s.ctx, offer); err != nil {
		return s.fail(negotiation("set local offer", err))
	}

	record := &models.CallSession{
		ID:          s.id,
		InitiatorID: s.initiatorID,
		ResponderID: s.responderID,
		Offer:       &offer,
		Status:      models.CallStatusRinging,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := s.deps.store.CreateSession(s.ctx, record); err != nil {
		// A store that failed mid-write may still hold the record; the
		// teardown delete is idempotent.
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrInvalid) {
			s.recordExists = true
		}
		return s.fail(errors.Wrap(err, "create call session"))
	}
	s.known = record
	s.recordExists = true
	s.setState(StateRinging, nil)

	s.publishLocal = true
	s.watchCandidates()
	if err := s.watchSession(); err != nil {
		return s.fail(err)
	}
	s.armSetupTimer()

	s.logger.Info().Str("callee", s.responderID).Msg("Call ringing")
	return nil
}

// accept is the responder path: New -> Offering -> Answered
func (s *Session) accept(local media.Stream) error {
	if s.State() != StateNew {
		return ErrInvalidState
	}
	if s.known == nil || s.known.Offer == nil {
		return ErrInvalidState
	}
	s.setState(StateOffering, nil)

	if err := s.openPeer(local); err != nil {
		return s.fail(err)
	}
	if err := s.applyRemote(*s.known.Offer); err != nil {
		return s.fail(err)
	}
	answer, err := s.pc.CreateAnswer(s.ctx)
	if err != nil {
		return s.fail(negotiation("create answer", err))
	}
	if err := s.pc.SetLocalDescription(s.ctx, answer); err != nil {
		return s.fail(negotiation("set local answer", err))
	}

	answered := models.CallStatusAnswered
	err = s.deps.store.UpdateSession(s.ctx, s.id, models.SessionUpdate{Answer: &answer, Status: &answered})
	if errors.Is(err, store.ErrNotFound) {
		s.recordExists = false
		s.finish(StateEnded, ErrRemoteHangup, false)
		return ErrCallEnded
	}
	if err != nil {
		return s.fail(errors.Wrap(err, "write answer"))
	}
	s.known.Answer = &answer
	s.known.Status = answered
	s.setState(StateAnswered, nil)

	s.publishLocal = true
	s.watchCandidates()
	s.armSetupTimer()
	s.maybeActivate()

	s.logger.Info().Str("caller", s.initiatorID).Msg("Call answered")
	return nil
}

func (s *Session) openPeer(local media.Stream) error {
	pc, err := s.deps.media.NewPeerConnection()
	if err != nil {
		return negotiation("create peer connection", err)
	}
	s.pc = pc
	s.local = local

	pc.OnLocalCandidate(func(c models.Candidate) {
		s.events.Push(localCandidateEvent{candidate: c})
	})
	pc.OnRemoteTrack(func(stream media.Stream) {
		s.events.Push(remoteTrackEvent{stream: stream})
	})

	if local != nil {
		if err := pc.AddLocalTracks(local); err != nil {
			return negotiation("add local tracks", err)
		}
	}
	return nil
}

// watchSession follows the shared record; used for the answer and for
// remote hangups
func (s *Session) watchSession() error {
	unsub, err := s.deps.store.SubscribeSession(s.ctx, s.id, func(rec *models.CallSession) {
		s.events.Push(snapshotEvent{session: rec})
	})
	if err != nil {
		return errors.Wrap(err, "subscribe call session")
	}
	s.unsubs = append(s.unsubs, unsub)
	return nil
}

// watchCandidates follows the other side's candidates. Failure only costs
// connectivity, so it is not fatal.
func (s *Session) watchCandidates() {
	unsub, err := s.deps.relay.SubscribeCandidates(s.ctx, s.id, s.role.Opposite(), func(c models.Candidate) {
		s.events.Push(remoteCandidateEvent{candidate: c})
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Remote candidates unavailable")
		return
	}
	s.unsubs = append(s.unsubs, unsub)
}

func (s *Session) onSnapshot(rec *models.CallSession) {
	if s.State().Terminal() {
		return
	}
	if rec == nil {
		s.recordExists = false
		s.finish(StateEnded, ErrRemoteHangup, false)
		return
	}
	if rec.Status == models.CallStatusEnded {
		s.finish(StateEnded, ErrRemoteHangup, true)
		return
	}
	// Our own writes echo back through the subscription, and a baseline
	// may trail a write we already made
	if s.known.Equal(rec) || !newer(s.known, rec) {
		return
	}
	s.known = rec.Clone()

	if s.role != models.RoleInitiator || rec.Answer == nil || s.remoteApplied {
		return
	}
	if err := s.applyRemote(*rec.Answer); err != nil {
		s.fail(err)
		return
	}
	s.setState(StateAnswered, nil)
	s.maybeActivate()
}

// newer reports whether rec carries negotiation state known lacks
func newer(known, rec *models.CallSession) bool {
	if known == nil {
		return true
	}
	return known.Status.Advances(rec.Status) || (known.Answer == nil && rec.Answer != nil)
}

// applyRemote sets the remote description once and flushes candidates
// that arrived before it
func (s *Session) applyRemote(desc models.SessionDescription) error {
	if s.remoteApplied {
		return nil
	}
	if err := s.pc.SetRemoteDescription(s.ctx, desc); err != nil {
		return negotiation("set remote "+desc.Type, err)
	}
	s.remoteApplied = true

	if n := s.pending.len(); n > 0 {
		s.logger.Debug().Int("count", n).Msg("Flushing early remote candidates")
	}
	buffered := s.pending.drain()
	for _, c := range buffered {
		if err := s.pc.AddICECandidate(s.ctx, c); err != nil {
			return negotiation("add ice candidate", err)
		}
	}
	return nil
}

func (s *Session) onRemoteCandidate(c models.Candidate) {
	if !s.remoteApplied {
		s.pending.add(c)
		return
	}
	if err := s.pc.AddICECandidate(s.ctx, c); err != nil {
		s.fail(negotiation("add ice candidate", err))
	}
}

func (s *Session) onLocalCandidate(c models.Candidate) {
	if !s.publishLocal {
		return
	}
	if err := s.deps.relay.AppendCandidate(s.ctx, s.id, s.role, c); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to relay local candidate")
	}
}

func (s *Session) onRemoteTrack(stream media.Stream) {
	s.mu.Lock()
	if s.remote == nil {
		s.remote = stream
	}
	s.mu.Unlock()
	s.maybeActivate()
}

// maybeActivate moves Answered -> Active once media has arrived
func (s *Session) maybeActivate() {
	if s.State() != StateAnswered || s.RemoteStream() == nil {
		return
	}
	s.stopSetupTimer()
	s.setState(StateActive, nil)
	s.logger.Info().Msg("Call active")
}

func (s *Session) armSetupTimer() {
	if s.deps.setupTimeout <= 0 || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.deps.setupTimeout, func() {
		s.events.Push(timeoutEvent{})
	})
}

func (s *Session) stopSetupTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// fail tears the session down after a fatal error and returns the error
// the setup caller should see
func (s *Session) fail(err error) error {
	if s.closing.Load() {
		s.finish(StateEnded, nil, true)
		return ErrCallEnded
	}
	s.logger.Warn().Err(err).Str("state", s.State().String()).Msg("Call failed")
	s.finish(StateFailed, err, true)
	return err
}

// finish is the only path into a terminal state. Every subscription is
// released exactly once, local media is stopped, then the shared record
// is removed in the background.
func (s *Session) finish(final State, cause error, deleteRecord bool) {
	if s.State().Terminal() {
		return
	}

	s.stopSetupTimer()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	if s.pc != nil {
		if err := s.pc.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Peer connection close failed")
		}
	}
	if s.local != nil {
		s.local.Stop()
	}
	s.events.Close()
	s.cancel()

	if deleteRecord && s.recordExists {
		s.deleteRecord()
	}

	s.setState(final, cause)
	s.logger.Info().Str("state", final.String()).AnErr("cause", cause).Msg("Call finished")
}

func (s *Session) deleteRecord() {
	s.recordExists = false
	if s.deps.background != nil {
		s.deps.background.Add(1)
	}
	go func() {
		if s.deps.background != nil {
			defer s.deps.background.Done()
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.deleteTimeout)
		defer cancel()
		if err := s.deps.store.DeleteSession(ctx, s.id); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete call session")
		}
	}()
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.err = err
	s.mu.Unlock()

	if s.deps.notify != nil {
		s.deps.notify(StateChange{
			SessionID:   s.id,
			InitiatorID: s.initiatorID,
			ResponderID: s.responderID,
			Role:        s.role,
			State:       st,
			Err:         err,
		})
	}
}
