package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/store"
)

var errRejected = errors.New("rejected by media stack")

type fakeStream struct {
	id    string
	stops atomic.Int32
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Stop() { s.stops.Add(1) }

func (s *fakeStream) stopped() bool { return s.stops.Load() > 0 }

// fakePeer behaves like a peer connection that enforces the remote
// description before candidates rule
type fakePeer struct {
	label      string
	candidates []string
	failOn     map[string]error

	mu          sync.Mutex
	remoteDescs []models.SessionDescription
	added       []models.Candidate
	localDesc   *models.SessionDescription
	onCandidate func(models.Candidate)
	onTrack     func(media.Stream)
	closes      int
}

func (p *fakePeer) command(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return fmt.Errorf("%s: peer connection closed", name)
	}
	return p.failOn[name]
}

func (p *fakePeer) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if err := p.command("CreateOffer"); err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: "offer", SDP: "offer-" + p.label}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if err := p.command("CreateAnswer"); err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: "answer", SDP: "answer-" + p.label}, nil
}

func (p *fakePeer) SetLocalDescription(ctx context.Context, desc models.SessionDescription) error {
	if err := p.command("SetLocalDescription"); err != nil {
		return err
	}
	p.mu.Lock()
	p.localDesc = &desc
	emit := p.onCandidate
	p.mu.Unlock()

	if emit != nil && len(p.candidates) > 0 {
		go func() {
			for _, c := range p.candidates {
				emit(models.Candidate{Candidate: c})
			}
		}()
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error {
	if err := p.command("SetRemoteDescription"); err != nil {
		return err
	}
	p.mu.Lock()
	p.remoteDescs = append(p.remoteDescs, desc)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddICECandidate(ctx context.Context, c models.Candidate) error {
	if err := p.command("AddICECandidate"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.remoteDescs) == 0 {
		return errors.New("remote description not set")
	}
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) AddLocalTracks(stream media.Stream) error {
	return p.command("AddLocalTracks")
}

func (p *fakePeer) OnLocalCandidate(fn func(models.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteTrack(fn func(media.Stream)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

// emitTrack simulates the first remote track arriving
func (p *fakePeer) emitTrack() {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(&fakeStream{id: "remote-" + p.label})
}

func (p *fakePeer) remoteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remoteDescs)
}

func (p *fakePeer) addedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.added))
	for _, c := range p.added {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeFactory struct {
	label      string
	candidates []string
	failOn     map[string]error
	err        error

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeerConnection() (media.PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{
		label:      fmt.Sprintf("%s-%d", f.label, len(f.peers)),
		candidates: f.candidates,
		failOn:     f.failOn,
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakeFactory) peer(t *testing.T) *fakePeer {
	t.Helper()
	var p *fakePeer
	eventually(t, "peer connection created", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.peers) == 0 {
			return false
		}
		p = f.peers[len(f.peers)-1]
		return true
	})
	return p
}

// countingStore wraps a Store to count subscriptions and their releases,
// to re-deliver snapshots, and to inject failures
type countingStore struct {
	store.Store

	failCreate     error
	failAfterWrite error
	failSubscribes atomic.Int32
	updates        atomic.Int32

	mu         sync.Mutex
	subscribed int
	released   map[int]int
	listeners  map[string][]func(*models.CallSession)
}

func newCountingStore() *countingStore {
	return &countingStore{
		Store:     store.NewMemoryStore(),
		released:  make(map[int]int),
		listeners: make(map[string][]func(*models.CallSession)),
	}
}

func (s *countingStore) track(unsub store.Unsubscribe) store.Unsubscribe {
	s.mu.Lock()
	s.subscribed++
	handle := s.subscribed
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.released[handle]++
		s.mu.Unlock()
		unsub()
	}
}

func (s *countingStore) CreateSession(ctx context.Context, session *models.CallSession) (string, error) {
	if s.failCreate != nil {
		return "", s.failCreate
	}
	id, err := s.Store.CreateSession(ctx, session)
	if err == nil && s.failAfterWrite != nil {
		return "", s.failAfterWrite
	}
	return id, err
}

func (s *countingStore) UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error {
	s.updates.Add(1)
	return s.Store.UpdateSession(ctx, id, update)
}

func (s *countingStore) SubscribeSession(ctx context.Context, id string, onChange func(*models.CallSession)) (store.Unsubscribe, error) {
	if s.failSubscribes.Add(-1) >= 0 {
		return nil, &store.UnavailableError{Op: "subscribe session", Err: errors.New("connection reset")}
	}
	unsub, err := s.Store.SubscribeSession(ctx, id, onChange)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listeners[id] = append(s.listeners[id], onChange)
	s.mu.Unlock()
	return s.track(unsub), nil
}

func (s *countingStore) SubscribeCandidates(ctx context.Context, sessionID string, role models.Role, onCandidate func(models.Candidate)) (store.Unsubscribe, error) {
	unsub, err := s.Store.SubscribeCandidates(ctx, sessionID, role, onCandidate)
	if err != nil {
		return nil, err
	}
	return s.track(unsub), nil
}

// redeliver replays rec to every session subscriber of its id
func (s *countingStore) redeliver(rec *models.CallSession) {
	s.mu.Lock()
	fns := slices.Clone(s.listeners[rec.ID])
	s.mu.Unlock()
	for _, fn := range fns {
		fn(rec.Clone())
	}
}

// releases reports how many subscriptions exist and how many were released
// exactly once; a handle released twice fails the test
func (s *countingStore) releases(t *testing.T) (subscribed, released int) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, n := range s.released {
		if n != 1 {
			t.Fatalf("subscription %d released %d times", handle, n)
		}
	}
	return s.subscribed, len(s.released)
}

// changeLog records every StateChange of a manager
type changeLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *changeLog) record(c StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) find(id string, role models.Role, st State) (StateChange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.changes {
		if c.SessionID == id && c.Role == role && c.State == st {
			return c, true
		}
	}
	return StateChange{}, false
}

func (l *changeLog) wait(t *testing.T, id string, role models.Role, st State) StateChange {
	t.Helper()
	var got StateChange
	eventually(t, fmt.Sprintf("%s %s reaches %s", id, role, st), func() bool {
		c, ok := l.find(id, role, st)
		got = c
		return ok
	})
	return got
}

func (l *changeLog) terminalCount(id string, role models.Role) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.changes {
		if c.SessionID == id && c.Role == role && c.State.Terminal() {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// peerSetup is one participant: a manager over the shared store with its
// own media factory
type peerSetup struct {
	name    string
	calls   <-chan IncomingCall
	manager *Manager
	factory *fakeFactory
	log     *changeLog
}

func newPeerSetup(t *testing.T, s *countingStore, label string, cfg Config) *peerSetup {
	t.Helper()
	if cfg.SetupTimeout == 0 {
		cfg.SetupTimeout = -1
	}
	f := &fakeFactory{label: label}
	m := NewManager(s, s, f, cfg)
	l := &changeLog{}
	m.Subscribe(l.record)
	t.Cleanup(m.Close)
	return &peerSetup{name: label, manager: m, factory: f, log: l}
}

// listen subscribes the callee and returns a channel of surfaced calls
func (p *peerSetup) listen(t *testing.T, localID string) <-chan IncomingCall {
	t.Helper()
	calls := make(chan IncomingCall, 8)
	unsub, err := p.manager.ListenForIncomingCalls(context.Background(), localID, func(c IncomingCall) {
		calls <- c
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(unsub)
	return calls
}

// incoming starts listening as this participant on first use
func (p *peerSetup) incoming(t *testing.T) <-chan IncomingCall {
	t.Helper()
	if p.calls == nil {
		p.calls = p.listen(t, p.name)
	}
	return p.calls
}

func nextCall(t *testing.T, calls <-chan IncomingCall) IncomingCall {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no incoming call")
	}
	return IncomingCall{}
}
