package store

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pkg/errors"
)

// These checks run against every Store implementation.

type recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

func (r *recorder[T]) waitLen(t *testing.T, n int) []T {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := r.snapshot()
	t.Fatalf("got %d values, want %d: %+v", len(got), n, got)
	return nil
}

func newSession(id string) *models.CallSession {
	return &models.CallSession{
		ID:          id,
		InitiatorID: "alice",
		ResponderID: "bob",
		Offer:       &models.SessionDescription{Type: "offer", SDP: "o-" + id},
		Status:      models.CallStatusRinging,
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func candidate(s string) models.Candidate {
	return models.Candidate{Candidate: s}
}

func testSessionLifecycle(t *testing.T, s Store) {
	ctx := context.Background()

	id, err := s.CreateSession(ctx, newSession("s1"))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "s1" {
		t.Fatalf("id=%q, want s1", id)
	}
	if _, err := s.CreateSession(ctx, newSession("s1")); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create err=%v, want ErrConflict", err)
	}

	answered := models.CallStatusAnswered
	answer := &models.SessionDescription{Type: "answer", SDP: "a1"}
	if err := s.UpdateSession(ctx, "s1", models.SessionUpdate{Answer: answer, Status: &answered}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != models.CallStatusAnswered || got.Answer == nil || got.Answer.SDP != "a1" {
		t.Fatalf("unexpected session after answer: %+v", got)
	}
	if got.Offer == nil || got.Offer.SDP != "o-s1" {
		t.Fatalf("offer changed: %+v", got.Offer)
	}

	// Status never regresses
	ringing := models.CallStatusRinging
	if err := s.UpdateSession(ctx, "s1", models.SessionUpdate{Status: &ringing}); err != nil {
		t.Fatalf("regressing update: %v", err)
	}
	if got, _ := s.GetSession(ctx, "s1"); got.Status != models.CallStatusAnswered {
		t.Fatalf("status=%q after regression attempt, want answered", got.Status)
	}

	// Answer is write-once; re-writing the same one is a no-op
	if err := s.UpdateSession(ctx, "s1", models.SessionUpdate{Answer: answer}); err != nil {
		t.Fatalf("idempotent answer: %v", err)
	}
	other := &models.SessionDescription{Type: "answer", SDP: "a2"}
	if err := s.UpdateSession(ctx, "s1", models.SessionUpdate{Answer: other}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second answer err=%v, want ErrConflict", err)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("second DeleteSession: %v", err)
	}
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession after delete err=%v, want ErrNotFound", err)
	}
	if err := s.UpdateSession(ctx, "s1", models.SessionUpdate{Status: &answered}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateSession after delete err=%v, want ErrNotFound", err)
	}
}

func testSubscribeSession(t *testing.T, s Store) {
	ctx := context.Background()

	var missing recorder[*models.CallSession]
	unsubMissing, err := s.SubscribeSession(ctx, "nope", missing.add)
	if err != nil {
		t.Fatalf("SubscribeSession: %v", err)
	}
	defer unsubMissing()
	if got := missing.waitLen(t, 1); got[0] != nil {
		t.Fatalf("baseline of absent record=%+v, want nil", got[0])
	}

	if _, err := s.CreateSession(ctx, newSession("s2")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var changes recorder[*models.CallSession]
	unsub, err := s.SubscribeSession(ctx, "s2", changes.add)
	if err != nil {
		t.Fatalf("SubscribeSession: %v", err)
	}
	defer unsub()

	got := changes.waitLen(t, 1)
	if got[0] == nil || got[0].Status != models.CallStatusRinging {
		t.Fatalf("baseline=%+v, want ringing record", got[0])
	}

	answered := models.CallStatusAnswered
	if err := s.UpdateSession(ctx, "s2", models.SessionUpdate{
		Answer: &models.SessionDescription{Type: "answer", SDP: "a"},
		Status: &answered,
	}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "s2"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	got = changes.waitLen(t, 3)
	last := got[len(got)-1]
	if last != nil {
		t.Fatalf("last delivery=%+v, want nil (deleted)", last)
	}
	sawAnswer := false
	for _, v := range got[:len(got)-1] {
		if v != nil && v.Answer != nil && v.Answer.SDP == "a" {
			sawAnswer = true
		}
	}
	if !sawAnswer {
		t.Fatalf("answer never delivered: %+v", got)
	}
}

func testSubscribeIncoming(t *testing.T, s Store) {
	ctx := context.Background()

	if _, err := s.CreateSession(ctx, newSession("early")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var incoming recorder[*models.CallSession]
	unsub, err := s.SubscribeIncoming(ctx, "bob", incoming.add)
	if err != nil {
		t.Fatalf("SubscribeIncoming: %v", err)
	}
	defer unsub()

	got := incoming.waitLen(t, 1)
	if got[0].ID != "early" {
		t.Fatalf("replayed session=%q, want early", got[0].ID)
	}

	other := newSession("for-carol")
	other.ResponderID = "carol"
	if _, err := s.CreateSession(ctx, other); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.CreateSession(ctx, newSession("late")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.DeleteSession(ctx, "late"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	got = incoming.waitLen(t, 3)
	for _, v := range got {
		if v.ResponderID != "bob" {
			t.Fatalf("delivered session addressed to %q", v.ResponderID)
		}
	}
	if got[1].ID != "late" || got[1].Status != models.CallStatusRinging {
		t.Fatalf("second delivery=%+v, want ringing late", got[1])
	}
	if got[2].ID != "late" || got[2].Status != models.CallStatusEnded {
		t.Fatalf("third delivery=%+v, want ended late", got[2])
	}
}

func testCandidateReplay(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.CreateSession(ctx, newSession("s3")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Appended before anyone subscribes
	for _, c := range []string{"c1", "c2"} {
		if err := s.AppendCandidate(ctx, "s3", models.RoleResponder, candidate(c)); err != nil {
			t.Fatalf("AppendCandidate: %v", err)
		}
	}
	if err := s.AppendCandidate(ctx, "s3", models.RoleInitiator, candidate("mine")); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}

	var got recorder[models.Candidate]
	unsub, err := s.SubscribeCandidates(ctx, "s3", models.RoleResponder, got.add)
	if err != nil {
		t.Fatalf("SubscribeCandidates: %v", err)
	}
	defer unsub()

	got.waitLen(t, 2)
	if err := s.AppendCandidate(ctx, "s3", models.RoleResponder, candidate("c3")); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	got.waitLen(t, 3)

	// Nothing more may arrive
	time.Sleep(50 * time.Millisecond)
	values := got.snapshot()
	var names []string
	for _, c := range values {
		names = append(names, c.Candidate)
	}
	sort.Strings(names)
	if len(names) != 3 || names[0] != "c1" || names[1] != "c2" || names[2] != "c3" {
		t.Fatalf("candidates=%v, want [c1 c2 c3] exactly once", names)
	}

	if err := s.AppendCandidate(ctx, "missing", models.RoleResponder, candidate("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to missing session err=%v, want ErrNotFound", err)
	}
}

func testUnsubscribeStopsDelivery(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.CreateSession(ctx, newSession("s4")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var got recorder[models.Candidate]
	unsub, err := s.SubscribeCandidates(ctx, "s4", models.RoleInitiator, got.add)
	if err != nil {
		t.Fatalf("SubscribeCandidates: %v", err)
	}
	unsub()
	unsub()

	if err := s.AppendCandidate(ctx, "s4", models.RoleInitiator, candidate("late")); err != nil {
		t.Fatalf("AppendCandidate: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(got.snapshot()); n != 0 {
		t.Fatalf("received %d candidates after unsubscribe", n)
	}
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(*testing.T, Store)
	}{
		{"SessionLifecycle", testSessionLifecycle},
		{"SubscribeSession", testSubscribeSession},
		{"SubscribeIncoming", testSubscribeIncoming},
		{"CandidateReplay", testCandidateReplay},
		{"UnsubscribeStopsDelivery", testUnsubscribeStopsDelivery},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}
