package store

import (
	"context"
	"testing"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pkg/errors"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_RejectsInvalidRecords(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	noOffer := newSession("x")
	noOffer.Offer = nil
	if _, err := s.CreateSession(context.Background(), noOffer); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v, want ErrInvalid", err)
	}

	if _, err := s.CreateSession(context.Background(), newSession("y")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	bogus := models.CallStatus("bogus")
	if err := s.UpdateSession(context.Background(), "y", models.SessionUpdate{Status: &bogus}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v, want ErrInvalid", err)
	}
}

func TestMemoryStore_ClosedIsUnavailable(t *testing.T) {
	s := NewMemoryStore()
	s.Close()

	_, err := s.CreateSession(context.Background(), newSession("z"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err=%v, want ErrUnavailable", err)
	}
	var uerr *UnavailableError
	if !errors.As(err, &uerr) || uerr.Op != "create session" {
		t.Fatalf("err=%#v, want *UnavailableError for create session", err)
	}
}

func TestMemoryStore_BaselineIsIsolatedCopy(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	if _, err := s.CreateSession(context.Background(), newSession("iso")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var got recorder[*models.CallSession]
	unsub, err := s.SubscribeSession(context.Background(), "iso", got.add)
	if err != nil {
		t.Fatalf("SubscribeSession: %v", err)
	}
	defer unsub()

	v := got.waitLen(t, 1)[0]
	v.Offer.SDP = "mutated"

	stored, _ := s.GetSession(context.Background(), "iso")
	if stored.Offer.SDP != "o-iso" {
		t.Fatalf("subscriber mutation leaked into store: %q", stored.Offer.SDP)
	}
}
