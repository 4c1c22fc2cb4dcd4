// Package store holds the shared signaling channel: call session records
// and the per-direction ICE candidate relay.
package store

import (
	"context"
	"fmt"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a call session record does not exist
	ErrNotFound = errors.New("call session not found")
	// ErrUnavailable matches any failure of the backing store itself
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict is returned when a write-once field would be overwritten
	ErrConflict = errors.New("call session field already set")
	// ErrInvalid is returned for records or updates that break the data model
	ErrInvalid = errors.New("invalid call session")
)

// UnavailableError wraps a backend failure for one store operation
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// Unsubscribe stops a subscription. Calling it more than once is harmless.
type Unsubscribe func()

// SessionStore is the CRUD + change-feed view of call session records
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.CallSession) (string, error)
	GetSession(ctx context.Context, id string) (*models.CallSession, error)
	UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error

	// SubscribeSession delivers the current value first, then every change.
	// A nil value means the record is absent or was deleted.
	SubscribeSession(ctx context.Context, id string, onChange func(*models.CallSession)) (Unsubscribe, error)

	// SubscribeIncoming delivers every session addressed to localID that is
	// created or updated while subscribed, plus those already present.
	SubscribeIncoming(ctx context.Context, localID string, onSession func(*models.CallSession)) (Unsubscribe, error)
}

// CandidateRelay is the append-only candidate stream of a session, one per role
type CandidateRelay interface {
	AppendCandidate(ctx context.Context, sessionID string, role models.Role, candidate models.Candidate) error

	// SubscribeCandidates replays every candidate already appended under role
	// and then follows new ones. Each candidate is delivered exactly once.
	SubscribeCandidates(ctx context.Context, sessionID string, role models.Role, onCandidate func(models.Candidate)) (Unsubscribe, error)
}

// Store is a backend serving both sides of the signaling channel
type Store interface {
	SessionStore
	CandidateRelay
	Close() error
}

// applyUpdate merges update into current following the ownership rules:
// answer is write-once and status never regresses. It reports whether
// anything changed.
func applyUpdate(current *models.CallSession, update models.SessionUpdate) (bool, error) {
	changed := false

	if update.Answer != nil {
		switch {
		case current.Answer == nil:
			answer := *update.Answer
			current.Answer = &answer
			changed = true
		case *current.Answer != *update.Answer:
			return false, errors.Wrapf(ErrConflict, "answer of session %s", current.ID)
		}
	}

	if update.Status != nil {
		if !update.Status.Valid() {
			return false, errors.Wrapf(ErrInvalid, "status %q", *update.Status)
		}
		if current.Status.Advances(*update.Status) {
			current.Status = *update.Status
			changed = true
		}
	}

	return changed, nil
}

func validateNew(session *models.CallSession) error {
	switch {
	case session == nil:
		return errors.Wrap(ErrInvalid, "nil record")
	case session.ID == "":
		return errors.Wrap(ErrInvalid, "id is required")
	case session.InitiatorID == "" || session.ResponderID == "":
		return errors.Wrap(ErrInvalid, "participants are required")
	case session.Offer == nil:
		return errors.Wrap(ErrInvalid, "offer is required")
	case !session.Status.Valid():
		return errors.Wrapf(ErrInvalid, "status %q", session.Status)
	}
	return nil
}

// isDomainError reports whether err is a data-model rejection rather than
// a backend failure
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalid)
}
