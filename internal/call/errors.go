package call

import (
	"fmt"

	"github.com/mossy-p/call-signaling/internal/store"
	"github.com/pkg/errors"
)

var (
	// ErrStoreUnavailable is any failure of the session store or candidate relay
	ErrStoreUnavailable = store.ErrUnavailable
	// ErrMediaNegotiation is any rejected peer connection command
	ErrMediaNegotiation = errors.New("media negotiation failed")
	// ErrSetupTimeout means no remote track arrived within the setup window
	ErrSetupTimeout = errors.New("call setup timed out")
	// ErrRemoteHangup is the end cause when the other side removed the call
	ErrRemoteHangup = errors.New("remote hung up")

	ErrCallEnded      = errors.New("call ended")
	ErrUnknownSession = errors.New("unknown call session")
	ErrInvalidState   = errors.New("invalid call state")
	ErrInvalidCall    = errors.New("invalid call request")
)

// NegotiationError wraps a peer connection command rejection
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrMediaNegotiation, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrMediaNegotiation }

func negotiation(op string, err error) error {
	return &NegotiationError{Op: op, Err: err}
}
