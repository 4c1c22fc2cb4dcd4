// Package media is the boundary to the native real-time media stack. The
// call core issues commands through PeerConnection and observes its events;
// it never touches ICE, DTLS or codecs itself.
package media

import (
	"context"

	"github.com/mossy-p/call-signaling/internal/models"
)

// Stream is a local or remote media stream
type Stream interface {
	ID() string
	// Stop ends every track of the stream. It is safe to call more than once.
	Stop()
}

// PeerConnection is a command/event facade over one native peer connection.
// It is used for exactly one call and never reused after Close.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc models.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate models.Candidate) error
	AddLocalTracks(stream Stream) error

	// Event handlers must be registered before the first command. They are
	// invoked on the media stack's goroutines and must not block.
	OnLocalCandidate(fn func(models.Candidate))
	OnRemoteTrack(fn func(Stream))

	Close() error
}

// Factory creates a fresh PeerConnection per call
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
