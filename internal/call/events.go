package call

import (
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/models"
)

// Events consumed by a session's run loop
type (
	startEvent struct {
		local media.Stream
		reply chan error
	}
	snapshotEvent        struct{ session *models.CallSession }
	remoteCandidateEvent struct{ candidate models.Candidate }
	localCandidateEvent  struct{ candidate models.Candidate }
	remoteTrackEvent     struct{ stream media.Stream }
	timeoutEvent         struct{}
	hangupEvent          struct{}
)
