package call

import (
	"context"
	"sync"

	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/mossy-p/call-signaling/internal/store"
)

// Listener surfaces ringing sessions addressed to one user, once per session id
type Listener struct {
	localID   string
	onRinging func(*models.CallSession)

	mu   sync.Mutex
	seen map[string]struct{}
}

func newListener(localID string, onRinging func(*models.CallSession)) *Listener {
	return &Listener{
		localID:   localID,
		onRinging: onRinging,
		seen:      make(map[string]struct{}),
	}
}

// Listen subscribes to sessions addressed to localID and calls onRinging
// for each distinct ringing one
func Listen(ctx context.Context, sessions store.SessionStore, localID string, onRinging func(*models.CallSession)) (store.Unsubscribe, error) {
	l := newListener(localID, onRinging)
	return sessions.SubscribeIncoming(ctx, localID, l.handle)
}

func (l *Listener) handle(rec *models.CallSession) {
	if rec == nil || rec.ResponderID != l.localID {
		return
	}

	l.mu.Lock()
	// Status is monotonic, so any id seen once, ringing or not, is never surfaced again
	_, dup := l.seen[rec.ID]
	l.seen[rec.ID] = struct{}{}
	l.mu.Unlock()

	if dup || rec.Status != models.CallStatusRinging {
		return
	}
	l.onRinging(rec.Clone())
}
