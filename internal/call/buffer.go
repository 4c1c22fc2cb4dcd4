package call

import "github.com/mossy-p/call-signaling/internal/models"

// candidateBuffer holds remote candidates that arrive before the remote
// description is applied. It is drained exactly once.
type candidateBuffer struct {
	items   []models.Candidate
	drained bool
}

func (b *candidateBuffer) add(c models.Candidate) {
	b.items = append(b.items, c)
}

// drain returns the buffered candidates in arrival order. Only the first
// call returns anything.
func (b *candidateBuffer) drain() []models.Candidate {
	if b.drained {
		return nil
	}
	b.drained = true
	items := b.items
	b.items = nil
	return items
}

func (b *candidateBuffer) len() int { return len(b.items) }
