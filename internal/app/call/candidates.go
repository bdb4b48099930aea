package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateQueue holds remote candidates that arrived before the remote
// description. Drain returns them in arrival order.
type candidateQueue struct {
	mu    sync.Mutex
	items []webrtc.ICECandidateInit
}

func (q *candidateQueue) Push(ci webrtc.ICECandidateInit) {
	q.mu.Lock()
	q.items = append(q.items, ci)
	q.mu.Unlock()
}

func (q *candidateQueue) Drain() []webrtc.ICECandidateInit {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
