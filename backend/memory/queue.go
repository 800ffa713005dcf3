package memory

import (
	"sync"

	"github.com/cadre-io/cadre/backend"
)

// memQueue holds one queue's ready and pending sets behind a single mutex.
type memQueue struct {
	mu      sync.Mutex
	ready   readyHeap
	pending map[string]*backend.Envelope
}

func newMemQueue() *memQueue {
	return &memQueue{pending: make(map[string]*backend.Envelope)}
}

// readyHeap orders envelopes by (priority rank, envelope ID). IDs encode
// publish time, so ties within a band pop in FIFO order.
type readyHeap []*backend.Envelope

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].ID < h[j].ID
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*backend.Envelope)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	env := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return env
}
