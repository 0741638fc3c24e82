// Package replay tracks nonces presented by the remote party so that a server nonce
// replayed into a later exchange is detected.
//
// A History is shared by every transaction that consults it. Its lifetime is the
// scope it is constructed in; the CLI keeps one per process.
package replay

import (
	"sync"

	"github.com/ruteri/scep-client/interfaces"
)

// DefaultCapacity is the number of nonces remembered before the oldest is evicted.
const DefaultCapacity = 20

// History is a bounded FIFO set of previously observed nonces, safe for concurrent use.
type History struct {
	mu       sync.Mutex
	capacity int
	order    []interfaces.Nonce
	seen     map[interfaces.Nonce]struct{}
}

// NewHistory creates a history holding at most capacity nonces.
// A non-positive capacity selects DefaultCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		capacity: capacity,
		order:    make([]interfaces.Nonce, 0, capacity),
		seen:     make(map[interfaces.Nonce]struct{}, capacity),
	}
}

// Contains reports whether n is currently remembered.
func (h *History) Contains(n interfaces.Nonce) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.seen[n]
	return ok
}

// Record inserts n, evicting the oldest entry when the history is full.
// Recording a nonce that is already present is a no-op.
func (h *History) Record(n interfaces.Nonce) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record(n)
}

// CheckAndRecord atomically tests n and records it when absent.
// It returns ErrReplayDetected if n was already present.
func (h *History) CheckAndRecord(n interfaces.Nonce) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[n]; ok {
		return interfaces.ErrReplayDetected
	}
	h.record(n)
	return nil
}

// Len returns the number of remembered nonces.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}

// Capacity returns the maximum number of remembered nonces.
func (h *History) Capacity() int {
	return h.capacity
}

func (h *History) record(n interfaces.Nonce) {
	if _, ok := h.seen[n]; ok {
		return
	}
	if len(h.order) == h.capacity {
		oldest := h.order[0]
		copy(h.order, h.order[1:])
		h.order = h.order[:len(h.order)-1]
		delete(h.seen, oldest)
	}
	h.order = append(h.order, n)
	h.seen[n] = struct{}{}
}
