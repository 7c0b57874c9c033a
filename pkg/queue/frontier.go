package queue

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/vx-mirror/pkg/models"
)

// Frontier is a blocking FIFO of discovered collection nodes.
// First-in-first-out order gives breadth-first traversal.
type Frontier struct {
	items  []models.FrontierNode
	head   int // index of the next item to pop
	mu     sync.Mutex
	cond   *sync.Cond // Condition variable to wait for items
	closed bool
	log    *logrus.Entry
}

// NewFrontier creates an empty frontier
func NewFrontier(logger *logrus.Entry) *Frontier {
	f := &Frontier{log: logger}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push appends a node. Returns false if the frontier is already closed.
func (f *Frontier) Push(node models.FrontierNode) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		f.log.Debugf("Dropping node pushed to closed frontier: %s", node.URL)
		return false
	}
	f.items = append(f.items, node)
	f.cond.Signal() // Wake one waiting worker
	return true
}

// Pop removes the oldest node. It blocks while the frontier is empty and open.
// Returns false once the frontier is closed and drained.
func (f *Frontier) Pop() (models.FrontierNode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.head == len(f.items) {
		if f.closed {
			return models.FrontierNode{}, false
		}
		f.cond.Wait()
	}

	node := f.items[f.head]
	f.items[f.head] = models.FrontierNode{}
	f.head++
	if f.head == len(f.items) {
		// Fully drained; reuse the backing array
		f.items = f.items[:0]
		f.head = 0
	}
	return node, true
}

// Close stops accepting nodes and wakes every waiting worker.
// Nodes already queued are still handed out by Pop.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.cond.Broadcast()
	}
}

// Drain discards every queued node and returns how many were dropped
func (f *Frontier) Drain() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.items) - f.head
	f.items = nil
	f.head = 0
	return n
}

// Len returns the number of queued nodes
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items) - f.head
}
