// Package connectivity tracks whether the remote is reachable and drives
// replication from connectivity edges.
package connectivity

import (
	"slices"
	"sync"
)

// Monitor reports connectivity. Subscribers are called only on transitions,
// never with the current state.
type Monitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// notifier holds the state shared by Monitor implementations.
type notifier struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
}

func newNotifier(online bool) *notifier {
	return &notifier{online: online, subs: make(map[int]func(bool))}
}

func (n *notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) Subscribe(fn func(online bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
		})
	}
}

// set records a state and reports whether it was a transition. Callbacks run
// outside the lock, in subscription order.
func (n *notifier) set(online bool) bool {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return false
	}
	n.online = online
	ids := make([]int, 0, len(n.subs))
	for id := range n.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, n.subs[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Manual is a Monitor whose state is set explicitly, for --offline and tests.
type Manual struct {
	*notifier
}

// NewManual creates a Manual monitor in the given state.
func NewManual(online bool) *Manual {
	return &Manual{notifier: newNotifier(online)}
}

// Set changes the state, notifying subscribers on a transition.
func (m *Manual) Set(online bool) {
	m.set(online)
}

var (
	_ Monitor = (*Manual)(nil)
	_ Monitor = (*Probe)(nil)
)
