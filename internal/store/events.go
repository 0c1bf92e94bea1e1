package store

import (
	"sync"

	"github.com/hyperengineering/pantry/internal/types"
)

// subscriberBuffer bounds each subscriber's queue. Events beyond it are
// dropped for that subscriber; the push path also sweeps the outbox
// periodically, so a dropped event only delays a push.
const subscriberBuffer = 64

type subscribers struct {
	mu     sync.Mutex
	next   int
	chans  map[int]chan types.ChangeEvent
	closed bool
}

func newSubscribers() *subscribers {
	return &subscribers{chans: make(map[int]chan types.ChangeEvent)}
}

// Subscribe returns a channel receiving every change event and a function
// that cancels the subscription.
func (s *SQLiteStore) Subscribe() (<-chan types.ChangeEvent, func()) {
	return s.subs.add()
}

func (s *subscribers) add() (<-chan types.ChangeEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan types.ChangeEvent, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.next
	s.next++
	s.chans[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.chans[id]; ok {
				delete(s.chans, id)
				close(c)
			}
		})
	}
}

func (s *subscribers) emit(ev types.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.chans {
		delete(s.chans, id)
		close(ch)
	}
	s.closed = true
}
