// Package ipc provides the message channel between the engine and its parent
// controller: a single-slot mailbox abstraction with last-write-wins overwrite
// semantics, an in-memory pair for tests, and a length-framed socket transport
// for production.
package ipc

import (
	"sync"
	"time"
)

// Slot is a single-message mailbox. Store overwrites whatever is pending, so
// an unread message is simply lost; Clear drops the pending message without a
// reader. These are exactly the semantics the engine relies on to discard a
// stale response before dispatching a new request.
type Slot struct {
	mu     sync.Mutex
	data   []byte
	full   bool
	notify chan struct{}
}

// NewSlot creates an empty mailbox.
func NewSlot() *Slot {
	return &Slot{notify: make(chan struct{}, 1)}
}

// Store places payload in the slot, overwriting any pending message.
func (s *Slot) Store(payload []byte) {
	s.mu.Lock()
	s.data = append([]byte(nil), payload...)
	s.full = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Clear drops the pending message, if any.
func (s *Slot) Clear() {
	s.mu.Lock()
	s.data = nil
	s.full = false
	s.mu.Unlock()
}

// Take removes and returns the pending message, waiting up to timeout for one
// to arrive. A non-positive timeout polls once without blocking.
func (s *Slot) Take(timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		if s.full {
			data := s.data
			s.data = nil
			s.full = false
			s.mu.Unlock()
			return data, true
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			return nil, false
		}

		select {
		case <-s.notify:
		case <-time.After(remaining):
		}
	}
}
