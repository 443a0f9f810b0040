package message

import "sync"

// Sequencer stamps monotonic per-session sequence numbers on broadcast
// frames. Sequences start at 1 and never reset for the life of the process,
// so replayed history and live frames share one total order.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]uint64)}
}

// Next returns the next sequence number for the session.
func (s *Sequencer) Next(sessionID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[sessionID]++
	return s.next[sessionID]
}

// Current returns the last issued sequence number (0 if none issued).
func (s *Sequencer) Current(sessionID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next[sessionID]
}

// Forget drops a session's counter after the session closes.
func (s *Sequencer) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.next, sessionID)
}
