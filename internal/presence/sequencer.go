package presence

import "sync"

// sequencer hands out turns in the order they were taken. A turn taken
// while holding the tracker lock gets the same position in the event log
// as its decision had in the presence table.
type sequencer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	issued  uint64
	serving uint64
}

func newSequencer() *sequencer {
	s := &sequencer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// take reserves the next turn.
func (s *sequencer) take() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.issued
	s.issued++
	return n
}

// wait blocks until turn n is being served.
func (s *sequencer) wait(n uint64) {
	s.mu.Lock()
	for s.serving != n {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// done ends the turn being served.
func (s *sequencer) done() {
	s.mu.Lock()
	s.serving++
	s.cond.Broadcast()
	s.mu.Unlock()
}
