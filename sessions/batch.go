package sessions

// StartBatch suspends wakeups until the matching EndBatch. Batches nest.
func (s *Session) StartBatch() {
	s.mu.Lock()
	s.batch++
	s.mu.Unlock()
}

// EndBatch closes one batch level. Closing the outermost level flushes when
// non-lazy messages were queued meanwhile; the result reports that flush.
// Calling EndBatch without a matching StartBatch does nothing.
func (s *Session) EndBatch() bool {
	s.mu.Lock()
	if s.batch == 0 {
		s.mu.Unlock()
		return false
	}
	s.batch--
	flush := s.batch == 0 && s.nonLazy
	s.mu.Unlock()

	if flush {
		s.Flush()
	}
	return flush
}

// Batch runs fn inside a batch.
func (s *Session) Batch(fn func()) {
	s.StartBatch()
	defer s.EndBatch()
	fn()
}
