package sessions

// Scheduler is the hook a transport attaches to be woken when the session
// has messages to send. Implementations must be comparable, typically a
// pointer, and must not block in any method.
type Scheduler interface {
	// Schedule asks the transport to come and TakeQueue.
	Schedule()
	// Cancel tells the transport it was replaced by another scheduler.
	Cancel()
	// Destroy tells the transport the session is gone.
	Destroy()
}

// OneShotScheduler marks a scheduler that can serve a single wakeup, such as
// a suspended long-poll request. The session detaches it when it is used.
type OneShotScheduler interface {
	Scheduler
	OneShot() bool
}

func isOneShot(sch Scheduler) bool {
	o, ok := sch.(OneShotScheduler)
	return ok && o.OneShot()
}

// SetScheduler attaches sch, cancelling any previous scheduler. If messages
// are already waiting sch is scheduled straight away. A nil sch detaches and
// cancels the current one.
func (s *Session) SetScheduler(sch Scheduler) {
	s.mu.Lock()
	old := s.scheduler
	s.scheduler = sch
	wake := sch != nil && s.shouldScheduleLocked()
	if wake && isOneShot(sch) {
		s.scheduler = nil
	}
	s.mu.Unlock()

	if old != nil && old != sch {
		old.Cancel()
	}
	if wake {
		sch.Schedule()
	}
}

// Scheduler returns the attached scheduler or nil.
func (s *Session) Scheduler() Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler
}

// DetachScheduler clears sch if it is still attached, without calling it.
// Transports use it when their request completes on its own.
func (s *Session) DetachScheduler(sch Scheduler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch == nil || s.scheduler != sch {
		return false
	}
	s.scheduler = nil
	return true
}

// DestroyScheduler detaches the current scheduler and destroys it.
func (s *Session) DestroyScheduler() {
	s.mu.Lock()
	sch := s.scheduler
	s.scheduler = nil
	s.mu.Unlock()
	if sch != nil {
		sch.Destroy()
	}
}

// ShouldSchedule reports whether a newly attached transport should be woken
// immediately: non-lazy messages are waiting and no batch is open.
func (s *Session) ShouldSchedule() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldScheduleLocked()
}

func (s *Session) shouldScheduleLocked() bool {
	return s.nonLazy && s.batch == 0
}

// flushAction is what Flush decided under the lock.
type flushAction struct {
	stale     Timer
	scheduler Scheduler
	local     bool
}

// planFlushLocked requires s.mu.
func (s *Session) planFlushLocked() flushAction {
	act := flushAction{stale: s.lazy.cancel()}
	if s.scheduler != nil {
		act.scheduler = s.scheduler
		if isOneShot(s.scheduler) {
			s.scheduler = nil
		}
		return act
	}
	act.local = s.local != nil && s.nonLazy
	return act
}

func (s *Session) runFlush(act flushAction) {
	if act.stale != nil {
		act.stale.Stop()
	}
	switch {
	case act.scheduler != nil:
		s.metrics.IncCounter(metricFlushes, map[string]string{"target": "scheduler"})
		act.scheduler.Schedule()
	case act.local:
		s.metrics.IncCounter(metricFlushes, map[string]string{"target": "local"})
		s.deliverLocal(s.TakeQueue(nil))
	}
}

// Flush cancels any pending lazy flush and wakes the transport. A local
// session delivers its queue to its receiver instead.
func (s *Session) Flush() {
	s.mu.Lock()
	act := s.planFlushLocked()
	s.mu.Unlock()
	s.runFlush(act)
}
