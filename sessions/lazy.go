package sessions

import (
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// Clock supplies time and timers to a session.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// lazyTask is the single pending lazy flush. gen changes on every cancel so
// a timer that fires after being superseded is ignored.
type lazyTask struct {
	timer    Timer
	deadline time.Time
	gen      uint64
}

// cancel empties the slot and returns the timer the caller must stop.
func (l *lazyTask) cancel() Timer {
	t := l.timer
	l.timer = nil
	l.deadline = time.Time{}
	l.gen++
	return t
}

// flushLazy schedules a flush after the lazy timeout that applies to msg.
func (s *Session) flushLazy(msg *bayeux.Message) {
	timeout := s.owner.LazyTimeout(msg.Channel())
	if timeout <= 0 {
		timeout = s.MaxLazyTimeout()
	}
	if timeout <= 0 {
		s.Flush()
		return
	}
	s.scheduleLazy(timeout)
}

// scheduleLazy arms the lazy timer unless one is due no later than now+timeout.
func (s *Session) scheduleLazy(timeout time.Duration) {
	deadline := s.clock.Now().Add(timeout)

	s.mu.Lock()
	if s.lazy.timer != nil && !deadline.Before(s.lazy.deadline) {
		s.mu.Unlock()
		return
	}
	stale := s.lazy.cancel()
	gen := s.lazy.gen
	s.lazy.deadline = deadline
	s.lazy.timer = s.clock.AfterFunc(timeout, func() { s.fireLazy(gen) })
	s.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	s.metrics.IncCounter(metricLazy, nil)
}

func (s *Session) fireLazy(gen uint64) {
	s.mu.Lock()
	if s.lazy.gen != gen || s.lazy.timer == nil {
		s.mu.Unlock()
		return
	}
	act := s.planFlushLocked()
	if s.local != nil && act.scheduler == nil {
		// Lazy messages are due now even though none of them is non-lazy.
		act.local = s.queue.Len() > 0
	}
	s.mu.Unlock()
	// The timer that called us has already fired.
	act.stale = nil
	s.runFlush(act)
}

// MaxLazyTimeout is the session-wide lazy timeout used when the channel has none.
func (s *Session) MaxLazyTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLazy
}

func (s *Session) SetMaxLazyTimeout(d time.Duration) {
	s.mu.Lock()
	s.maxLazy = d
	s.mu.Unlock()
}
