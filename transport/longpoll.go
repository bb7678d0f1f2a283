package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// LongPoll is the scheduler of one suspended /meta/connect request. It is
// one-shot: the session detaches it on the first wakeup, and it must not be
// reused for another request.
type LongPoll struct {
	session   *sessions.Session
	transport sessions.Transport
	clock     sessions.Clock

	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	reason error
}

var _ sessions.OneShotScheduler = (*LongPoll)(nil)

// LongPollOption configures a LongPoll.
type LongPollOption func(*LongPoll)

// WithClock replaces the clock timing the suspension.
func WithClock(c sessions.Clock) LongPollOption {
	return func(l *LongPoll) {
		if c != nil {
			l.clock = c
		}
	}
}

// NewLongPoll creates the scheduler for a connect on s received through t.
func NewLongPoll(s *sessions.Session, t sessions.Transport, opts ...LongPollOption) *LongPoll {
	l := &LongPoll{
		session:   s,
		transport: t,
		clock:     sessions.SystemClock{},
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *LongPoll) OneShot() bool { return true }

func (l *LongPoll) Schedule() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *LongPoll) Cancel() { l.finish(ErrReplaced) }

func (l *LongPoll) Destroy() { l.finish(ErrDestroyed) }

func (l *LongPoll) finish(reason error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *LongPoll) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Await holds the connect until the session has messages to send, timeout
// elapses or ctx ends, then drains the queue and re-arms session expiry.
// A non-positive timeout returns the current queue without waiting. It
// returns ErrReplaced when a newer connect took over and ErrDestroyed when
// the session was removed; in both cases the queue is left alone.
func (l *LongPoll) Await(ctx context.Context, connect *bayeux.Message, timeout time.Duration) ([]*bayeux.Message, error) {
	s := l.session
	if timeout > 0 {
		s.SetScheduler(l)
		if err := l.suspend(ctx, connect, timeout); err != nil {
			return nil, err
		}
	}
	msgs := s.TakeQueue(nil)
	s.ScheduleExpiration(l.transport.Options().Interval)
	return msgs, nil
}

func (l *LongPoll) suspend(ctx context.Context, connect *bayeux.Message, timeout time.Duration) error {
	s := l.session

	select {
	case <-l.wake:
		return nil
	case <-l.done:
		return l.err()
	default:
	}

	expired := make(chan struct{})
	timer := l.clock.AfterFunc(timeout, func() { close(expired) })
	defer timer.Stop()

	s.NotifySuspended(connect, timeout)

	timedOut := false
	select {
	case <-l.wake:
	case <-expired:
		timedOut = true
		s.DetachScheduler(l)
	case <-ctx.Done():
		s.DetachScheduler(l)
		s.NotifyResumed(connect, false)
		s.ScheduleExpiration(l.transport.Options().Interval)
		return ctx.Err()
	case <-l.done:
		s.NotifyResumed(connect, false)
		return l.err()
	}

	s.NotifyResumed(connect, timedOut)
	return nil
}
