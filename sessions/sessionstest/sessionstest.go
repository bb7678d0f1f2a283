// Package sessionstest provides deterministic doubles for exercising
// sessions.Session and the transports built on it.
package sessionstest

import (
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// FakeClock is a manually advanced sessions.Clock. Timers fire from Advance,
// on the calling goroutine, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

var _ sessions.Clock = (*FakeClock)(nil)

// NewFakeClock returns a clock reading start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) sessions.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs every timer now due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	c.timers = slices.DeleteFunc(c.timers, func(t *fakeTimer) bool {
		if t.at.After(c.now) {
			return false
		}
		t.fired = true
		due = append(due, t)
		return true
	})
	c.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *fakeTimer) int { return a.at.Compare(b.at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of armed timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type fakeTimer struct {
	clock *FakeClock
	at    time.Time
	f     func()
	fired bool
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.fired {
		return false
	}
	n := len(c.timers)
	c.timers = slices.DeleteFunc(c.timers, func(o *fakeTimer) bool { return o == t })
	return len(c.timers) != n
}

// Scheduler counts the calls a session makes on it.
type Scheduler struct {
	oneShot bool

	mu        sync.Mutex
	scheduled int
	cancelled int
	destroyed int
	notify    chan struct{}
}

var _ sessions.OneShotScheduler = (*Scheduler)(nil)

// NewScheduler returns a persistent scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{notify: make(chan struct{}, 64)}
}

// NewOneShotScheduler returns a scheduler the session detaches after one wakeup.
func NewOneShotScheduler() *Scheduler {
	return &Scheduler{oneShot: true, notify: make(chan struct{}, 64)}
}

func (s *Scheduler) OneShot() bool { return s.oneShot }

func (s *Scheduler) Schedule() {
	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.cancelled++
	s.mu.Unlock()
}

func (s *Scheduler) Destroy() {
	s.mu.Lock()
	s.destroyed++
	s.mu.Unlock()
}

// Scheduled returns a channel that receives one value per Schedule call.
func (s *Scheduler) Scheduled() <-chan struct{} { return s.notify }

// Counts returns how often Schedule, Cancel and Destroy were called.
func (s *Scheduler) Counts() (scheduled, cancelled, destroyed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled, s.cancelled, s.destroyed
}

// Receiver records messages delivered to a local session.
type Receiver struct {
	mu   sync.Mutex
	msgs []*bayeux.Message
}

var _ sessions.LocalReceiver = (*Receiver)(nil)

func (r *Receiver) Receive(msg *bayeux.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *Receiver) Messages() []*bayeux.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.msgs)
}

// Removal is one recorded Owner.RemoveSession call.
type Removal struct {
	Session  *sessions.Session
	TimedOut bool
}

// Owner is a sessions.Owner that records removals. Outgoing, when set, acts
// as the registry-wide outgoing extension; Lazy maps channels to lazy timeouts.
type Owner struct {
	Outgoing func(sender, to *sessions.Session, msg *bayeux.Message) bool
	Lazy     map[string]time.Duration

	mu       sync.Mutex
	removals []Removal
}

var _ sessions.Owner = (*Owner)(nil)

func (o *Owner) RemoveSession(s *sessions.Session, timedOut bool) bool {
	o.mu.Lock()
	o.removals = append(o.removals, Removal{Session: s, TimedOut: timedOut})
	o.mu.Unlock()
	return s.Removed(timedOut)
}

func (o *Owner) ExtendOutgoing(sender, to *sessions.Session, msg *bayeux.Message) bool {
	if o.Outgoing == nil {
		return true
	}
	return o.Outgoing(sender, to, msg)
}

func (o *Owner) LazyTimeout(channel string) time.Duration {
	return o.Lazy[channel]
}

func (o *Owner) Removals() []Removal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.removals)
}

// Channel is a minimal sessions.Channel that tracks its subscribers.
type Channel struct {
	Name string

	mu          sync.Mutex
	subscribers map[*sessions.Session]struct{}
}

var _ sessions.Channel = (*Channel)(nil)

func (c *Channel) ID() string { return c.Name }

// Subscribe adds s when the session accepts the subscription.
func (c *Channel) Subscribe(s *sessions.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.SubscribedTo(c) {
		return false
	}
	if c.subscribers == nil {
		c.subscribers = make(map[*sessions.Session]struct{})
	}
	c.subscribers[s] = struct{}{}
	return true
}

func (c *Channel) Unsubscribe(s *sessions.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[s]; !ok {
		return false
	}
	delete(c.subscribers, s)
	s.UnsubscribedFrom(c)
	return true
}

func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}
