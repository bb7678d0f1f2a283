package sessions

import (
	"github.com/eapache/queue"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// MessageQueue is the FIFO of messages waiting for a transport. Listeners
// receive it while the session lock is held; it is not safe to retain.
type MessageQueue struct {
	q *queue.Queue
}

func newMessageQueue() *MessageQueue {
	return &MessageQueue{q: queue.New()}
}

func (q *MessageQueue) Len() int { return q.q.Length() }

// At returns the i-th message from the head. Negative indexes count from the
// tail. It panics when i is out of range.
func (q *MessageQueue) At(i int) *bayeux.Message {
	return q.q.Get(i).(*bayeux.Message)
}

// Peek returns the head without removing it, or nil when empty.
func (q *MessageQueue) Peek() *bayeux.Message {
	if q.q.Length() == 0 {
		return nil
	}
	return q.q.Peek().(*bayeux.Message)
}

func (q *MessageQueue) Add(msg *bayeux.Message) {
	q.q.Add(msg)
}

// Remove pops the head, or returns nil when empty.
func (q *MessageQueue) Remove() *bayeux.Message {
	if q.q.Length() == 0 {
		return nil
	}
	return q.q.Remove().(*bayeux.Message)
}

func (q *MessageQueue) Clear() {
	q.q = queue.New()
}

func (q *MessageQueue) drain() []*bayeux.Message {
	n := q.q.Length()
	if n == 0 {
		return nil
	}
	out := make([]*bayeux.Message, n)
	for i := range out {
		out[i] = q.q.Get(i).(*bayeux.Message)
	}
	q.Clear()
	return out
}

type enqueueResult int

const (
	enqueueDropped enqueueResult = iota
	enqueueQueued
	enqueueWakeup
)

// enqueue appends msg unless a MaxQueueListener rejects it. The result tells
// the caller whether a wakeup is due, which is the case outside a batch.
func (s *Session) enqueue(sender *Session, msg *bayeux.Message) enqueueResult {
	maxed := snapshot(&s.listeners, &s.listeners.maxQueue)

	s.mu.Lock()
	if s.maxQueue > 0 && s.queue.Len() >= s.maxQueue {
		for _, e := range maxed {
			if !s.notifyQueueMaxed(e.l, sender, msg) {
				s.mu.Unlock()
				s.metrics.IncCounter(metricDropped, map[string]string{"reason": "max_queue"})
				return enqueueDropped
			}
		}
	}
	s.addMessage(msg)
	wakeup := s.batch == 0
	s.mu.Unlock()

	for _, e := range snapshot(&s.listeners, &s.listeners.queued) {
		s.notifyQueued(e.l, sender, msg)
	}
	s.metrics.IncCounter(metricQueued, nil)

	if wakeup {
		return enqueueWakeup
	}
	return enqueueQueued
}

// addMessage requires s.mu.
func (s *Session) addMessage(msg *bayeux.Message) {
	s.queue.Add(msg)
	if !msg.Lazy() {
		s.nonLazy = true
	}
}

// TakeQueue drains the queue and returns its contents in order. DeQueue
// listeners run first, even for an empty queue, and may add messages.
func (s *Session) TakeQueue(replies []*bayeux.Message) []*bayeux.Message {
	listeners := snapshot(&s.listeners, &s.listeners.deQueue)

	s.mu.Lock()
	for _, e := range listeners {
		s.notifyDeQueue(e.l, replies)
	}
	msgs := s.queue.drain()
	s.nonLazy = false
	s.mu.Unlock()

	if len(msgs) > 0 {
		s.metrics.ObserveHistogram(metricQueueDrained, float64(len(msgs)), nil)
	}
	return msgs
}

// QueueLen returns the number of queued messages.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// HasNonLazyMessages reports whether a queued message wants immediate delivery.
func (s *Session) HasNonLazyMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonLazy
}

// MaxQueue returns the queue capacity; zero or negative is unbounded.
func (s *Session) MaxQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxQueue
}

func (s *Session) SetMaxQueue(n int) {
	s.mu.Lock()
	s.maxQueue = n
	s.mu.Unlock()
}
