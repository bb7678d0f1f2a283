package sessions

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// AddedListener is told when the owner registers the session.
type AddedListener interface {
	SessionAdded(s *Session)
}

// RemovedListener is told once when the session terminates.
type RemovedListener interface {
	SessionRemoved(s *Session, timedOut bool)
}

// QueueListener is told after a message has been queued.
type QueueListener interface {
	MessageQueued(s *Session, sender *Session, msg *bayeux.Message)
}

// DeQueueListener runs inside TakeQueue before the queue is drained. It may
// reorder, drop or add messages through queue. It runs under the session
// lock and must not call back into the session.
type DeQueueListener interface {
	DeQueue(s *Session, queue *MessageQueue, replies []*bayeux.Message)
}

// MaxQueueListener decides what happens when the queue is at capacity.
// Returning true accepts msg; it may first make room by removing from
// queue. It runs under the session lock and must not call back into the
// session.
type MaxQueueListener interface {
	QueueMaxed(s *Session, queue *MessageQueue, sender *Session, msg *bayeux.Message) bool
}

// MessageListener may veto a message after the outgoing extensions ran and
// the message was frozen.
type MessageListener interface {
	OnMessage(s *Session, sender *Session, msg *bayeux.Message) bool
}

// HeartBeatListener follows a transport holding and releasing a /meta/connect.
type HeartBeatListener interface {
	Suspended(s *Session, msg *bayeux.Message, timeout time.Duration)
	Resumed(s *Session, msg *bayeux.Message, timedOut bool)
}

type AddedListenerFunc func(s *Session)

func (f AddedListenerFunc) SessionAdded(s *Session) { f(s) }

type RemovedListenerFunc func(s *Session, timedOut bool)

func (f RemovedListenerFunc) SessionRemoved(s *Session, timedOut bool) { f(s, timedOut) }

type QueueListenerFunc func(s *Session, sender *Session, msg *bayeux.Message)

func (f QueueListenerFunc) MessageQueued(s *Session, sender *Session, msg *bayeux.Message) {
	f(s, sender, msg)
}

type DeQueueListenerFunc func(s *Session, queue *MessageQueue, replies []*bayeux.Message)

func (f DeQueueListenerFunc) DeQueue(s *Session, queue *MessageQueue, replies []*bayeux.Message) {
	f(s, queue, replies)
}

type MaxQueueListenerFunc func(s *Session, queue *MessageQueue, sender *Session, msg *bayeux.Message) bool

func (f MaxQueueListenerFunc) QueueMaxed(s *Session, queue *MessageQueue, sender *Session, msg *bayeux.Message) bool {
	return f(s, queue, sender, msg)
}

type MessageListenerFunc func(s *Session, sender *Session, msg *bayeux.Message) bool

func (f MessageListenerFunc) OnMessage(s *Session, sender *Session, msg *bayeux.Message) bool {
	return f(s, sender, msg)
}

type entry[T any] struct {
	id uint64
	l  T
}

// appendEntry and removeEntry never modify list in place, so a slice handed
// out as a snapshot stays valid after the registry changes.
func appendEntry[T any](list []entry[T], id uint64, l T) []entry[T] {
	out := make([]entry[T], len(list), len(list)+1)
	copy(out, list)
	return append(out, entry[T]{id: id, l: l})
}

func removeEntry[T any](list []entry[T], id uint64) []entry[T] {
	return slices.DeleteFunc(slices.Clone(list), func(e entry[T]) bool { return e.id == id })
}

// registry files each listener under every capability it implements.
type registry struct {
	mu        sync.Mutex
	next      uint64
	added     []entry[AddedListener]
	removed   []entry[RemovedListener]
	queued    []entry[QueueListener]
	deQueue   []entry[DeQueueListener]
	maxQueue  []entry[MaxQueueListener]
	message   []entry[MessageListener]
	heartBeat []entry[HeartBeatListener]
}

func snapshot[T any](r *registry, list *[]entry[T]) []entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *list
}

func (r *registry) add(l any) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	matched := false
	if v, ok := l.(AddedListener); ok {
		r.added = appendEntry(r.added, id, v)
		matched = true
	}
	if v, ok := l.(RemovedListener); ok {
		r.removed = appendEntry(r.removed, id, v)
		matched = true
	}
	if v, ok := l.(QueueListener); ok {
		r.queued = appendEntry(r.queued, id, v)
		matched = true
	}
	if v, ok := l.(DeQueueListener); ok {
		r.deQueue = appendEntry(r.deQueue, id, v)
		matched = true
	}
	if v, ok := l.(MaxQueueListener); ok {
		r.maxQueue = appendEntry(r.maxQueue, id, v)
		matched = true
	}
	if v, ok := l.(MessageListener); ok {
		r.message = appendEntry(r.message, id, v)
		matched = true
	}
	if v, ok := l.(HeartBeatListener); ok {
		r.heartBeat = appendEntry(r.heartBeat, id, v)
		matched = true
	}
	return id, matched
}

func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = removeEntry(r.added, id)
	r.removed = removeEntry(r.removed, id)
	r.queued = removeEntry(r.queued, id)
	r.deQueue = removeEntry(r.deQueue, id)
	r.maxQueue = removeEntry(r.maxQueue, id)
	r.message = removeEntry(r.message, id)
	r.heartBeat = removeEntry(r.heartBeat, id)
}

// AddListener registers l under every listener interface it implements and
// returns a function that unregisters it. A value implementing none of them
// is ignored and the returned function does nothing.
func (s *Session) AddListener(l any) (remove func()) {
	id, ok := s.listeners.add(l)
	if !ok {
		s.log.Warn("session.listener.ignored", slog.String("type", typeName(l)))
		return func() {}
	}
	return func() { s.listeners.remove(id) }
}

// NotifySuspended tells HeartBeatListeners that a transport is holding msg.
func (s *Session) NotifySuspended(msg *bayeux.Message, timeout time.Duration) {
	for _, e := range snapshot(&s.listeners, &s.listeners.heartBeat) {
		func() {
			defer s.recoverListener("heartbeat")
			e.l.Suspended(s, msg, timeout)
		}()
	}
}

// NotifyResumed tells HeartBeatListeners that the held msg was released.
func (s *Session) NotifyResumed(msg *bayeux.Message, timedOut bool) {
	for _, e := range snapshot(&s.listeners, &s.listeners.heartBeat) {
		func() {
			defer s.recoverListener("heartbeat")
			e.l.Resumed(s, msg, timedOut)
		}()
	}
}

func (s *Session) recoverListener(kind string) {
	if r := recover(); r != nil {
		s.log.Info("session.listener.panic", slog.String("listener", kind), slog.Any("panic", r))
	}
}

func (s *Session) notifyAdded(l AddedListener) {
	defer s.recoverListener("added")
	l.SessionAdded(s)
}

func (s *Session) notifyRemoved(l RemovedListener, timedOut bool) {
	defer s.recoverListener("removed")
	l.SessionRemoved(s, timedOut)
}

func (s *Session) notifyQueued(l QueueListener, sender *Session, msg *bayeux.Message) {
	defer s.recoverListener("queue")
	l.MessageQueued(s, sender, msg)
}

func (s *Session) notifyDeQueue(l DeQueueListener, replies []*bayeux.Message) {
	defer s.recoverListener("dequeue")
	l.DeQueue(s, s.queue, replies)
}

func (s *Session) notifyQueueMaxed(l MaxQueueListener, sender *Session, msg *bayeux.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("session.listener.panic", slog.String("listener", "max_queue"), slog.Any("panic", r))
			ok = true
		}
	}()
	return l.QueueMaxed(s, s.queue, sender, msg)
}

func (s *Session) notifyOnMessage(l MessageListener, sender *Session, msg *bayeux.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("session.listener.panic", slog.String("listener", "message"), slog.Any("panic", r))
			ok = true
		}
	}()
	return l.OnMessage(s, sender, msg)
}

func typeName(v any) string { return fmt.Sprintf("%T", v) }
