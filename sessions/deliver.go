package sessions

import (
	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// Deliver runs msg through the outgoing pipeline and queues it for this
// session. sender is the publishing session, or nil for messages originated
// by the server. It reports whether the message was queued.
func (s *Session) Deliver(sender *Session, msg *bayeux.Message) bool {
	if !s.owner.ExtendOutgoing(sender, s, msg) {
		s.metrics.IncCounter(metricVetoed, map[string]string{"stage": "owner"})
		return false
	}
	if sender == s && !s.BroadcastToPublisher() {
		return false
	}

	out := s.extendOutgoing(msg)
	if out == nil {
		s.metrics.IncCounter(metricVetoed, map[string]string{"stage": "extension"})
		return false
	}
	out.Freeze()

	for _, e := range snapshot(&s.listeners, &s.listeners.message) {
		if !s.notifyOnMessage(e.l, sender, out) {
			s.metrics.IncCounter(metricVetoed, map[string]string{"stage": "listener"})
			return false
		}
	}

	switch s.enqueue(sender, out) {
	case enqueueDropped:
		return false
	case enqueueWakeup:
		if out.Lazy() {
			s.flushLazy(out)
		} else {
			s.Flush()
		}
	}
	return true
}

// DeliverData builds a message for channel carrying data and delivers it.
func (s *Session) DeliverData(sender *Session, channel string, data any) bool {
	return s.Deliver(sender, bayeux.NewMessage(channel, data))
}
