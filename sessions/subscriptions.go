package sessions

import (
	"slices"
	"strings"
)

// Channel is the view a session has of a channel it is subscribed to.
type Channel interface {
	ID() string
	// Unsubscribe removes s from the channel's subscribers and calls
	// s.UnsubscribedFrom. It reports whether s was subscribed.
	Unsubscribe(s *Session) bool
}

// SubscribedTo records a subscription. Channels call it while adding the
// session; it fails once the session has terminated.
func (s *Session) SubscribedTo(ch Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return false
	}
	s.subscriptions[ch.ID()] = ch
	return true
}

// UnsubscribedFrom forgets a subscription and reports whether it existed.
// It is a no-op when the recorded subscription for ch's id belongs to a
// different channel instance, such as one re-created after ch was removed.
func (s *Session) UnsubscribedFrom(ch Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subscriptions[ch.ID()]; !ok || existing != ch {
		return false
	}
	delete(s.subscriptions, ch.ID())
	return true
}

// Subscriptions returns the subscribed channels ordered by id.
func (s *Session) Subscriptions() []Channel {
	s.mu.Lock()
	out := make([]Channel, 0, len(s.subscriptions))
	for _, ch := range s.subscriptions {
		out = append(out, ch)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Channel) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

func (s *Session) IsSubscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[channel]
	return ok
}
