package sessions

import (
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// Owner is the registry a session belongs to.
type Owner interface {
	// RemoveSession takes s out of the registry and calls s.Removed. It
	// returns the result of Removed, or false if s was not registered.
	RemoveSession(s *Session, timedOut bool) bool
	// ExtendOutgoing runs registry-wide outgoing extensions for a message on
	// its way from sender (nil for server-originated) to to. Extensions may
	// modify msg in place; false vetoes delivery.
	ExtendOutgoing(sender, to *Session, msg *bayeux.Message) bool
	// LazyTimeout returns the lazy delivery timeout configured for channel,
	// or a non-positive value when the channel has none.
	LazyTimeout(channel string) time.Duration
}

type nopOwner struct{}

func (nopOwner) RemoveSession(s *Session, timedOut bool) bool { return s.Removed(timedOut) }

func (nopOwner) ExtendOutgoing(_, _ *Session, _ *bayeux.Message) bool { return true }

func (nopOwner) LazyTimeout(string) time.Duration { return 0 }

func bayeuxDisconnect() *bayeux.Message {
	msg := bayeux.NewMessage(bayeux.MetaDisconnect, nil)
	msg.SetSuccessful(true)
	return msg
}
