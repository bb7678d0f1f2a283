// Package transport holds the session schedulers a network transport
// attaches while it waits for messages: LongPoll for a suspended
// /meta/connect request and Stream for a persistent connection.
package transport

import (
	"errors"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

var (
	// ErrReplaced is returned when another scheduler took over the session.
	ErrReplaced = errors.New("transport: scheduler replaced")
	// ErrDestroyed is returned when the session was removed.
	ErrDestroyed = errors.New("transport: session destroyed")
)

// Config names a transport and carries the limits sessions adopt when they
// handshake through it. Use it by pointer: sessions compare transports by
// identity.
type Config struct {
	name string
	opts sessions.TransportOptions
}

var _ sessions.Transport = (*Config)(nil)

// NewConfig creates a transport description.
func NewConfig(name string, opts sessions.TransportOptions) *Config {
	return &Config{name: name, opts: opts}
}

func (c *Config) Name() string { return c.name }

func (c *Config) Options() sessions.TransportOptions { return c.opts }

// Replies assembles the batch answering replies for s: queued messages
// first, then the replies, with dequeue listeners seeing the replies. The
// queue is left alone when the batch answers a handshake and s does not
// allow delivery during it, or when s only delivers on /meta/connect
// replies and none is present. A nil s yields replies unchanged.
func Replies(s *sessions.Session, replies []*bayeux.Message) []*bayeux.Message {
	if s == nil {
		return replies
	}
	var connect, handshake bool
	for _, r := range replies {
		switch r.Channel() {
		case bayeux.MetaConnect:
			connect = true
		case bayeux.MetaHandshake:
			handshake = true
		}
	}
	if handshake && !s.AllowMessageDeliveryDuringHandshake() {
		return replies
	}
	if !connect && s.MetaConnectDeliveryOnly() {
		return replies
	}
	return append(s.TakeQueue(replies), replies...)
}
