package server

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// idleSweeps is how many consecutive sweeps a non-persistent channel may go
// without subscribers before it is removed.
const idleSweeps = 3

// Channel is a server-side channel and its subscribers.
type Channel struct {
	id  bayeux.ChannelID
	srv *Server

	mu          sync.Mutex
	subscribers map[string]*sessions.Session
	lazy        bool
	lazyTimeout time.Duration
	persistent  bool
	idle        int
	removed     bool
}

var _ sessions.Channel = (*Channel)(nil)

func (c *Channel) ID() string { return c.id.String() }

func (c *Channel) ChannelID() bayeux.ChannelID { return c.id }

// Subscribe adds s to the channel. It fails when s has terminated or the
// channel was removed.
func (c *Channel) Subscribe(s *sessions.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return false
	}
	if !s.SubscribedTo(c) {
		return false
	}
	c.subscribers[s.ID()] = s
	c.idle = 0
	return true
}

// Unsubscribe implements sessions.Channel.
func (c *Channel) Unsubscribe(s *sessions.Session) bool {
	c.mu.Lock()
	existing, ok := c.subscribers[s.ID()]
	if ok && existing == s {
		delete(c.subscribers, s.ID())
	}
	c.mu.Unlock()
	if !ok || existing != s {
		return false
	}
	s.UnsubscribedFrom(c)
	return true
}

// Subscribers returns the subscribed sessions ordered by id.
func (c *Channel) Subscribers() []*sessions.Session {
	c.mu.Lock()
	out := make([]*sessions.Session, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		out = append(out, s)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b *sessions.Session) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

// IsLazy reports whether messages published here are delivered lazily.
func (c *Channel) IsLazy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lazy
}

func (c *Channel) SetLazy(lazy bool) {
	c.mu.Lock()
	c.lazy = lazy
	c.mu.Unlock()
}

// LazyTimeout is the channel-specific lazy delay, or 0 for the session default.
func (c *Channel) LazyTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lazyTimeout
}

// SetLazyTimeout sets the lazy delay; a positive value also makes the
// channel lazy.
func (c *Channel) SetLazyTimeout(d time.Duration) {
	c.mu.Lock()
	c.lazyTimeout = d
	if d > 0 {
		c.lazy = true
	}
	c.mu.Unlock()
}

func (c *Channel) IsPersistent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistent
}

// SetPersistent exempts the channel from idle removal.
func (c *Channel) SetPersistent(persistent bool) {
	c.mu.Lock()
	c.persistent = persistent
	c.mu.Unlock()
}

// Remove unsubscribes everyone and drops the channel from the server.
func (c *Channel) Remove() {
	c.srv.mu.Lock()
	if c.srv.channels[c.ID()] == c {
		delete(c.srv.channels, c.ID())
	}
	c.srv.mu.Unlock()

	c.mu.Lock()
	c.removed = true
	subs := make([]*sessions.Session, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		subs = append(subs, s)
	}
	clear(c.subscribers)
	c.mu.Unlock()

	for _, s := range subs {
		s.UnsubscribedFrom(c)
	}
}

// sweepLocked counts an idle pass and reports whether the channel should be
// removed. It requires c.srv.mu.
func (c *Channel) sweepLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistent || len(c.subscribers) > 0 {
		c.idle = 0
		return false
	}
	c.idle++
	if c.idle < idleSweeps {
		return false
	}
	c.removed = true
	return true
}

// CreateChannel returns the channel with id, creating it if needed. The
// initializers run before a new channel becomes visible.
func (s *Server) CreateChannel(id string, init ...func(*Channel)) (*Channel, error) {
	cid, err := bayeux.ParseChannelID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidChannel, err)
	}
	if ch, ok := s.Channel(cid.String()); ok {
		return ch, nil
	}

	ch := &Channel{id: cid, srv: s, subscribers: make(map[string]*sessions.Session)}
	for _, fn := range init {
		if fn != nil {
			fn(ch)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.channels[cid.String()]; ok {
		return existing, nil
	}
	s.channels[cid.String()] = ch
	return ch, nil
}

// Channel returns the channel with id if it exists.
func (s *Server) Channel(id string) (*Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// Channels returns all channels ordered by id.
func (s *Server) Channels() []*Channel {
	s.mu.RLock()
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Channel) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}
