package bayeux

import (
	"fmt"
	"strings"
)

// Well-known meta channels.
const (
	MetaHandshake   = "/meta/handshake"
	MetaConnect     = "/meta/connect"
	MetaSubscribe   = "/meta/subscribe"
	MetaUnsubscribe = "/meta/unsubscribe"
	MetaDisconnect  = "/meta/disconnect"
)

// Advice keys and reconnect values.
const (
	AdviceReconnect   = "reconnect"
	AdviceInterval    = "interval"
	AdviceTimeout     = "timeout"
	AdviceMaxInterval = "maxInterval"

	ReconnectRetry     = "retry"
	ReconnectHandshake = "handshake"
	ReconnectNone      = "none"
)

const (
	wildSegment     = "*"
	deepWildSegment = "**"
)

// ChannelID is a parsed channel name such as /chat/room or /chat/**.
type ChannelID struct {
	id       string
	segments []string
}

// ParseChannelID validates and parses a channel name.
func ParseChannelID(id string) (ChannelID, error) {
	if !strings.HasPrefix(id, "/") || len(id) < 2 {
		return ChannelID{}, fmt.Errorf("invalid channel %q: must start with '/'", id)
	}
	id = strings.TrimSuffix(id, "/")
	segments := strings.Split(id[1:], "/")
	for i, seg := range segments {
		if seg == "" {
			return ChannelID{}, fmt.Errorf("invalid channel %q: empty segment", id)
		}
		if (seg == wildSegment || seg == deepWildSegment) && i != len(segments)-1 {
			return ChannelID{}, fmt.Errorf("invalid channel %q: wildcard must be the last segment", id)
		}
	}
	return ChannelID{id: id, segments: segments}, nil
}

// MustParseChannelID is like ParseChannelID but panics on error.
func MustParseChannelID(id string) ChannelID {
	c, err := ParseChannelID(id)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ChannelID) String() string { return c.id }

func (c ChannelID) Depth() int { return len(c.segments) }

// Segment returns the i-th segment or "" when out of range.
func (c ChannelID) Segment(i int) string {
	if i < 0 || i >= len(c.segments) {
		return ""
	}
	return c.segments[i]
}

func (c ChannelID) IsMeta() bool { return c.Segment(0) == "meta" }

func (c ChannelID) IsService() bool { return c.Segment(0) == "service" }

func (c ChannelID) IsBroadcast() bool { return !c.IsMeta() && !c.IsService() }

func (c ChannelID) IsWild() bool { return c.last() == wildSegment }

func (c ChannelID) IsDeepWild() bool { return c.last() == deepWildSegment }

// IsWildcard reports whether the id is either a wild or a deep wild pattern.
func (c ChannelID) IsWildcard() bool { return c.IsWild() || c.IsDeepWild() }

func (c ChannelID) last() string {
	if len(c.segments) == 0 {
		return ""
	}
	return c.segments[len(c.segments)-1]
}

// Parent returns the id without its last segment, or "" for a root channel.
func (c ChannelID) Parent() string {
	if len(c.segments) <= 1 {
		return ""
	}
	return "/" + strings.Join(c.segments[:len(c.segments)-1], "/")
}

// Matches reports whether other is matched by c. A non-wild id only matches
// itself; /a/* matches /a/b; /a/** matches /a/b and /a/b/c.
func (c ChannelID) Matches(other ChannelID) bool {
	switch {
	case c.IsDeepWild():
		if other.Depth() < c.Depth() {
			return false
		}
	case c.IsWild():
		if other.Depth() != c.Depth() {
			return false
		}
	default:
		return c.id == other.id
	}
	for i := 0; i < len(c.segments)-1; i++ {
		if c.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// Wilds lists every wildcard id that matches c, most specific first.
// /a/b/c yields /a/b/*, /a/b/**, /a/**, /**. Wildcard ids have no wilds.
func (c ChannelID) Wilds() []string {
	if c.IsWildcard() || len(c.segments) == 0 {
		return nil
	}
	n := len(c.segments)
	wilds := make([]string, 0, n+1)
	wilds = append(wilds, prefix(c.segments[:n-1])+"/"+wildSegment)
	for i := n - 1; i >= 0; i-- {
		wilds = append(wilds, prefix(c.segments[:i])+"/"+deepWildSegment)
	}
	return wilds
}

func prefix(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}

func isMetaChannel(channel string) bool {
	return channel == "/meta" || strings.HasPrefix(channel, "/meta/")
}
