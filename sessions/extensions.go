package sessions

import (
	"log/slog"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// Extension observes and rewrites messages flowing through one session.
type Extension interface {
	// Incoming is called for messages received from the client, in
	// registration order. Returning false vetoes the message.
	Incoming(s *Session, msg *bayeux.Message) bool
	// Outgoing is called for messages about to be queued, in reverse
	// registration order. It returns the message to continue with, which may
	// be a replacement, or nil to veto.
	Outgoing(s *Session, msg *bayeux.Message) *bayeux.Message
}

// ExtensionFuncs builds an Extension from optional functions. A nil field
// passes the message through unchanged.
type ExtensionFuncs struct {
	IncomingFunc func(s *Session, msg *bayeux.Message) bool
	OutgoingFunc func(s *Session, msg *bayeux.Message) *bayeux.Message
}

func (e ExtensionFuncs) Incoming(s *Session, msg *bayeux.Message) bool {
	if e.IncomingFunc == nil {
		return true
	}
	return e.IncomingFunc(s, msg)
}

func (e ExtensionFuncs) Outgoing(s *Session, msg *bayeux.Message) *bayeux.Message {
	if e.OutgoingFunc == nil {
		return msg
	}
	return e.OutgoingFunc(s, msg)
}

// AddExtension appends e to the chain and returns a function removing it.
func (s *Session) AddExtension(e Extension) (remove func()) {
	s.extMu.Lock()
	defer s.extMu.Unlock()
	s.extNext++
	id := s.extNext
	s.extensions = appendEntry(s.extensions, id, e)
	return func() {
		s.extMu.Lock()
		s.extensions = removeEntry(s.extensions, id)
		s.extMu.Unlock()
	}
}

// Extensions returns the registered extensions in registration order.
func (s *Session) Extensions() []Extension {
	s.extMu.RLock()
	defer s.extMu.RUnlock()
	out := make([]Extension, len(s.extensions))
	for i, e := range s.extensions {
		out[i] = e.l
	}
	return out
}

func (s *Session) extensionSnapshot() []entry[Extension] {
	s.extMu.RLock()
	defer s.extMu.RUnlock()
	return s.extensions
}

// ExtendIncoming runs the session's incoming chain over msg and reports
// whether it survived.
func (s *Session) ExtendIncoming(msg *bayeux.Message) bool {
	for _, e := range s.extensionSnapshot() {
		if !s.callIncoming(e.l, msg) {
			return false
		}
	}
	return true
}

// extendOutgoing runs the outgoing chain in reverse registration order and
// returns the resulting message, or nil when an extension vetoed it.
func (s *Session) extendOutgoing(msg *bayeux.Message) *bayeux.Message {
	exts := s.extensionSnapshot()
	for i := len(exts) - 1; i >= 0; i-- {
		msg = s.callOutgoing(exts[i].l, msg)
		if msg == nil {
			return nil
		}
	}
	return msg
}

func (s *Session) callIncoming(e Extension, msg *bayeux.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("session.extension.panic",
				slog.String("direction", "incoming"),
				slog.String("channel", msg.Channel()),
				slog.Any("panic", r))
			ok = true
		}
	}()
	return e.Incoming(s, msg)
}

func (s *Session) callOutgoing(e Extension, msg *bayeux.Message) (out *bayeux.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("session.extension.panic",
				slog.String("direction", "outgoing"),
				slog.String("channel", msg.Channel()),
				slog.Any("panic", r))
			out = msg
		}
	}()
	return e.Outgoing(s, msg)
}
