package server

import (
	"log/slog"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// Extension sees every message entering or leaving the server.
type Extension interface {
	// Incoming runs in registration order for messages received from from.
	// Returning false denies the message.
	Incoming(from *sessions.Session, msg *bayeux.Message) bool
	// Outgoing runs in reverse registration order before msg is queued for
	// to. from is nil for server-originated messages. It may modify msg in
	// place; returning false vetoes delivery to to.
	Outgoing(from, to *sessions.Session, msg *bayeux.Message) bool
}

// ExtensionFuncs builds an Extension from optional functions.
type ExtensionFuncs struct {
	IncomingFunc func(from *sessions.Session, msg *bayeux.Message) bool
	OutgoingFunc func(from, to *sessions.Session, msg *bayeux.Message) bool
}

func (e ExtensionFuncs) Incoming(from *sessions.Session, msg *bayeux.Message) bool {
	if e.IncomingFunc == nil {
		return true
	}
	return e.IncomingFunc(from, msg)
}

func (e ExtensionFuncs) Outgoing(from, to *sessions.Session, msg *bayeux.Message) bool {
	if e.OutgoingFunc == nil {
		return true
	}
	return e.OutgoingFunc(from, to, msg)
}

type extensionEntry struct {
	id  uint64
	ext Extension
}

// AddExtension registers e and returns a function removing it.
func (s *Server) AddExtension(e Extension) (remove func()) {
	s.extMu.Lock()
	defer s.extMu.Unlock()
	s.extNext++
	id := s.extNext
	// Copy on write: callers iterate snapshots without the lock.
	next := make([]extensionEntry, len(s.extensions), len(s.extensions)+1)
	copy(next, s.extensions)
	s.extensions = append(next, extensionEntry{id: id, ext: e})
	return func() {
		s.extMu.Lock()
		defer s.extMu.Unlock()
		next := make([]extensionEntry, 0, len(s.extensions))
		for _, x := range s.extensions {
			if x.id != id {
				next = append(next, x)
			}
		}
		s.extensions = next
	}
}

func (s *Server) extensionSnapshot() []extensionEntry {
	s.extMu.RLock()
	defer s.extMu.RUnlock()
	return s.extensions
}

// ExtendIncoming runs the server incoming chain and reports whether msg
// survived it.
func (s *Server) ExtendIncoming(from *sessions.Session, msg *bayeux.Message) bool {
	for _, e := range s.extensionSnapshot() {
		if !s.callIncoming(e.ext, from, msg) {
			return false
		}
	}
	return true
}

// ExtendOutgoing implements sessions.Owner.
func (s *Server) ExtendOutgoing(from, to *sessions.Session, msg *bayeux.Message) bool {
	exts := s.extensionSnapshot()
	for i := len(exts) - 1; i >= 0; i-- {
		if !s.callOutgoing(exts[i].ext, from, to, msg) {
			return false
		}
	}
	return true
}

func (s *Server) callIncoming(e Extension, from *sessions.Session, msg *bayeux.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("server.extension.panic",
				slog.String("direction", "incoming"),
				slog.String("channel", msg.Channel()),
				slog.Any("panic", r))
			ok = true
		}
	}()
	return e.Incoming(from, msg)
}

func (s *Server) callOutgoing(e Extension, from, to *sessions.Session, msg *bayeux.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Info("server.extension.panic",
				slog.String("direction", "outgoing"),
				slog.String("channel", msg.Channel()),
				slog.Any("panic", r))
			ok = true
		}
	}()
	return e.Outgoing(from, to, msg)
}

// Listener follows sessions joining and leaving the server.
type Listener interface {
	SessionAdded(s *sessions.Session)
	SessionRemoved(s *sessions.Session, timedOut bool)
}

// ListenerFuncs builds a Listener from optional functions.
type ListenerFuncs struct {
	AddedFunc   func(s *sessions.Session)
	RemovedFunc func(s *sessions.Session, timedOut bool)
}

func (l ListenerFuncs) SessionAdded(s *sessions.Session) {
	if l.AddedFunc != nil {
		l.AddedFunc(s)
	}
}

func (l ListenerFuncs) SessionRemoved(s *sessions.Session, timedOut bool) {
	if l.RemovedFunc != nil {
		l.RemovedFunc(s, timedOut)
	}
}

type listenerEntry struct {
	id uint64
	l  Listener
}

// AddListener registers l and returns a function removing it.
func (s *Server) AddListener(l Listener) (remove func()) {
	s.lisMu.Lock()
	defer s.lisMu.Unlock()
	s.lisNext++
	id := s.lisNext
	next := make([]listenerEntry, len(s.listeners), len(s.listeners)+1)
	copy(next, s.listeners)
	s.listeners = append(next, listenerEntry{id: id, l: l})
	return func() {
		s.lisMu.Lock()
		defer s.lisMu.Unlock()
		next := make([]listenerEntry, 0, len(s.listeners))
		for _, x := range s.listeners {
			if x.id != id {
				next = append(next, x)
			}
		}
		s.listeners = next
	}
}

func (s *Server) listenerSnapshot() []listenerEntry {
	s.lisMu.RLock()
	defer s.lisMu.RUnlock()
	return s.listeners
}

func (s *Server) notifyAdded(l Listener, ss *sessions.Session) {
	defer s.recoverListener()
	l.SessionAdded(ss)
}

func (s *Server) notifyRemoved(l Listener, ss *sessions.Session, timedOut bool) {
	defer s.recoverListener()
	l.SessionRemoved(ss, timedOut)
}

func (s *Server) recoverListener() {
	if r := recover(); r != nil {
		s.log.Info("server.listener.panic", slog.Any("panic", r))
	}
}
