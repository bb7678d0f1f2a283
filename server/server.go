// Package server is the registry that owns sessions and channels. It
// implements sessions.Owner, routes publishes to subscribers, relays them to
// other nodes through an optional broker.Broker and periodically sweeps
// expired sessions and idle channels.
package server

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/bayeux-server-go/broker"
	"github.com/ggoodman/bayeux-server-go/internal/logctx"
	"github.com/ggoodman/bayeux-server-go/sessions"
	"github.com/ggoodman/bayeux-server-go/transport"
)

const tracerName = "github.com/ggoodman/bayeux-server-go/server"

const (
	metricSessionsAdded       = "sessions_added"
	metricSessionsRemoved     = "sessions_removed"
	metricMessagesPublished   = "messages_published"
	metricBrokerPublishFailed = "broker_publish_failed"
)

var (
	ErrSessionUnknown = errors.New("unknown session")
	ErrInvalidChannel = errors.New("invalid channel")
	ErrDenied         = errors.New("message denied")
)

// Server owns the sessions and channels of one node.
type Server struct {
	cfg       Config
	log       *slog.Logger
	clock     sessions.Clock
	idgen     sessions.IDGenerator
	metrics   sessions.MetricsSink
	tracer    trace.Tracer
	broker    broker.Broker
	transport *transport.Config
	nodeID    string

	mu       sync.RWMutex
	sessions map[string]*sessions.Session
	channels map[string]*Channel

	extMu      sync.RWMutex
	extNext    uint64
	extensions []extensionEntry

	lisMu     sync.RWMutex
	lisNext   uint64
	listeners []listenerEntry
}

var _ sessions.Owner = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		cfg.applyDefaults()
		s.cfg = cfg
	}
}

// WithLogger sets the logger; records are enriched with the session and
// channel carried on the context.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces the wall clock for sessions and sweeps.
func WithClock(c sessions.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator overrides sessions.DefaultIDGenerator.
func WithIDGenerator(g sessions.IDGenerator) Option {
	return func(s *Server) {
		if g != nil {
			s.idgen = g
		}
	}
}

// WithMetrics sets the sink for server and session metrics.
func WithMetrics(m sessions.MetricsSink) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer used for handshake and publish spans. The
// default is the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithBroker relays publishes to the other nodes sharing b.
func WithBroker(b broker.Broker) Option {
	return func(s *Server) { s.broker = b }
}

// New creates a server.
func New(opts ...Option) *Server {
	s := &Server{
		cfg:      DefaultConfig(),
		log:      slog.Default(),
		clock:    sessions.SystemClock{},
		idgen:    sessions.DefaultIDGenerator,
		metrics:  nopMetrics{},
		tracer:   otel.Tracer(tracerName),
		nodeID:   uuid.NewString(),
		sessions: make(map[string]*sessions.Session),
		channels: make(map[string]*Channel),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if _, ok := s.log.Handler().(logctx.Handler); !ok {
		s.log = slog.New(logctx.Handler{Handler: s.log.Handler()})
	}
	s.transport = transport.NewConfig("default", s.cfg.TransportOptions())
	return s
}

func (s *Server) Config() Config { return s.cfg }

func (s *Server) Logger() *slog.Logger { return s.log }

// NodeID identifies this server among the nodes sharing a broker.
func (s *Server) NodeID() string { return s.nodeID }

// Transport is the transport sessions adopt when they handshake without one.
func (s *Server) Transport() *transport.Config { return s.transport }

// NewSession creates a session owned by the server. It is not registered
// until AddSession or Handshake.
func (s *Server) NewSession(opts ...sessions.Option) *sessions.Session {
	base := []sessions.Option{
		sessions.WithLogger(s.log),
		sessions.WithClock(s.clock),
		sessions.WithMetrics(s.metrics),
		sessions.WithIDGenerator(s.idgen),
		sessions.WithBroadcastToPublisher(s.cfg.BroadcastToPublisher),
	}
	ss := sessions.New(s, append(base, opts...)...)
	ss.SetMetaConnectDeliveryOnly(s.cfg.MetaConnectDeliveryOnly)
	ss.SetAllowMessageDeliveryDuringHandshake(s.cfg.AllowMessageDeliveryDuringHandshake)
	return ss
}

// NewLocalSession creates, handshakes and registers an in-process session
// whose messages are delivered synchronously to r.
func (s *Server) NewLocalSession(hint string, r sessions.LocalReceiver) *sessions.Session {
	ls := s.NewSession(sessions.WithIDHint(hint), sessions.WithLocalReceiver(r))
	ls.Handshake(nil)
	ls.SetMaxLazyTimeout(s.cfg.MaxLazyTimeout)
	s.AddSession(ls)
	return ls
}

// AddSession registers ss and notifies session and server listeners.
func (s *Server) AddSession(ss *sessions.Session) {
	s.mu.Lock()
	s.sessions[ss.ID()] = ss
	s.mu.Unlock()

	ss.Added()
	for _, e := range s.listenerSnapshot() {
		s.notifyAdded(e.l, ss)
	}
	s.metrics.IncCounter(metricSessionsAdded, nil)
	s.log.Debug("server.session.added", slog.String("session_id", ss.ID()))
}

// RemoveSession implements sessions.Owner.
func (s *Server) RemoveSession(ss *sessions.Session, timedOut bool) bool {
	s.mu.Lock()
	existing, ok := s.sessions[ss.ID()]
	if ok && existing == ss {
		delete(s.sessions, ss.ID())
	}
	s.mu.Unlock()
	if !ok || existing != ss {
		return false
	}

	wasHandshook := ss.Removed(timedOut)
	for _, e := range s.listenerSnapshot() {
		s.notifyRemoved(e.l, ss, timedOut)
	}
	s.metrics.IncCounter(metricSessionsRemoved, map[string]string{"timed_out": boolLabel(timedOut)})
	s.log.Debug("server.session.removed", slog.String("session_id", ss.ID()), slog.Bool("timed_out", timedOut))
	return wasHandshook
}

// Session returns the registered session with id.
func (s *Server) Session(id string) (*sessions.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss, ok := s.sessions[id]
	return ss, ok
}

// Sessions returns the registered sessions ordered by id.
func (s *Server) Sessions() []*sessions.Session {
	s.mu.RLock()
	out := make([]*sessions.Session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, ss)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *sessions.Session) int { return strings.Compare(a.ID(), b.ID()) })
	return out
}

func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// LazyTimeout implements sessions.Owner using the channel's lazy timeout.
func (s *Server) LazyTimeout(channel string) time.Duration {
	ch, ok := s.Channel(channel)
	if !ok {
		return 0
	}
	return ch.LazyTimeout()
}

type nopMetrics struct{}

func (nopMetrics) IncCounter(string, map[string]string) {}

func (nopMetrics) ObserveHistogram(string, float64, map[string]string) {}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
