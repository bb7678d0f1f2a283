package sessions

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// unset marks a duration setting that has not been configured.
const unset time.Duration = -1

// Session is the server-side state of one Bayeux client.
type Session struct {
	id      string
	owner   Owner
	log     *slog.Logger
	clock   Clock
	metrics MetricsSink
	local   LocalReceiver

	listeners registry

	extMu      sync.RWMutex
	extNext    uint64
	extensions []entry[Extension]

	attrMu     sync.RWMutex
	attributes map[string]any

	mu            sync.Mutex
	state         State
	queue         *MessageQueue
	nonLazy       bool
	batch         int
	scheduler     Scheduler
	lazy          lazyTask
	subscriptions map[string]Channel

	broadcastToPublisher    bool
	metaConnectDeliveryOnly bool
	allowDuringHandshake    bool
	userAgent               string
	browserID               string

	transport        Transport
	advisedTransport Transport

	messageTime  time.Time
	scheduleTime time.Time
	expireTime   time.Time

	timeout           time.Duration
	interval          time.Duration
	transientTimeout  time.Duration
	transientInterval time.Duration
	maxQueue          int
	maxInterval       time.Duration
	maxProcessing     time.Duration
	maxLazy           time.Duration
}

type options struct {
	log                  *slog.Logger
	clock                Clock
	metrics              MetricsSink
	idgen                IDGenerator
	hint                 string
	broadcastToPublisher bool
	local                LocalReceiver
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the logger used for recovered callback panics and lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock replaces the wall clock; tests use it to drive lazy timers and sweeps.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMetrics sets the sink receiving queue and flush counters.
func WithMetrics(m MetricsSink) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithIDGenerator overrides DefaultIDGenerator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.idgen = g
		}
	}
}

// WithIDHint prefixes the generated id with hint and an underscore.
func WithIDHint(hint string) Option { return func(o *options) { o.hint = hint } }

// WithBroadcastToPublisher controls whether a session receives its own
// publishes. Defaults to true.
func WithBroadcastToPublisher(v bool) Option {
	return func(o *options) { o.broadcastToPublisher = v }
}

// WithLocalReceiver makes the session local: it never has a scheduler, is
// exempt from sweeping and delivers flushed messages to r synchronously.
func WithLocalReceiver(r LocalReceiver) Option { return func(o *options) { o.local = r } }

// New creates a session owned by owner. A nil owner makes the session
// self-managed: RemoveSession only transitions its state.
func New(owner Owner, opts ...Option) *Session {
	cfg := options{
		log:                  slog.Default(),
		clock:                SystemClock{},
		metrics:              nopMetrics{},
		idgen:                DefaultIDGenerator,
		broadcastToPublisher: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if owner == nil {
		owner = nopOwner{}
	}

	s := &Session{
		id:                   cfg.idgen.NewID(cfg.hint),
		owner:                owner,
		clock:                cfg.clock,
		metrics:              cfg.metrics,
		local:                cfg.local,
		attributes:           make(map[string]any),
		state:                StateNew,
		queue:                newMessageQueue(),
		subscriptions:        make(map[string]Channel),
		broadcastToPublisher: cfg.broadcastToPublisher,
		timeout:              unset,
		interval:             unset,
		transientTimeout:     unset,
		transientInterval:    unset,
		maxQueue:             -1,
		maxProcessing:        unset,
		maxLazy:              unset,
	}
	s.log = cfg.log.With(slog.String("session_id", s.id))
	s.messageTime = s.clock.Now()
	return s
}

func (s *Session) ID() string { return s.id }

// IsLocal reports whether the session delivers to an in-process receiver.
func (s *Session) IsLocal() bool { return s.local != nil }

func (s *Session) Logger() *slog.Logger { return s.log }

func (s *Session) BroadcastToPublisher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastToPublisher
}

func (s *Session) SetBroadcastToPublisher(v bool) {
	s.mu.Lock()
	s.broadcastToPublisher = v
	s.mu.Unlock()
}

// MetaConnectDeliveryOnly reports whether messages may only be sent on a
// /meta/connect reply rather than on any reply.
func (s *Session) MetaConnectDeliveryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaConnectDeliveryOnly
}

func (s *Session) SetMetaConnectDeliveryOnly(v bool) {
	s.mu.Lock()
	s.metaConnectDeliveryOnly = v
	s.mu.Unlock()
}

// AllowMessageDeliveryDuringHandshake reports whether queued messages may
// piggyback on the handshake reply.
func (s *Session) AllowMessageDeliveryDuringHandshake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowDuringHandshake
}

func (s *Session) SetAllowMessageDeliveryDuringHandshake(v bool) {
	s.mu.Lock()
	s.allowDuringHandshake = v
	s.mu.Unlock()
}

func (s *Session) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgent
}

func (s *Session) SetUserAgent(ua string) {
	s.mu.Lock()
	s.userAgent = ua
	s.mu.Unlock()
}

func (s *Session) BrowserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browserID
}

func (s *Session) SetBrowserID(id string) {
	s.mu.Lock()
	s.browserID = id
	s.mu.Unlock()
}

// String renders the session as id,state,last=<ms since last message>,expire=<ms until expiry>.
func (s *Session) String() string {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var expire int64
	if !s.expireTime.IsZero() {
		expire = s.expireTime.Sub(now).Milliseconds()
	}
	return fmt.Sprintf("%s,%s,last=%d,expire=%d", s.id, s.state, now.Sub(s.messageTime).Milliseconds(), expire)
}
