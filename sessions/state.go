package sessions

// State is the lifecycle position of a session.
type State int

const (
	StateNew State = iota
	StateHandshaken
	StateConnected
	StateDisconnected
	StateExpired
)

func (st State) String() string {
	switch st {
	case StateNew:
		return "NEW"
	case StateHandshaken:
		return "HANDSHAKEN"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func (st State) handshook() bool { return st == StateHandshaken || st == StateConnected }

func (st State) terminal() bool { return st == StateDisconnected || st == StateExpired }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsHandshook() bool { return s.State().handshook() }

func (s *Session) IsConnected() bool { return s.State() == StateConnected }

func (s *Session) IsDisconnected() bool { return s.State() == StateDisconnected }

func (s *Session) IsTerminated() bool { return s.State().terminal() }

// Handshake moves a new session to Handshaken and adopts the limits of t
// when t is non-nil. It returns false if the session already handshook or
// terminated. The limits of t are adopted even then: a repeated handshake
// through another transport still switches the session to that
// transport's queue, interval and processing limits.
func (s *Session) Handshake(t Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t != nil {
		opts := t.Options()
		s.transport = t
		s.maxQueue = opts.MaxQueue
		s.maxInterval = opts.MaxInterval
		s.maxProcessing = opts.MaxProcessing
		s.maxLazy = opts.MaxLazyTimeout
	}
	if s.state != StateNew {
		return false
	}
	s.state = StateHandshaken
	return true
}

// Connected records a successful /meta/connect.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.handshook() {
		return false
	}
	s.state = StateConnected
	return true
}

// Removed terminates the session. It is called by the owner once the session
// has left its registry. The first call tears down subscriptions and
// notifies RemovedListeners; later calls do nothing. The result reports
// whether the session had completed a handshake.
func (s *Session) Removed(timedOut bool) bool {
	s.mu.Lock()
	wasHandshook := s.state.handshook()
	if s.state.terminal() {
		s.mu.Unlock()
		return false
	}
	if timedOut {
		s.state = StateExpired
	} else {
		s.state = StateDisconnected
	}
	subs := make([]Channel, 0, len(s.subscriptions))
	for _, ch := range s.subscriptions {
		subs = append(subs, ch)
	}
	clear(s.subscriptions)
	stale := s.lazy.cancel()
	s.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}
	for _, ch := range subs {
		ch.Unsubscribe(s)
	}
	for _, e := range snapshot(&s.listeners, &s.listeners.removed) {
		s.notifyRemoved(e.l, timedOut)
	}
	return wasHandshook
}

// Added notifies AddedListeners that the owner registered the session.
func (s *Session) Added() {
	for _, e := range snapshot(&s.listeners, &s.listeners.added) {
		s.notifyAdded(e.l)
	}
}

// Disconnect removes the session through its owner. When the session had
// handshook, a successful /meta/disconnect is queued and flushed so an
// attached transport can tell the client.
func (s *Session) Disconnect() {
	if !s.owner.RemoveSession(s, false) {
		return
	}
	msg := bayeuxDisconnect()
	s.Deliver(nil, msg)
	s.Flush()
}
