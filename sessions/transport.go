package sessions

import "time"

// TransportOptions are the per-transport limits a session adopts at handshake.
type TransportOptions struct {
	// Timeout is how long a /meta/connect may be held open.
	Timeout time.Duration
	// Interval is the pause the client is advised to take between connects.
	Interval time.Duration
	// MaxInterval is the grace period after Interval before a session without
	// an outstanding connect expires.
	MaxInterval time.Duration
	// MaxLazyTimeout bounds how long a lazy message may wait.
	MaxLazyTimeout time.Duration
	// MaxProcessing bounds how long a session may go without completing a
	// message exchange while a connect is held. Zero or negative disables it.
	MaxProcessing time.Duration
	// MaxQueue is the queue length at which MaxQueueListeners are consulted.
	// Zero or negative is unbounded.
	MaxQueue int
	// HandshakeReconnect makes advice include maxInterval.
	HandshakeReconnect bool
}

// Transport identifies the transport a session was reached through.
// Implementations must be comparable; TakeAdvice compares them by identity.
type Transport interface {
	Name() string
	Options() TransportOptions
}
