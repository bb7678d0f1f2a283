package sessions

import (
	"log/slog"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
)

// Sweep removes the session through its owner when it has expired at now:
// either no connect arrived within interval+maxInterval of the last one, or
// a held connect exceeded the max processing time. Local sessions never
// expire. It reports whether the session was removed.
func (s *Session) Sweep(now time.Time) bool {
	if s.IsLocal() {
		return false
	}

	s.mu.Lock()
	remove := false
	if s.expireTime.IsZero() {
		remove = s.maxProcessing > 0 && now.After(s.messageTime.Add(s.maxProcessing))
	} else {
		remove = now.After(s.expireTime)
	}
	var sch Scheduler
	if remove {
		sch = s.scheduler
		s.scheduler = nil
	}
	s.mu.Unlock()

	if !remove {
		return false
	}
	s.log.Info("session.sweep.expired", slog.String("session", s.String()))
	if sch != nil {
		sch.Destroy()
	}
	s.owner.RemoveSession(s, true)
	return true
}

// CancelExpiration records activity. A /meta/connect suspends expiry until
// ScheduleExpiration is called when the connect is answered; other messages
// push the pending expiry back by the time elapsed since it was scheduled.
func (s *Session) CancelExpiration(metaConnect bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageTime = now
	if metaConnect {
		s.expireTime = time.Time{}
	} else if !s.expireTime.IsZero() {
		s.expireTime = s.expireTime.Add(now.Sub(s.scheduleTime))
	}
}

// ScheduleExpiration arms expiry at now + interval + maxInterval, where the
// interval is CalculateInterval(defaultInterval).
func (s *Session) ScheduleExpiration(defaultInterval time.Duration) {
	interval := s.CalculateInterval(defaultInterval)
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleTime = now
	s.expireTime = now.Add(interval + s.maxInterval)
}

// ExpireTime returns the scheduled expiry, or the zero time while a connect is held.
func (s *Session) ExpireTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireTime
}

func (s *Session) MaxInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInterval
}

func (s *Session) SetMaxInterval(d time.Duration) {
	s.mu.Lock()
	s.maxInterval = d
	s.mu.Unlock()
}

func (s *Session) MaxProcessing() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxProcessing
}

func (s *Session) SetMaxProcessing(d time.Duration) {
	s.mu.Lock()
	s.maxProcessing = d
	s.mu.Unlock()
}

// Timeout returns the durable connect timeout override, negative when unset.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetTimeout overrides the connect timeout for this session. A negative
// value clears the override. The client is re-advised on its next connect.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.advisedTransport = nil
	s.mu.Unlock()
}

// Interval returns the durable interval override, negative when unset.
func (s *Session) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval overrides the reconnect interval for this session. A negative
// value clears the override.
func (s *Session) SetInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.advisedTransport = nil
	s.mu.Unlock()
}

// UpdateTransientTimeout sets a timeout requested for the current exchange
// only, typically from the advice of an incoming connect.
func (s *Session) UpdateTransientTimeout(d time.Duration) {
	s.mu.Lock()
	s.transientTimeout = d
	s.mu.Unlock()
}

func (s *Session) UpdateTransientInterval(d time.Duration) {
	s.mu.Lock()
	s.transientInterval = d
	s.mu.Unlock()
}

// CalculateTimeout resolves the connect timeout: transient, then durable,
// then def.
func (s *Session) CalculateTimeout(def time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.transientTimeout >= 0:
		return s.transientTimeout
	case s.timeout >= 0:
		return s.timeout
	default:
		return def
	}
}

// CalculateInterval resolves the reconnect interval: transient, then
// durable, then def.
func (s *Session) CalculateInterval(def time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.transientInterval >= 0:
		return s.transientInterval
	case s.interval >= 0:
		return s.interval
	default:
		return def
	}
}

// TakeAdvice returns the advice to attach to a reply sent through t, or nil
// when the client was already advised for t. Durations are in milliseconds.
func (s *Session) TakeAdvice(t Transport) map[string]any {
	if t == nil {
		return nil
	}
	s.mu.Lock()
	if s.advisedTransport == t {
		s.mu.Unlock()
		return nil
	}
	s.advisedTransport = t
	maxInterval := s.maxInterval
	s.mu.Unlock()

	opts := t.Options()
	advice := map[string]any{
		bayeux.AdviceReconnect: bayeux.ReconnectRetry,
		bayeux.AdviceInterval:  s.CalculateInterval(opts.Interval).Milliseconds(),
		bayeux.AdviceTimeout:   s.CalculateTimeout(opts.Timeout).Milliseconds(),
	}
	if opts.HandshakeReconnect {
		advice[bayeux.AdviceMaxInterval] = maxInterval.Milliseconds()
	}
	return advice
}

// ReAdvise forces the next TakeAdvice to return advice.
func (s *Session) ReAdvise() {
	s.mu.Lock()
	s.advisedTransport = nil
	s.mu.Unlock()
}
