package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/internal/logctx"
	"github.com/ggoodman/bayeux-server-go/sessions"
)

// Handshake creates and registers a session for a /meta/handshake message
// received through t (the server default when nil). It returns the session,
// or nil when an extension denied the handshake, and the reply to send.
// Transports pass the reply through transport.Replies, which attaches
// messages queued by session listeners when the session allows it.
func (s *Server) Handshake(ctx context.Context, msg *bayeux.Message, t sessions.Transport) (*sessions.Session, *bayeux.Message) {
	ctx, span := s.tracer.Start(ctx, "bayeux.handshake")
	defer span.End()

	if t == nil {
		t = s.transport
	}
	if msg == nil {
		msg = bayeux.NewMessage(bayeux.MetaHandshake, nil)
	}
	reply := newReply(bayeux.MetaHandshake, msg)

	ss := s.NewSession()
	if !s.ExtendIncoming(ss, msg) {
		reply.SetSuccessful(false)
		reply.SetError("403::handshake_denied")
		reply.SetAdvice(map[string]any{bayeux.AdviceReconnect: bayeux.ReconnectNone})
		span.SetStatus(codes.Error, "handshake denied")
		s.log.InfoContext(ctx, "server.handshake.denied")
		return nil, reply
	}

	ss.Handshake(t)
	s.AddSession(ss)
	ss.ScheduleExpiration(t.Options().Interval)

	reply.SetClientID(ss.ID())
	reply.SetSuccessful(true)
	if advice := ss.TakeAdvice(t); advice != nil {
		reply.SetAdvice(advice)
	}

	span.SetAttributes(attribute.String("bayeux.client_id", ss.ID()), attribute.String("bayeux.transport", t.Name()))
	s.log.DebugContext(sessionContext(ctx, ss, t), "server.handshake")
	return ss, reply
}

// Connect processes a /meta/connect. Session expiry is suspended until the
// transport answers the connect and calls ScheduleExpiration, which
// transport.LongPoll does. Advice carried by msg applies to this exchange.
func (s *Server) Connect(ctx context.Context, ss *sessions.Session, msg *bayeux.Message, t sessions.Transport) *bayeux.Message {
	if t == nil {
		t = s.transport
	}
	reply := newReply(bayeux.MetaConnect, msg)
	if ss == nil || !ss.IsHandshook() {
		reply.SetSuccessful(false)
		reply.SetError("402::session_unknown")
		reply.SetAdvice(map[string]any{
			bayeux.AdviceReconnect: bayeux.ReconnectHandshake,
			bayeux.AdviceInterval:  int64(0),
		})
		return reply
	}

	ss.CancelExpiration(true)
	if msg != nil {
		applyConnectAdvice(ss, msg.Advice(false))
	}
	ss.Connected()

	reply.SetClientID(ss.ID())
	reply.SetSuccessful(true)
	if advice := ss.TakeAdvice(t); advice != nil {
		reply.SetAdvice(advice)
	}
	s.log.DebugContext(sessionContext(ctx, ss, t), "server.connect")
	return reply
}

// Subscribe subscribes ss to channel, creating the channel if needed.
// Extensions see a /meta/subscribe message and may deny it.
func (s *Server) Subscribe(ctx context.Context, ss *sessions.Session, channel string) error {
	if ss == nil || !ss.IsHandshook() {
		return ErrSessionUnknown
	}
	ss.CancelExpiration(false)

	cid, err := bayeux.ParseChannelID(channel)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidChannel, err)
	}
	if cid.IsMeta() {
		return fmt.Errorf("%w: cannot subscribe to %s", ErrInvalidChannel, channel)
	}

	msg := bayeux.NewMessage(bayeux.MetaSubscribe, nil)
	msg.SetClientID(ss.ID())
	msg.SetSubscription(cid.String())
	if !s.ExtendIncoming(ss, msg) || !ss.ExtendIncoming(msg) {
		return ErrDenied
	}

	// A channel swept between lookup and subscribe refuses the session;
	// the second attempt creates a fresh one.
	for range 2 {
		ch, err := s.CreateChannel(cid.String())
		if err != nil {
			return err
		}
		if ch.Subscribe(ss) {
			s.log.DebugContext(channelContext(sessionContext(ctx, ss, nil), cid.String()), "server.subscribe")
			return nil
		}
		if ss.IsTerminated() {
			return ErrSessionUnknown
		}
	}
	return fmt.Errorf("subscribe %s: channel removed concurrently", channel)
}

// Unsubscribe removes ss from channel. Unsubscribing from a channel the
// session is not subscribed to is not an error.
func (s *Server) Unsubscribe(ctx context.Context, ss *sessions.Session, channel string) error {
	if ss == nil || !ss.IsHandshook() {
		return ErrSessionUnknown
	}
	ss.CancelExpiration(false)

	msg := bayeux.NewMessage(bayeux.MetaUnsubscribe, nil)
	msg.SetClientID(ss.ID())
	msg.SetSubscription(channel)
	if !s.ExtendIncoming(ss, msg) || !ss.ExtendIncoming(msg) {
		return ErrDenied
	}

	if ch, ok := s.Channel(channel); ok && ch.Unsubscribe(ss) {
		s.log.DebugContext(channelContext(sessionContext(ctx, ss, nil), channel), "server.unsubscribe")
	}
	return nil
}

// Publish delivers msg to every subscriber of its channel and of the
// wildcard channels matching it, each session at most once. sender is nil
// for server-originated messages. Broadcast publishes are also relayed to
// the other nodes when a broker is configured.
func (s *Server) Publish(ctx context.Context, sender *sessions.Session, msg *bayeux.Message) error {
	ctx, span := s.tracer.Start(ctx, "bayeux.publish", trace.WithAttributes(attribute.String("bayeux.channel", msg.Channel())))
	defer span.End()

	cid, err := bayeux.ParseChannelID(msg.Channel())
	if err != nil {
		span.SetStatus(codes.Error, "invalid channel")
		return fmt.Errorf("%w: %w", ErrInvalidChannel, err)
	}
	if cid.IsMeta() || cid.IsWildcard() {
		span.SetStatus(codes.Error, "invalid channel")
		return fmt.Errorf("%w: cannot publish to %s", ErrInvalidChannel, cid)
	}
	if sender != nil {
		if !sender.IsHandshook() {
			return ErrSessionUnknown
		}
		sender.CancelExpiration(false)
	}
	if msg.IsFrozen() {
		msg = msg.Copy()
	}

	if !s.ExtendIncoming(sender, msg) || (sender != nil && !sender.ExtendIncoming(msg)) {
		span.SetStatus(codes.Error, "denied")
		return ErrDenied
	}

	n := s.fanOut(sender, cid, msg)
	span.SetAttributes(attribute.Int("bayeux.recipients", n))
	s.metrics.IncCounter(metricMessagesPublished, nil)

	logCtx := channelContext(ctx, cid.String())
	if sender != nil {
		logCtx = sessionContext(logCtx, sender, nil)
	}
	s.log.DebugContext(logCtx, "server.publish", slog.Int("recipients", n))

	if s.broker == nil || !cid.IsBroadcast() {
		return nil
	}
	if err := s.relay(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "relay failed")
		s.metrics.IncCounter(metricBrokerPublishFailed, nil)
		s.log.WarnContext(logCtx, "server.relay.failed", slog.String("err", err.Error()))
		return err
	}
	return nil
}

// fanOut queues a copy of msg for every distinct subscriber of cid and its
// wildcards and returns how many accepted it. Lazy channels mark msg lazy.
func (s *Server) fanOut(sender *sessions.Session, cid bayeux.ChannelID, msg *bayeux.Message) int {
	ids := append([]string{cid.String()}, cid.Wilds()...)
	chans := make([]*Channel, 0, len(ids))
	s.mu.RLock()
	for _, id := range ids {
		if ch, ok := s.channels[id]; ok {
			chans = append(chans, ch)
		}
	}
	s.mu.RUnlock()

	for _, ch := range chans {
		if ch.IsLazy() && !msg.Lazy() {
			msg.SetLazy(true)
		}
	}

	seen := make(map[*sessions.Session]struct{})
	n := 0
	for _, ch := range chans {
		for _, sub := range ch.Subscribers() {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			if sub.Deliver(sender, msg.Copy()) {
				n++
			}
		}
	}
	return n
}

// newReply answers msg on channel, echoing the message id.
func newReply(channel string, msg *bayeux.Message) *bayeux.Message {
	reply := bayeux.NewMessage(channel, nil)
	if msg != nil {
		reply.SetID(msg.ID())
	}
	return reply
}

// applyConnectAdvice adopts the timeout and interval a client asked for on
// its connect for the current exchange.
func applyConnectAdvice(ss *sessions.Session, advice map[string]any) {
	if d, ok := millis(advice[bayeux.AdviceTimeout]); ok {
		ss.UpdateTransientTimeout(d)
	}
	if d, ok := millis(advice[bayeux.AdviceInterval]); ok {
		ss.UpdateTransientInterval(d)
	}
}

// millis reads an advice value in milliseconds as decoded from JSON or set
// in code.
func millis(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case float64:
		return time.Duration(n) * time.Millisecond, true
	case int:
		return time.Duration(n) * time.Millisecond, true
	case int64:
		return time.Duration(n) * time.Millisecond, true
	default:
		return 0, false
	}
}

func sessionContext(ctx context.Context, ss *sessions.Session, t sessions.Transport) context.Context {
	sd := &logctx.SessionData{SessionID: ss.ID(), State: ss.State().String()}
	if t != nil {
		sd.Transport = t.Name()
	}
	return logctx.WithSessionData(ctx, sd)
}

func channelContext(ctx context.Context, channel string) context.Context {
	return logctx.WithChannelData(ctx, &logctx.ChannelData{ChannelID: channel})
}
