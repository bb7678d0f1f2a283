package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/broker"
)

// relayEnvelope is what travels through the broker. Node lets a server
// skip its own publishes when they come back.
type relayEnvelope struct {
	Node    string          `json:"node"`
	Message *bayeux.Message `json:"message"`
}

func (s *Server) relay(ctx context.Context, msg *bayeux.Message) error {
	data, err := json.Marshal(relayEnvelope{Node: s.nodeID, Message: msg})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if _, err := s.broker.Publish(ctx, s.cfg.BrokerNamespace, data); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// handleRelay delivers a publish from another node to local subscribers.
// Malformed envelopes are logged and skipped so the subscription survives.
func (s *Server) handleRelay(ctx context.Context, env broker.MessageEnvelope) error {
	var rel relayEnvelope
	if err := json.Unmarshal(env.Data, &rel); err != nil || rel.Message == nil {
		s.log.WarnContext(ctx, "server.relay.malformed", slog.String("event_id", env.ID))
		return nil
	}
	if rel.Node == s.nodeID {
		return nil
	}
	cid, err := bayeux.ParseChannelID(rel.Message.Channel())
	if err != nil || !cid.IsBroadcast() || cid.IsWildcard() {
		s.log.WarnContext(ctx, "server.relay.invalid_channel", slog.String("channel", rel.Message.Channel()))
		return nil
	}
	n := s.fanOut(nil, cid, rel.Message)
	s.log.DebugContext(channelContext(ctx, cid.String()), "server.relay.delivered", slog.String("node", rel.Node), slog.Int("recipients", n))
	return nil
}

// Sweep expires sessions whose deadline passed at now and removes channels
// that stayed idle for several consecutive sweeps.
func (s *Server) Sweep(now time.Time) {
	expired := 0
	for _, ss := range s.Sessions() {
		if ss.Sweep(now) {
			expired++
		}
	}

	var idle []string
	s.mu.Lock()
	for id, ch := range s.channels {
		if ch.sweepLocked() {
			delete(s.channels, id)
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	if expired > 0 || len(idle) > 0 {
		s.log.Debug("server.sweep", slog.Int("sessions_expired", expired), slog.Any("channels_removed", idle))
	}
}

// Run sweeps every SweepPeriod and, when a broker is configured, delivers
// publishes relayed by other nodes. It blocks until ctx ends or the broker
// subscription fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.broker != nil {
		g.Go(func() error {
			err := s.broker.Subscribe(ctx, s.cfg.BrokerNamespace, "", s.handleRelay)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("broker subscribe: %w", err)
			}
			return err
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.SweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.Sweep(s.clock.Now())
			}
		}
	})

	return g.Wait()
}
