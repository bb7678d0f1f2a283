// Package brokertest checks that a broker.Broker carries the server's relay
// traffic between nodes.
package brokertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/broker"
)

// BrokerFactory creates the broker under test. The suite closes it when it
// implements io.Closer.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the suite against brokers built by factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("RelayEnvelopeRoundTrip", func(t *testing.T) { testRelayEnvelopeRoundTrip(t, factory) })
	t.Run("SubscribeStartsAtNextMessage", func(t *testing.T) { testSubscribeStartsAtNextMessage(t, factory) })
	t.Run("ResumeAfterEventID", func(t *testing.T) { testResumeAfterEventID(t, factory) })
	t.Run("HandlerErrorIsReturned", func(t *testing.T) { testHandlerErrorIsReturned(t, factory) })
	t.Run("CleanupClosesSubscribers", func(t *testing.T) { testCleanupClosesSubscribers(t, factory) })
}

// envelope mirrors the payload server nodes relay.
type envelope struct {
	Node    string          `json:"node"`
	Message *bayeux.Message `json:"message"`
}

type subscription struct {
	envelopes chan broker.MessageEnvelope
	done      chan error
}

func subscribe(ctx context.Context, b broker.Broker, ns, lastEventID string) *subscription {
	sub := &subscription{
		envelopes: make(chan broker.MessageEnvelope, 128),
		done:      make(chan error, 1),
	}
	go func() {
		sub.done <- b.Subscribe(ctx, ns, lastEventID, func(ctx context.Context, env broker.MessageEnvelope) error {
			select {
			case sub.envelopes <- env:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return sub
}

func (s *subscription) next(t *testing.T) broker.MessageEnvelope {
	t.Helper()
	select {
	case env := <-s.envelopes:
		return env
	case err := <-s.done:
		t.Fatalf("subscription ended: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a message")
	}
	return broker.MessageEnvelope{}
}

// waitLive publishes sync markers until sub sees one, so that later
// publishes are known to happen after the subscription started.
func waitLive(ctx context.Context, t *testing.T, b broker.Broker, ns string, sub *subscription) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if _, err := b.Publish(ctx, ns, []byte(`"sync"`)); err != nil {
			t.Fatalf("publish sync: %v", err)
		}
		select {
		case env := <-sub.envelopes:
			if string(env.Data) == `"sync"` {
				drainSync(sub)
				return
			}
			t.Fatalf("unexpected message before sync: %s", env.Data)
		case err := <-sub.done:
			t.Fatalf("subscription ended: %v", err)
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("subscriber never went live")
		}
	}
}

func drainSync(sub *subscription) {
	for {
		select {
		case env := <-sub.envelopes:
			if string(env.Data) != `"sync"` {
				sub.envelopes <- env
				return
			}
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func setup(t *testing.T, factory BrokerFactory) (context.Context, broker.Broker, string) {
	t.Helper()
	b := factory(t)
	ns := fmt.Sprintf("brokertest:%s:%d", t.Name(), time.Now().UnixNano())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(func() {
		cancel()
		cleanupCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := b.Cleanup(cleanupCtx, ns); err != nil {
			t.Logf("cleanup %s: %v", ns, err)
		}
		if c, ok := b.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	})
	return ctx, b, ns
}

func testRelayEnvelopeRoundTrip(t *testing.T, factory BrokerFactory) {
	ctx, b, ns := setup(t, factory)
	sub := subscribe(ctx, b, ns, "")
	waitLive(ctx, t, b, ns, sub)

	msg := bayeux.NewMessage("/chat/room", map[string]any{"text": "hello"})
	msg.SetID("42")
	payload, err := json.Marshal(envelope{Node: "node-a", Message: msg})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	id, err := b.Publish(ctx, ns, payload)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	env := sub.next(t)
	if env.ID != id {
		t.Fatalf("expected event id %q, got %q", id, env.ID)
	}
	var got envelope
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("unmarshal %s: %v", env.Data, err)
	}
	if got.Node != "node-a" || got.Message == nil || got.Message.Channel() != "/chat/room" || got.Message.ID() != "42" {
		t.Fatalf("unexpected envelope %+v", got)
	}
	data, _ := got.Message.Data().(map[string]any)
	if data["text"] != "hello" {
		t.Fatalf("unexpected data %v", got.Message.Data())
	}
}

func testSubscribeStartsAtNextMessage(t *testing.T, factory BrokerFactory) {
	ctx, b, ns := setup(t, factory)
	if _, err := b.Publish(ctx, ns, []byte(`"history"`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub := subscribe(ctx, b, ns, "")
	waitLive(ctx, t, b, ns, sub)

	const burst = 50
	for i := range burst {
		if _, err := b.Publish(ctx, ns, []byte(strconv.Itoa(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := range burst {
		env := sub.next(t)
		if string(env.Data) != strconv.Itoa(i) {
			t.Fatalf("message %d: got %s", i, env.Data)
		}
	}
}

func testResumeAfterEventID(t *testing.T, factory BrokerFactory) {
	ctx, b, ns := setup(t, factory)
	var ids []string
	for _, d := range []string{`1`, `2`, `3`} {
		id, err := b.Publish(ctx, ns, []byte(d))
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		ids = append(ids, id)
	}

	sub := subscribe(ctx, b, ns, ids[0])
	for i, want := range []string{`2`, `3`} {
		env := sub.next(t)
		if string(env.Data) != want || env.ID != ids[i+1] {
			t.Fatalf("resume %d: got %s (%s)", i, env.Data, env.ID)
		}
	}
}

func testHandlerErrorIsReturned(t *testing.T, factory BrokerFactory) {
	ctx, b, ns := setup(t, factory)
	first, err := b.Publish(ctx, ns, []byte(`0`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(ctx, ns, []byte(`1`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	stop := errors.New("stop")
	err = b.Subscribe(ctx, ns, first, func(context.Context, broker.MessageEnvelope) error { return stop })
	if !errors.Is(err, stop) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func testCleanupClosesSubscribers(t *testing.T, factory BrokerFactory) {
	ctx, b, ns := setup(t, factory)
	sub := subscribe(ctx, b, ns, "")
	waitLive(ctx, t, b, ns, sub)

	if err := b.Cleanup(ctx, ns); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	select {
	case err := <-sub.done:
		if !errors.Is(err, broker.ErrNamespaceClosed) {
			t.Fatalf("expected ErrNamespaceClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber still running after cleanup")
	}
}
