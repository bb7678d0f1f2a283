package server_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/broker"
	"github.com/ggoodman/bayeux-server-go/broker/memory"
	"github.com/ggoodman/bayeux-server-go/metrics"
	"github.com/ggoodman/bayeux-server-go/server"
	"github.com/ggoodman/bayeux-server-go/sessions"
	"github.com/ggoodman/bayeux-server-go/sessions/sessionstest"
	"github.com/ggoodman/bayeux-server-go/transport"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(clock *sessionstest.FakeClock, opts ...server.Option) *server.Server {
	base := []server.Option{
		server.WithLogger(quietLogger()),
		server.WithClock(clock),
		server.WithTracer(noop.NewTracerProvider().Tracer("test")),
	}
	return server.New(append(base, opts...)...)
}

func localSubscriber(t *testing.T, srv *server.Server, hint string, channels ...string) (*sessions.Session, *sessionstest.Receiver) {
	t.Helper()
	r := &sessionstest.Receiver{}
	ls := srv.NewLocalSession(hint, r)
	for _, ch := range channels {
		if err := srv.Subscribe(context.Background(), ls, ch); err != nil {
			t.Fatalf("subscribe %s: %v", ch, err)
		}
	}
	return ls, r
}

func TestHandshakeRegistersSession(t *testing.T) {
	clock := sessionstest.NewFakeClock(epoch)
	srv := newServer(clock)

	req := bayeux.NewMessage(bayeux.MetaHandshake, nil)
	req.SetID("1")
	ss, reply := srv.Handshake(context.Background(), req, nil)
	if ss == nil || !reply.Successful() {
		t.Fatalf("handshake failed: %v", reply)
	}
	if reply.ClientID() != ss.ID() || reply.ID() != "1" {
		t.Fatalf("unexpected reply %v", reply)
	}
	if got := reply.Advice(false)[bayeux.AdviceTimeout]; got != int64(30000) {
		t.Fatalf("expected timeout advice 30000, got %v", got)
	}
	if got, ok := srv.Session(ss.ID()); !ok || got != ss {
		t.Fatalf("session not registered")
	}
	if srv.SessionCount() != 1 {
		t.Fatalf("expected 1 session, got %d", srv.SessionCount())
	}
	if want := epoch.Add(10 * time.Second); !ss.ExpireTime().Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, ss.ExpireTime())
	}
}

func TestHandshakeDeniedByExtension(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	srv.AddExtension(server.ExtensionFuncs{
		IncomingFunc: func(_ *sessions.Session, msg *bayeux.Message) bool {
			return msg.Channel() != bayeux.MetaHandshake
		},
	})

	ss, reply := srv.Handshake(context.Background(), nil, nil)
	if ss != nil || reply.Successful() {
		t.Fatalf("expected denial, got %v", reply)
	}
	if !strings.HasPrefix(reply.Error(), "403") {
		t.Fatalf("unexpected error %q", reply.Error())
	}
	if srv.SessionCount() != 0 {
		t.Fatalf("denied session must not be registered")
	}
}

func TestConnectUnknownSession(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))

	reply := srv.Connect(context.Background(), nil, bayeux.NewMessage(bayeux.MetaConnect, nil), nil)
	if reply.Successful() {
		t.Fatalf("expected failure")
	}
	if got := reply.Advice(false)[bayeux.AdviceReconnect]; got != bayeux.ReconnectHandshake {
		t.Fatalf("expected handshake advice, got %v", got)
	}
}

func TestConnectSuspendsExpiry(t *testing.T) {
	clock := sessionstest.NewFakeClock(epoch)
	srv := newServer(clock)
	ss, _ := srv.Handshake(context.Background(), nil, nil)

	reply := srv.Connect(context.Background(), ss, bayeux.NewMessage(bayeux.MetaConnect, nil), nil)
	if !reply.Successful() {
		t.Fatalf("connect failed: %v", reply)
	}
	if !ss.IsConnected() {
		t.Fatalf("expected connected state, got %v", ss.State())
	}
	if !ss.ExpireTime().IsZero() {
		t.Fatalf("expiry should be suspended during a connect")
	}
	if reply.Advice(false) != nil {
		t.Fatalf("client was already advised for this transport")
	}
}

func TestConnectAppliesClientAdvice(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	ss, _ := srv.Handshake(context.Background(), nil, nil)

	req := bayeux.NewMessage(bayeux.MetaConnect, nil)
	req.Advice(true)[bayeux.AdviceTimeout] = float64(5000)
	srv.Connect(context.Background(), ss, req, nil)

	if got := ss.CalculateTimeout(30 * time.Second); got != 5*time.Second {
		t.Fatalf("expected transient timeout 5s, got %v", got)
	}
}

func TestPublishFansOutToWildcardsOnce(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	_, a := localSubscriber(t, srv, "a", "/chat/room", "/chat/*")
	_, b := localSubscriber(t, srv, "b", "/chat/**")
	_, c := localSubscriber(t, srv, "c", "/other")

	if err := srv.Publish(context.Background(), nil, bayeux.NewMessage("/chat/room", "hi")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := len(a.Messages()); got != 1 {
		t.Fatalf("a should receive once, got %d", got)
	}
	if got := len(b.Messages()); got != 1 {
		t.Fatalf("b should receive once, got %d", got)
	}
	if got := len(c.Messages()); got != 0 {
		t.Fatalf("c should receive nothing, got %d", got)
	}
	if a.Messages()[0].Data() != "hi" {
		t.Fatalf("unexpected payload %v", a.Messages()[0])
	}
}

func TestPublishBroadcastToPublisherDisabled(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.BroadcastToPublisher = false
	srv := newServer(sessionstest.NewFakeClock(epoch), server.WithConfig(cfg))
	pub, self := localSubscriber(t, srv, "pub", "/chat")
	_, other := localSubscriber(t, srv, "other", "/chat")

	if err := srv.Publish(context.Background(), pub, bayeux.NewMessage("/chat", "x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(self.Messages()) != 0 {
		t.Fatalf("publisher must not receive its own message")
	}
	if len(other.Messages()) != 1 {
		t.Fatalf("other subscriber should receive the message")
	}
}

func TestPublishDeniedByExtension(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	_, r := localSubscriber(t, srv, "r", "/chat")
	srv.AddExtension(server.ExtensionFuncs{
		IncomingFunc: func(_ *sessions.Session, msg *bayeux.Message) bool { return msg.Data() != "spam" },
	})

	if err := srv.Publish(context.Background(), nil, bayeux.NewMessage("/chat", "spam")); !errors.Is(err, server.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if len(r.Messages()) != 0 {
		t.Fatalf("denied message was delivered")
	}
}

func TestPublishInvalidChannel(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	for _, ch := range []string{"/meta/connect", "/chat/*", "chat", "/a//b"} {
		if err := srv.Publish(context.Background(), nil, bayeux.NewMessage(ch, nil)); !errors.Is(err, server.ErrInvalidChannel) {
			t.Fatalf("%s: expected ErrInvalidChannel, got %v", ch, err)
		}
	}
}

func TestPublishFrozenMessageIsCopied(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	srv.CreateChannel("/lazy", func(c *server.Channel) { c.SetLazy(true) })
	localSubscriber(t, srv, "r", "/lazy")

	msg := bayeux.NewMessage("/lazy", "x")
	msg.Freeze()
	if err := srv.Publish(context.Background(), nil, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if msg.Lazy() {
		t.Fatalf("caller's frozen message must not be modified")
	}
}

func TestLazyChannelDelaysDelivery(t *testing.T) {
	clock := sessionstest.NewFakeClock(epoch)
	srv := newServer(clock)
	if _, err := srv.CreateChannel("/ticks", func(c *server.Channel) { c.SetLazyTimeout(time.Second) }); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	_, r := localSubscriber(t, srv, "r", "/ticks")

	if err := srv.Publish(context.Background(), nil, bayeux.NewMessage("/ticks", 1)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(r.Messages()) != 0 {
		t.Fatalf("lazy message delivered early")
	}
	clock.Advance(time.Second)
	msgs := r.Messages()
	if len(msgs) != 1 || !msgs[0].Lazy() {
		t.Fatalf("expected one lazy message, got %v", msgs)
	}
}

func TestOutgoingExtensionsRunInReverse(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	_, r := localSubscriber(t, srv, "r", "/chat")
	vetoed, vr := localSubscriber(t, srv, "vetoed", "/chat")

	var mu sync.Mutex
	var order []string
	record := func(name string) func(from, to *sessions.Session, msg *bayeux.Message) bool {
		return func(_, to *sessions.Session, _ *bayeux.Message) bool {
			mu.Lock()
			defer mu.Unlock()
			if to != vetoed {
				order = append(order, name)
			}
			return true
		}
	}
	srv.AddExtension(server.ExtensionFuncs{OutgoingFunc: record("A")})
	srv.AddExtension(server.ExtensionFuncs{OutgoingFunc: record("B")})
	remove := srv.AddExtension(server.ExtensionFuncs{
		OutgoingFunc: func(_, to *sessions.Session, _ *bayeux.Message) bool { return to != vetoed },
	})

	if err := srv.Publish(context.Background(), nil, bayeux.NewMessage("/chat", "x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(r.Messages()) != 1 || len(vr.Messages()) != 0 {
		t.Fatalf("veto not applied: r=%d vetoed=%d", len(r.Messages()), len(vr.Messages()))
	}
	if strings.Join(order, ",") != "B,A" {
		t.Fatalf("expected reverse order, got %v", order)
	}

	remove()
	if err := srv.Publish(context.Background(), nil, bayeux.NewMessage("/chat", "y")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(vr.Messages()) != 1 {
		t.Fatalf("removed extension still vetoing")
	}
}

func TestExtensionPanicFailsOpen(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	_, r := localSubscriber(t, srv, "r", "/chat")
	srv.AddExtension(server.ExtensionFuncs{
		IncomingFunc: func(*sessions.Session, *bayeux.Message) bool { panic("boom") },
		OutgoingFunc: func(_, _ *sessions.Session, _ *bayeux.Message) bool { panic("boom") },
	})

	if err := srv.Publish(context.Background(), nil, bayeux.NewMessage("/chat", "x")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(r.Messages()) != 1 {
		t.Fatalf("panicking extension should not block delivery")
	}
}

func TestSubscribeValidation(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	ls, _ := localSubscriber(t, srv, "ls")

	if err := srv.Subscribe(context.Background(), nil, "/chat"); !errors.Is(err, server.ErrSessionUnknown) {
		t.Fatalf("expected ErrSessionUnknown, got %v", err)
	}
	if err := srv.Subscribe(context.Background(), ls, "/meta/connect"); !errors.Is(err, server.ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}

	srv.AddExtension(server.ExtensionFuncs{
		IncomingFunc: func(_ *sessions.Session, msg *bayeux.Message) bool {
			return msg.Subscription() != "/private"
		},
	})
	if err := srv.Subscribe(context.Background(), ls, "/private"); !errors.Is(err, server.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	ls, r := localSubscriber(t, srv, "ls", "/chat")

	if err := srv.Unsubscribe(context.Background(), ls, "/chat"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if ls.IsSubscribed("/chat") {
		t.Fatalf("session still records the subscription")
	}
	if err := srv.Unsubscribe(context.Background(), ls, "/chat"); err != nil {
		t.Fatalf("second Unsubscribe: %v", err)
	}
	srv.Publish(context.Background(), nil, bayeux.NewMessage("/chat", "x"))
	if len(r.Messages()) != 0 {
		t.Fatalf("unsubscribed session received a message")
	}
}

func TestDisconnectNotifiesListenersAndLeavesChannels(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))

	var mu sync.Mutex
	var events []string
	srv.AddListener(server.ListenerFuncs{
		AddedFunc: func(*sessions.Session) {
			mu.Lock()
			events = append(events, "added")
			mu.Unlock()
		},
		RemovedFunc: func(_ *sessions.Session, timedOut bool) {
			mu.Lock()
			if timedOut {
				events = append(events, "expired")
			} else {
				events = append(events, "removed")
			}
			mu.Unlock()
		},
	})

	ss, _ := srv.Handshake(context.Background(), nil, nil)
	if err := srv.Subscribe(context.Background(), ss, "/chat"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ss.Disconnect()

	if srv.SessionCount() != 0 {
		t.Fatalf("session still registered")
	}
	ch, ok := srv.Channel("/chat")
	if !ok || len(ch.Subscribers()) != 0 {
		t.Fatalf("disconnected session still subscribed")
	}
	if strings.Join(events, ",") != "added,removed" {
		t.Fatalf("unexpected events %v", events)
	}
	if srv.RemoveSession(ss, false) {
		t.Fatalf("second removal must report false")
	}
}

func TestSweepExpiresSessions(t *testing.T) {
	clock := sessionstest.NewFakeClock(epoch)
	srv := newServer(clock)

	var timedOut bool
	srv.AddListener(server.ListenerFuncs{RemovedFunc: func(_ *sessions.Session, to bool) { timedOut = to }})

	ss, _ := srv.Handshake(context.Background(), nil, nil)
	_, _ = localSubscriber(t, srv, "local")

	clock.Advance(9 * time.Second)
	srv.Sweep(clock.Now())
	if srv.SessionCount() != 2 {
		t.Fatalf("session expired early")
	}

	clock.Advance(2 * time.Second)
	srv.Sweep(clock.Now())
	if _, ok := srv.Session(ss.ID()); ok {
		t.Fatalf("expired session still registered")
	}
	if !timedOut || ss.State() != sessions.StateExpired {
		t.Fatalf("expected timed out removal, state %v", ss.State())
	}
	if srv.SessionCount() != 1 {
		t.Fatalf("local session must survive sweeps")
	}
}

func TestSweepRemovesIdleChannels(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	srv.CreateChannel("/idle")
	srv.CreateChannel("/keep", func(c *server.Channel) { c.SetPersistent(true) })
	localSubscriber(t, srv, "busy", "/busy")

	for i := 0; i < 2; i++ {
		srv.Sweep(epoch)
	}
	if _, ok := srv.Channel("/idle"); !ok {
		t.Fatalf("channel removed too early")
	}
	srv.Sweep(epoch)

	if _, ok := srv.Channel("/idle"); ok {
		t.Fatalf("idle channel not removed")
	}
	for _, id := range []string{"/keep", "/busy"} {
		if _, ok := srv.Channel(id); !ok {
			t.Fatalf("%s should survive", id)
		}
	}
}

func TestChannelRemoveUnsubscribes(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	ls, _ := localSubscriber(t, srv, "ls", "/chat")
	ch, _ := srv.Channel("/chat")

	ch.Remove()
	if ls.IsSubscribed("/chat") {
		t.Fatalf("session still subscribed to removed channel")
	}
	if ch.Subscribe(ls) {
		t.Fatalf("removed channel accepted a subscriber")
	}
	if err := srv.Subscribe(context.Background(), ls, "/chat"); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
}

func TestRelayBetweenNodes(t *testing.T) {
	b := memory.New()
	a := newServer(sessionstest.NewFakeClock(epoch), server.WithBroker(b))
	remote := newServer(sessionstest.NewFakeClock(epoch), server.WithBroker(b))
	_, r := localSubscriber(t, remote, "r", "/news")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- remote.Run(ctx) }()

	// The subscription starts asynchronously; keep publishing until it
	// catches one.
	deadline := time.Now().Add(2 * time.Second)
	for len(r.Messages()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relayed message never arrived")
		}
		if err := a.Publish(ctx, nil, bayeux.NewMessage("/news", "headline")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := r.Messages()[0].Data(); got != "headline" {
		t.Fatalf("unexpected payload %v", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type failingBroker struct {
	broker.Broker
}

func (failingBroker) Publish(context.Context, string, []byte) (string, error) {
	return "", errors.New("connection refused")
}

func TestRelayFailureIsReported(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := metrics.New(metrics.WithRegistry(reg), metrics.WithLogger(quietLogger()))
	srv := newServer(sessionstest.NewFakeClock(epoch), server.WithBroker(failingBroker{}), server.WithMetrics(sink))
	_, r := localSubscriber(t, srv, "r", "/news")

	err := srv.Publish(context.Background(), nil, bayeux.NewMessage("/news", "x"))
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected relay error, got %v", err)
	}
	if len(r.Messages()) != 1 {
		t.Fatalf("local delivery should not depend on the broker")
	}
	if got, err := testutil.GatherAndCount(reg, "bayeux_broker_publish_failed_total"); err != nil || got != 1 {
		t.Fatalf("expected broker failure metric, got %d (%v)", got, err)
	}
}

func TestServiceChannelsAreNotRelayed(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch), server.WithBroker(failingBroker{}))
	_, r := localSubscriber(t, srv, "r", "/service/echo")

	if err := srv.Publish(context.Background(), nil, bayeux.NewMessage("/service/echo", "x")); err != nil {
		t.Fatalf("service publish should stay local: %v", err)
	}
	if len(r.Messages()) != 1 {
		t.Fatalf("service subscriber missed the message")
	}
}

func TestSessionsAreSortedAndLocalHint(t *testing.T) {
	srv := newServer(sessionstest.NewFakeClock(epoch))
	ls := srv.NewLocalSession("bot", &sessionstest.Receiver{})
	srv.Handshake(context.Background(), nil, nil)

	if !strings.HasPrefix(ls.ID(), "bot_") || !ls.IsLocal() {
		t.Fatalf("unexpected local session %s", ls.ID())
	}
	all := srv.Sessions()
	if len(all) != 2 || all[0].ID() > all[1].ID() {
		t.Fatalf("sessions not sorted: %v", all)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("BAYEUX_TIMEOUT", "45s")
	t.Setenv("BAYEUX_MAX_QUEUE", "100")
	t.Setenv("BAYEUX_BROADCAST_TO_PUBLISHER", "false")

	cfg, err := server.ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if cfg.Timeout != 45*time.Second || cfg.MaxQueue != 100 || cfg.BroadcastToPublisher {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.SweepPeriod != 997*time.Millisecond || cfg.MaxInterval != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.BrokerNamespace != "bayeux:publish" || cfg.RedisAddr != "" {
		t.Fatalf("unexpected broker settings: %+v", cfg)
	}
}

func TestHandshakeDeliveryFollowsConfig(t *testing.T) {
	for _, allow := range []bool{false, true} {
		clock := sessionstest.NewFakeClock(epoch)
		cfg := server.DefaultConfig()
		cfg.AllowMessageDeliveryDuringHandshake = allow
		cfg.MetaConnectDeliveryOnly = true
		srv := newServer(clock, server.WithConfig(cfg))
		srv.AddListener(server.ListenerFuncs{AddedFunc: func(s *sessions.Session) {
			s.DeliverData(nil, "/service/welcome", "hi")
		}})

		ss, reply := srv.Handshake(context.Background(), nil, nil)
		if !ss.MetaConnectDeliveryOnly() || ss.AllowMessageDeliveryDuringHandshake() != allow {
			t.Fatalf("allow=%v: session flags not taken from config", allow)
		}
		got := transport.Replies(ss, []*bayeux.Message{reply})
		if allow && (len(got) != 2 || got[0].Data() != "hi" || got[1] != reply) {
			t.Fatalf("allow=%v: expected welcome before reply, got %v", allow, got)
		}
		if !allow && (len(got) != 1 || ss.QueueLen() != 1) {
			t.Fatalf("allow=%v: welcome should stay queued, got %v", allow, got)
		}
	}
}

func TestDefaultConfigTransportOptions(t *testing.T) {
	opts := server.DefaultConfig().TransportOptions()
	if opts.Timeout != 30*time.Second || opts.MaxLazyTimeout != 5*time.Second || opts.MaxQueue != -1 {
		t.Fatalf("unexpected options %+v", opts)
	}
}
