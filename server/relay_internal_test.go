package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/ggoodman/bayeux-server-go/bayeux"
	"github.com/ggoodman/bayeux-server-go/broker"
	"github.com/ggoodman/bayeux-server-go/sessions/sessionstest"
)

func envelope(t *testing.T, node string, msg *bayeux.Message) broker.MessageEnvelope {
	t.Helper()
	data, err := json.Marshal(relayEnvelope{Node: node, Message: msg})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return broker.MessageEnvelope{ID: "1", Data: data}
}

func TestHandleRelay(t *testing.T) {
	srv := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r := &sessionstest.Receiver{}
	ls := srv.NewLocalSession("r", r)
	if err := srv.Subscribe(context.Background(), ls, "/news"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	ctx := context.Background()

	if err := srv.handleRelay(ctx, envelope(t, srv.NodeID(), bayeux.NewMessage("/news", "own"))); err != nil {
		t.Fatalf("handleRelay: %v", err)
	}
	if len(r.Messages()) != 0 {
		t.Fatalf("own relays must be skipped")
	}

	if err := srv.handleRelay(ctx, broker.MessageEnvelope{ID: "2", Data: []byte("not json")}); err != nil {
		t.Fatalf("malformed envelope should be skipped, got %v", err)
	}
	if err := srv.handleRelay(ctx, envelope(t, "other", bayeux.NewMessage("/meta/connect", nil))); err != nil {
		t.Fatalf("meta relay should be skipped, got %v", err)
	}

	if err := srv.handleRelay(ctx, envelope(t, "other", bayeux.NewMessage("/news", "remote"))); err != nil {
		t.Fatalf("handleRelay: %v", err)
	}
	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].Data() != "remote" {
		t.Fatalf("expected remote message, got %v", msgs)
	}
}

func TestChannelSweepCounter(t *testing.T) {
	srv := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ch, err := srv.CreateChannel("/idle")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	for i := 1; i < idleSweeps; i++ {
		if ch.sweepLocked() {
			t.Fatalf("removed after %d sweeps", i)
		}
	}
	if !ch.sweepLocked() {
		t.Fatalf("expected removal after %d sweeps", idleSweeps)
	}
}
