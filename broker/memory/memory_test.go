package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/bayeux-server-go/broker"
	"github.com/ggoodman/bayeux-server-go/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}

func TestBroker_ResumeDeliversBacklogInOrder(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := b.Publish(ctx, "ns", []byte(`1`))
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	for _, d := range []string{`2`, `3`} {
		if _, err := b.Publish(ctx, "ns", []byte(d)); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	var got []string
	err = b.Subscribe(ctx, "ns", first, func(ctx context.Context, env broker.MessageEnvelope) error {
		got = append(got, string(env.Data))
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(got) != 2 || got[0] != "2" || got[1] != "3" {
		t.Fatalf("Unexpected backlog %v", got)
	}
}

func TestBroker_CleanupStopsActiveSubscribers(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "ns", "", func(context.Context, broker.MessageEnvelope) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	if err := b.Cleanup(ctx, "ns"); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrNamespaceClosed) {
			t.Fatalf("Expected ErrNamespaceClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscriber did not stop after cleanup")
	}
}

func TestBroker_PublishCopiesData(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	marker, err := b.Publish(ctx, "ns", []byte(`m`))
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	payload := []byte(`p`)
	if _, err := b.Publish(ctx, "ns", payload); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	payload[0] = 'X'

	err = b.Subscribe(ctx, "ns", marker, func(ctx context.Context, env broker.MessageEnvelope) error {
		if string(env.Data) != "p" {
			t.Errorf("Stored data was mutated: %s", env.Data)
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestBroker_CanceledContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.Publish(ctx, "ns", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled from Publish, got %v", err)
	}
	err := b.Subscribe(ctx, "ns", "", func(context.Context, broker.MessageEnvelope) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled from Subscribe, got %v", err)
	}
}
