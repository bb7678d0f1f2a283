// Package memory provides an in-memory implementation of the broker.Broker
// interface. It is suitable for single-node deployments and tests: every
// namespace keeps its full history for the lifetime of the process or until
// Cleanup.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/bayeux-server-go/broker"
)

// Broker implements broker.Broker with per-namespace in-memory logs.
type Broker struct {
	mu           sync.Mutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
}

// namespace is an ordered log. notify is closed and replaced on every
// publish so that waiting subscribers wake up.
type namespace struct {
	mu       sync.Mutex
	messages []broker.MessageEnvelope
	notify   chan struct{}
	closed   bool
}

// New creates a new memory-based broker instance.
func New() *Broker {
	return &Broker{
		namespaces: make(map[string]*namespace),
	}
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{notify: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.Publish
func (b *Broker) Publish(ctx context.Context, namespaceName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	envelope := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.eventCounter.Add(1), 10),
		Data: slices.Clone(data),
	}

	ns := b.namespace(namespaceName)
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return "", fmt.Errorf("namespace %q: %w", namespaceName, broker.ErrNamespaceClosed)
	}
	ns.messages = append(ns.messages, envelope)
	close(ns.notify)
	ns.notify = make(chan struct{})

	return envelope.ID, nil
}

// Subscribe implements broker.Broker.Subscribe
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	cursor := len(ns.messages)
	if lastEventID != "" {
		idx := slices.IndexFunc(ns.messages, func(e broker.MessageEnvelope) bool { return e.ID == lastEventID })
		if idx < 0 {
			ns.mu.Unlock()
			return fmt.Errorf("resume %q in namespace %q: %w", lastEventID, namespaceName, broker.ErrEventNotFound)
		}
		cursor = idx + 1
	}
	ns.mu.Unlock()

	for {
		ns.mu.Lock()
		if ns.closed {
			ns.mu.Unlock()
			return fmt.Errorf("namespace %q: %w", namespaceName, broker.ErrNamespaceClosed)
		}
		// The log is append-only, so the slice stays valid after unlocking.
		pending := ns.messages[cursor:]
		wait := ns.notify
		ns.mu.Unlock()

		for _, envelope := range pending {
			if err := handler(ctx, envelope); err != nil {
				return err
			}
			cursor++
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Cleanup implements broker.Broker.Cleanup
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	ns, ok := b.namespaces[namespaceName]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.closed = true
	ns.messages = nil
	close(ns.notify)
	ns.notify = make(chan struct{})

	return nil
}

var _ broker.Broker = (*Broker)(nil)
