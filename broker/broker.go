package broker

import (
	"context"
	"errors"
)

var (
	// ErrEventNotFound is returned by Subscribe when lastEventID is not part
	// of the namespace's retained history.
	ErrEventNotFound = errors.New("broker: event id not found")
	// ErrNamespaceClosed is returned to subscribers of a namespace removed by Cleanup.
	ErrNamespaceClosed = errors.New("broker: namespace cleaned up")
)

// Broker carries published Bayeux messages between server nodes. Each
// namespace is an ordered log; every subscriber sees every message published
// after it subscribed, or after lastEventID when resuming.
type Broker interface {
	// Publish appends data to namespace and returns the generated event ID.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each message in namespace until ctx is done
	// or handler returns an error, which Subscribe then returns.
	// If lastEventID is empty, delivery starts with the next published message.
	// Otherwise it resumes after that ID.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all resources associated with a namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler consumes one delivered envelope.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps a message with metadata for ordered delivery.
type MessageEnvelope struct {
	// ID is a unique, monotonically increasing identifier for this message within the namespace
	ID string `json:"id"`
	// Data is the serialized message content
	Data []byte `json:"data"`
}
