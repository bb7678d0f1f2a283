package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/bayeux-server-go/broker"
)

const (
	defaultKeyPrefix = "bayeux:broker:"

	// closedField marks the entry Cleanup appends so that readers of the
	// stream stop with broker.ErrNamespaceClosed.
	closedField = "closed"
	// closeGrace is how long a cleaned up stream survives for readers that
	// are between two blocking reads.
	closeGrace = 30 * time.Second
)

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
// Every server node subscribes to the same stream, so a publish on one node
// reaches subscribers on all of them.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, one is created for Addr.
	Client redis.UniversalClient
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix is prepended to all Redis keys used by the broker. ENV: BAYEUX_REDIS_KEY_PREFIX
	KeyPrefix string `env:"BAYEUX_REDIS_KEY_PREFIX,default=bayeux:broker:"`
	// MaxLen caps each stream approximately; 0 keeps everything. ENV: BAYEUX_REDIS_MAX_LEN
	MaxLen int64 `env:"BAYEUX_REDIS_MAX_LEN,default=10000"`
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		addr := config.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		maxLen:    config.MaxLen,
	}
}

// NewFromEnv builds a Broker from the environment and verifies the
// connection with PING.
func NewFromEnv(ctx context.Context) (*Broker, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis broker config: %w", err)
	}
	b := New(cfg)
	if err := b.Ping(ctx); err != nil {
		_ = b.client.Close()
		return nil, err
	}
	return b, nil
}

// Ping checks that Redis is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish appends data to the namespace stream and returns the stream entry ID.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	streamKey := b.streamKey(namespace)

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{
			"data": data,
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	// PERSIST revives a stream that Cleanup scheduled for expiry.
	var add *redis.StringCmd
	if _, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, args)
		p.Persist(ctx, streamKey)
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}

	return add.Val(), nil
}

// Subscribe to namespace messages, calling handler for each message.
// If lastEventID is empty, subscription starts from the next published message.
// If lastEventID is provided, subscription resumes from the message after that ID.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(namespace)

	startID := lastEventID
	if startID == "" {
		// Pin "$" to a concrete ID so that messages published between two
		// blocking reads are not skipped.
		last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to read tail of stream %s: %w", streamKey, err)
		}
		startID = "0-0"
		if len(last) > 0 {
			startID = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// No consumer group: every node must see every message.
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   16,
			Block:   time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID

				if _, closed := message.Values[closedField]; closed {
					return fmt.Errorf("namespace %q: %w", namespace, broker.ErrNamespaceClosed)
				}
				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}

				envelope := broker.MessageEnvelope{
					ID:   message.ID,
					Data: []byte(data),
				}
				if err := handler(ctx, envelope); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup closes a namespace. Active subscribers read a closing entry and
// return broker.ErrNamespaceClosed; the stream itself expires after
// closeGrace unless a new publish revives it.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)

	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{Stream: streamKey, Values: map[string]any{closedField: 1}})
		p.Expire(ctx, streamKey, closeGrace)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}

	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

var _ broker.Broker = (*Broker)(nil)
