package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/bayeux-server-go/sessions"
)

// Config holds the server-wide limits new sessions adopt at handshake.
// Load it from the environment with ConfigFromEnv or start from DefaultConfig.
type Config struct {
	// Timeout is how long a /meta/connect may be held. ENV: BAYEUX_TIMEOUT
	Timeout time.Duration `env:"BAYEUX_TIMEOUT,default=30s"`
	// Interval is the advised pause between connects. ENV: BAYEUX_INTERVAL
	Interval time.Duration `env:"BAYEUX_INTERVAL,default=0s"`
	// MaxInterval is the grace period before an idle session expires. ENV: BAYEUX_MAX_INTERVAL
	MaxInterval time.Duration `env:"BAYEUX_MAX_INTERVAL,default=10s"`
	// MaxLazyTimeout bounds how long lazy messages wait. ENV: BAYEUX_MAX_LAZY_TIMEOUT
	MaxLazyTimeout time.Duration `env:"BAYEUX_MAX_LAZY_TIMEOUT,default=5s"`
	// MaxQueue consults max-queue listeners at this length; <= 0 is unbounded. ENV: BAYEUX_MAX_QUEUE
	MaxQueue int `env:"BAYEUX_MAX_QUEUE,default=-1"`
	// MaxProcessing expires sessions stuck in one exchange; 0 disables. ENV: BAYEUX_MAX_PROCESSING
	MaxProcessing time.Duration `env:"BAYEUX_MAX_PROCESSING,default=0s"`
	// SweepPeriod is how often Run sweeps sessions and channels. ENV: BAYEUX_SWEEP_PERIOD
	SweepPeriod time.Duration `env:"BAYEUX_SWEEP_PERIOD,default=997ms"`
	// BroadcastToPublisher lets sessions receive their own publishes. ENV: BAYEUX_BROADCAST_TO_PUBLISHER
	BroadcastToPublisher bool `env:"BAYEUX_BROADCAST_TO_PUBLISHER,default=true"`
	// HandshakeReconnect advertises maxInterval in advice. ENV: BAYEUX_HANDSHAKE_RECONNECT
	HandshakeReconnect bool `env:"BAYEUX_HANDSHAKE_RECONNECT,default=false"`
	// MetaConnectDeliveryOnly holds queued messages for /meta/connect replies. ENV: BAYEUX_META_CONNECT_DELIVERY_ONLY
	MetaConnectDeliveryOnly bool `env:"BAYEUX_META_CONNECT_DELIVERY_ONLY,default=false"`
	// AllowMessageDeliveryDuringHandshake lets queued messages ride on the handshake reply. ENV: BAYEUX_ALLOW_MESSAGE_DELIVERY_DURING_HANDSHAKE
	AllowMessageDeliveryDuringHandshake bool `env:"BAYEUX_ALLOW_MESSAGE_DELIVERY_DURING_HANDSHAKE,default=false"`
	// BrokerNamespace is the broker namespace publishes are relayed on. ENV: BAYEUX_BROKER_NAMESPACE
	BrokerNamespace string `env:"BAYEUX_BROKER_NAMESPACE,default=bayeux:publish"`
	// RedisAddr enables the Redis broker when set. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// RedisKeyPrefix prefixes the broker's Redis keys. ENV: BAYEUX_REDIS_KEY_PREFIX
	RedisKeyPrefix string `env:"BAYEUX_REDIS_KEY_PREFIX,default=bayeux:broker:"`
}

// DefaultConfig returns the configuration ConfigFromEnv yields with an empty
// environment.
func DefaultConfig() Config {
	cfg := Config{BroadcastToPublisher: true, MaxQueue: -1}
	cfg.applyDefaults()
	return cfg
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode server config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults populates zero values that have no meaningful zero setting.
func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.MaxLazyTimeout == 0 {
		c.MaxLazyTimeout = 5 * time.Second
	}
	if c.SweepPeriod <= 0 {
		c.SweepPeriod = 997 * time.Millisecond
	}
	if c.BrokerNamespace == "" {
		c.BrokerNamespace = "bayeux:publish"
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "bayeux:broker:"
	}
}

// TransportOptions are the session limits derived from the configuration.
func (c Config) TransportOptions() sessions.TransportOptions {
	return sessions.TransportOptions{
		Timeout:            c.Timeout,
		Interval:           c.Interval,
		MaxInterval:        c.MaxInterval,
		MaxLazyTimeout:     c.MaxLazyTimeout,
		MaxProcessing:      c.MaxProcessing,
		MaxQueue:           c.MaxQueue,
		HandshakeReconnect: c.HandshakeReconnect,
	}
}
