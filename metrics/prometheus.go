// Package metrics adapts the sessions.MetricsSink interface to Prometheus.
package metrics

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ggoodman/bayeux-server-go/sessions"
)

// Config configures the Prometheus sink.
type Config struct {
	// Namespace is the metrics namespace (default: "bayeux").
	Namespace string
	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels
	// Buckets are the histogram buckets. Default: prometheus.DefBuckets
	Buckets []float64
	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
	// Logger receives label mismatch warnings.
	Logger *slog.Logger
}

// Option configures the Prometheus sink.
type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

func WithBuckets(buckets []float64) Option {
	return func(c *Config) { c.Buckets = buckets }
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// Prometheus is a sessions.MetricsSink that creates one vector per metric
// name on first use. The label names of a metric are fixed by its first
// observation; later observations with other label names are dropped.
// Counter names get a "_total" suffix.
type Prometheus struct {
	cfg Config

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

var _ sessions.MetricsSink = (*Prometheus)(nil)

// New creates a Prometheus sink.
func New(opts ...Option) *Prometheus {
	cfg := Config{
		Namespace: "bayeux",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
		Logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Prometheus{
		cfg:        cfg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *Prometheus) IncCounter(name string, tags map[string]string) {
	vec := p.counter(name, tags)
	c, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		p.cfg.Logger.Warn("metrics.counter.labels", slog.String("name", name), slog.String("err", err.Error()))
		return
	}
	c.Inc()
}

func (p *Prometheus) ObserveHistogram(name string, value float64, tags map[string]string) {
	vec := p.histogram(name, tags)
	o, err := vec.GetMetricWith(prometheus.Labels(tags))
	if err != nil {
		p.cfg.Logger.Warn("metrics.histogram.labels", slog.String("name", name), slog.String("err", err.Error()))
		return
	}
	o.Observe(value)
}

func (p *Prometheus) counter(name string, tags map[string]string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.counters[name]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.cfg.Namespace,
		Name:        name + "_total",
		Help:        "Count of " + name + " events.",
		ConstLabels: p.cfg.ConstLabels,
	}, labelNames(tags))
	vec = register(p.cfg.Registry, vec)
	p.counters[name] = vec
	return vec
}

func (p *Prometheus) histogram(name string, tags map[string]string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vec, ok := p.histograms[name]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   p.cfg.Namespace,
		Name:        name,
		Help:        "Distribution of " + name + ".",
		ConstLabels: p.cfg.ConstLabels,
		Buckets:     p.cfg.Buckets,
	}, labelNames(tags))
	vec = register(p.cfg.Registry, vec)
	p.histograms[name] = vec
	return vec
}

// register adds c to reg, reusing an identical collector registered earlier,
// for example by another sink sharing the default registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func labelNames(tags map[string]string) []string {
	return slices.Sorted(maps.Keys(tags))
}
