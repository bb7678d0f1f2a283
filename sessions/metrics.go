package sessions

// MetricsSink abstracts metrics emission.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

const (
	metricQueued       = "session_messages_queued"
	metricDropped      = "session_messages_dropped"
	metricVetoed       = "session_messages_vetoed"
	metricFlushes      = "session_flushes"
	metricQueueDrained = "session_queue_drained"
	metricLazy         = "session_lazy_scheduled"
)

type nopMetrics struct{}

func (nopMetrics) IncCounter(string, map[string]string) {}

func (nopMetrics) ObserveHistogram(string, float64, map[string]string) {}
