// Package telemetry exports engine activity as Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fuomag9/serverlord/internal/monitor"
)

// Ping results
const (
	PingAccepted    = "accepted"
	PingOutOfOrder  = "out_of_order"
	PingInvalid     = "invalid_token"
	PingBadRequest  = "bad_request"
	PingRateLimited = "rate_limited"
	PingError       = "error"
)

// Collector records heartbeat, sweep and retention metrics
type Collector struct {
	pings          *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	sweepFailures  prometheus.Counter
	tasksByStatus  *prometheus.GaugeVec
	samplesPruned  prometheus.Counter
	pruneFailures  prometheus.Counter
	samplesWritten *prometheus.CounterVec
}

// Compile-time assertion that Collector observes engine events.
var _ monitor.Observer = (*Collector)(nil)

// NewCollector creates the collectors and registers them with reg
// (prometheus.DefaultRegisterer if nil). namespace defaults to "serverlord".
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "serverlord"
	}

	c := &Collector{
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "pings_total",
			Help:      "Heartbeat requests by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "transitions_total",
			Help:      "Task status transitions by source and target status.",
		}, []string{"from", "to"}),
		samplesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "samples_written_total",
			Help:      "Samples appended by source (ping, sweep, audit).",
		}, []string{"source"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "ticks_total",
			Help:      "Sweep ticks by result (ok, skipped, error).",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "tick_duration_seconds",
			Help:      "Duration of sweep ticks in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "task_failures_total",
			Help:      "Per-task sweep failures.",
		}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "tasks",
			Help:      "Monitored tasks by status as of the last sweep.",
		}, []string{"status"}),
		samplesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "samples_pruned_total",
			Help:      "Samples removed by the retention job.",
		}),
		pruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "failures_total",
			Help:      "Failed retention runs.",
		}),
	}

	reg.MustRegister(
		c.pings,
		c.transitions,
		c.samplesWritten,
		c.sweeps,
		c.sweepDuration,
		c.sweepFailures,
		c.tasksByStatus,
		c.samplesPruned,
		c.pruneFailures,
	)

	return c
}

// TaskChanged counts samples and status transitions
func (c *Collector) TaskChanged(e monitor.Event) {
	c.samplesWritten.WithLabelValues(string(e.Sample.Source)).Inc()
	if e.Transition() {
		c.transitions.WithLabelValues(string(e.From), string(e.To)).Inc()
	}
}

// PingReceived counts one heartbeat request
func (c *Collector) PingReceived(result string) {
	c.pings.WithLabelValues(result).Inc()
}

// SweepCompleted records the outcome of one sweep tick
func (c *Collector) SweepCompleted(res monitor.SweepResult, err error) {
	switch {
	case err != nil:
		c.sweeps.WithLabelValues("error").Inc()
	case res.Skipped:
		c.sweeps.WithLabelValues("skipped").Inc()
		return
	default:
		c.sweeps.WithLabelValues("ok").Inc()
		c.tasksByStatus.WithLabelValues("alive").Set(float64(res.Alive))
		c.tasksByStatus.WithLabelValues("dead").Set(float64(res.Dead))
	}
	c.sweepDuration.Observe(res.Duration.Seconds())
	c.sweepFailures.Add(float64(res.Failed))
}

// PruneCompleted records one retention run
func (c *Collector) PruneCompleted(removed int64, err error) {
	if err != nil {
		c.pruneFailures.Inc()
		return
	}
	c.samplesPruned.Add(float64(removed))
}
