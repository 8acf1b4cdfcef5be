// Package metrics provides Prometheus metrics for the messaging and
// distribution core: loop liveness, queue depths, and message/task
// counters. All Collector methods are nil-receiver safe so callers can
// run without metrics wired.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns a private registry so multiple instances (tests, embedded
// use) never collide on metric registration.
type Collector struct {
	registry *prometheus.Registry

	// Bus metrics
	messagesPublished  *prometheus.CounterVec
	messagesDispatched *prometheus.CounterVec
	handlerPanics      prometheus.Counter
	busQueueDepth      prometheus.Gauge
	busLoopAlive       prometheus.Gauge

	// Distributor metrics
	tasksSubmitted        prometheus.Counter
	tasksFinalized        *prometheus.CounterVec
	taskRequeues          prometheus.Counter
	subtaskResults        *prometheus.CounterVec
	distributorQueueDepth prometheus.Gauge
	activeTasks           prometheus.Gauge
	distributorLoopAlive  prometheus.Gauge

	logger *zap.Logger
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.messagesPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_published_total",
		Help:      "Messages enqueued on the bus, by topic.",
	}, []string{"topic"})

	c.messagesDispatched = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_dispatched_total",
		Help:      "Subscriber callback invocations, by topic.",
	}, []string{"topic"})

	c.handlerPanics = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_handler_panics_total",
		Help:      "Subscriber callbacks that panicked and were isolated.",
	})

	c.busQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bus_queue_depth",
		Help:      "Messages waiting in the bus FIFO.",
	})

	c.busLoopAlive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bus_loop_alive",
		Help:      "1 while the bus dispatch loop is running.",
	})

	c.tasksSubmitted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "distributor_tasks_submitted_total",
		Help:      "Tasks accepted by SubmitTask.",
	})

	c.tasksFinalized = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "distributor_tasks_finalized_total",
		Help:      "Tasks reaching a terminal status, by status.",
	}, []string{"status"})

	c.taskRequeues = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "distributor_task_requeues_total",
		Help:      "Priority-demoting requeues due to no matching devices.",
	})

	c.subtaskResults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "distributor_subtask_results_total",
		Help:      "Subtask result messages, by outcome (recorded, malformed, unknown, duplicate).",
	}, []string{"outcome"})

	c.distributorQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "distributor_queue_depth",
		Help:      "Tasks waiting in the priority queue.",
	})

	c.activeTasks = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "distributor_active_tasks",
		Help:      "Tasks in the active table (queued or distributed).",
	})

	c.distributorLoopAlive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "distributor_loop_alive",
		Help:      "1 while the distribution loop is running.",
	})

	return c
}

// Handler returns an HTTP handler exposing this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// MessagePublished records a publish on a topic.
func (c *Collector) MessagePublished(topic string) {
	if c == nil {
		return
	}
	c.messagesPublished.WithLabelValues(topic).Inc()
}

// MessageDispatched records one subscriber invocation on a topic.
func (c *Collector) MessageDispatched(topic string) {
	if c == nil {
		return
	}
	c.messagesDispatched.WithLabelValues(topic).Inc()
}

// HandlerPanic records an isolated subscriber panic.
func (c *Collector) HandlerPanic() {
	if c == nil {
		return
	}
	c.handlerPanics.Inc()
}

// SetBusQueueDepth updates the bus FIFO depth gauge.
func (c *Collector) SetBusQueueDepth(n int) {
	if c == nil {
		return
	}
	c.busQueueDepth.Set(float64(n))
}

// SetBusLoopAlive flips the bus loop liveness gauge.
func (c *Collector) SetBusLoopAlive(alive bool) {
	if c == nil {
		return
	}
	if alive {
		c.busLoopAlive.Set(1)
	} else {
		c.busLoopAlive.Set(0)
	}
}

// TaskSubmitted records an accepted task.
func (c *Collector) TaskSubmitted() {
	if c == nil {
		return
	}
	c.tasksSubmitted.Inc()
}

// TaskFinalized records a terminal task transition.
func (c *Collector) TaskFinalized(status string) {
	if c == nil {
		return
	}
	c.tasksFinalized.WithLabelValues(status).Inc()
}

// TaskRequeued records a no-capacity requeue.
func (c *Collector) TaskRequeued() {
	if c == nil {
		return
	}
	c.taskRequeues.Inc()
}

// SubtaskResult records the outcome of one result message.
func (c *Collector) SubtaskResult(outcome string) {
	if c == nil {
		return
	}
	c.subtaskResults.WithLabelValues(outcome).Inc()
}

// SetDistributorQueueDepth updates the priority queue depth gauge.
func (c *Collector) SetDistributorQueueDepth(n int) {
	if c == nil {
		return
	}
	c.distributorQueueDepth.Set(float64(n))
}

// SetActiveTasks updates the active-task table gauge.
func (c *Collector) SetActiveTasks(n int) {
	if c == nil {
		return
	}
	c.activeTasks.Set(float64(n))
}

// SetDistributorLoopAlive flips the distributor loop liveness gauge.
func (c *Collector) SetDistributorLoopAlive(alive bool) {
	if c == nil {
		return
	}
	if alive {
		c.distributorLoopAlive.Set(1)
	} else {
		c.distributorLoopAlive.Set(0)
	}
}
