package bmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the instance's Prometheus instruments.  Each BMQ gets its
// own registry so several instances (a server and a client in one test
// binary, say) never collide on registration.
type metrics struct {
	registry *prometheus.Registry

	framesReceived prometheus.Counter
	framesDropped  prometheus.Counter
	bytesSent      prometheus.Counter

	connectionsActive prometheus.Gauge
	pendingRequests   prometheus.Gauge

	commandsDispatched *prometheus.CounterVec
	authFailures       *prometheus.CounterVec
	jobsQueued         *prometheus.CounterVec
	jobsDone           *prometheus.CounterVec
	handlerPanics      prometheus.Counter
	timersFired        prometheus.Counter
	requestTimeouts    prometheus.Counter
}

func newMetrics(namespace string) *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total multipart frames received on all sockets",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped for being malformed or oversized",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Payload bytes sent on all sockets",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently live connections",
		}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Outstanding requests awaiting a reply",
		}),
		commandsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Commands handed to the worker pool, by category",
		}, []string{"category"}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Command admissions refused, by reason",
		}, []string{"reason"}),
		jobsQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_queued_total",
			Help:      "Jobs enqueued on the worker pool, by lane",
		}, []string{"lane"}),
		jobsDone: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_done_total",
			Help:      "Jobs completed by the worker pool, by lane",
		}, []string{"lane"}),
		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Handler invocations that panicked and were recovered",
		}),
		timersFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Timer ticks enqueued on the batch lane",
		}),
		requestTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Requests that expired before a reply arrived",
		}),
	}
}

// MetricsRegistry exposes the instance's Prometheus registry so embedders
// can mount it on an HTTP handler.
func (b *BMQ) MetricsRegistry() *prometheus.Registry {
	return b.m.registry
}
