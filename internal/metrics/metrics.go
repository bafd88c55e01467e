// Package metrics exposes the daemon's counters as Prometheus collectors.
// It implements the router, delivery and watchdog observer interfaces so the
// instrumented components stay free of metric code.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/watchdog"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	connectedAgents  prometheus.Gauge
	processingAgents prometheus.Gauge
	messagesRouted   *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	storageErrors    *prometheus.CounterVec

	filesDelivered   prometheus.Counter
	filesFailed      prometheus.Counter
	filesStale       prometheus.Counter
	watcherOverflows prometheus.Counter
	reconciles       prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		connectedAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_connected_agents",
			Help: "Currently registered agents and users.",
		}),
		processingAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relayd_processing_agents",
			Help: "Agents currently holding the processing flag.",
		}),
		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_messages_routed_total",
			Help: "Messages routed, by envelope type.",
		}, []string{"type"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_messages_dropped_total",
			Help: "Messages dropped, by reason.",
		}, []string{"reason"}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_delivery_failures_total",
			Help: "Deliveries that exhausted their retry schedule.",
		}),
		storageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayd_storage_errors_total",
			Help: "Persistence errors, by operation.",
		}, []string{"op"}),
		filesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_outbox_files_delivered_total",
			Help: "Outbox files parsed and delivered.",
		}),
		filesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_outbox_files_failed_total",
			Help: "Outbox files that failed processing.",
		}),
		filesStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_outbox_files_stale_total",
			Help: "Pending outbox files older than the stale age.",
		}),
		watcherOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_watcher_overflows_total",
			Help: "Filesystem watcher overflows forcing a reconcile.",
		}),
		reconciles: factory.NewCounter(prometheus.CounterOpts{
			Name: "relayd_reconciles_total",
			Help: "Completed reconciliation passes.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// router.Observer

func (m *Metrics) AgentConnected(string, protocol.EntityKind) { m.connectedAgents.Inc() }
func (m *Metrics) AgentDisconnected(string)                   { m.connectedAgents.Dec() }

func (m *Metrics) ProcessingChanged(_ string, processing bool, _ time.Time) {
	if processing {
		m.processingAgents.Inc()
	} else {
		m.processingAgents.Dec()
	}
}

func (m *Metrics) MessageRouted(_, _ string, envType protocol.Type) {
	m.messagesRouted.WithLabelValues(string(envType)).Inc()
}

func (m *Metrics) MessageDropped(_, _, reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) StorageError(op string, _ error) {
	m.storageErrors.WithLabelValues(op).Inc()
}

// delivery.Observer

func (m *Metrics) DeliveryFailed(string, *protocol.Envelope, string) {
	m.deliveryFailures.Inc()
}

// watchdog.Observer

func (m *Metrics) FileDiscovered(string, string)           {}
func (m *Metrics) FileDelivered(*watchdog.Message)         { m.filesDelivered.Inc() }
func (m *Metrics) FileFailed(string, string)               { m.filesFailed.Inc() }
func (m *Metrics) FileStale(string, string, time.Duration) { m.filesStale.Inc() }
func (m *Metrics) WatcherOverflow()                        { m.watcherOverflows.Inc() }
func (m *Metrics) ReconcileComplete(int, int)              { m.reconciles.Inc() }
func (m *Metrics) Error(op string, _ error)                { m.storageErrors.WithLabelValues(op).Inc() }
