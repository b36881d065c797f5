package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	messagesSentTotal     *prometheus.CounterVec
	sendRetriesTotal      prometheus.Counter
	sendFailuresTotal     prometheus.Counter
	reconcileEventsTotal  *prometheus.CounterVec
	streamReconnectsTotal prometheus.Counter
	presenceWritesTotal   *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors for the sync core.
func RegisterMetrics() {
	registerOnce.Do(func() {
		messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Messages accepted by the optimistic write pipeline.",
		}, []string{"type"})

		sendRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_send_retries_total",
			Help: "Remote propagation attempts retried after a transient failure.",
		})

		sendFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_send_failures_total",
			Help: "Messages that exhausted their retry budget and went FAILED.",
		})

		reconcileEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_reconcile_events_total",
			Help: "Remote change events applied to the local store.",
		}, []string{"entity"})

		streamReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_stream_reconnects_total",
			Help: "Subscription reconnects performed by the sync reconciler.",
		})

		presenceWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_presence_writes_total",
			Help: "Ephemeral presence writes (typing, heartbeat) issued.",
		}, []string{"kind"})

		prometheus.MustRegister(
			messagesSentTotal,
			sendRetriesTotal,
			sendFailuresTotal,
			reconcileEventsTotal,
			streamReconnectsTotal,
			presenceWritesTotal,
		)
	})
}

// MessagesSent exposes the counter for pipeline sends.
func MessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return messagesSentTotal
}

// SendRetries exposes the counter for retried propagation attempts.
func SendRetries() prometheus.Counter {
	RegisterMetrics()
	return sendRetriesTotal
}

// SendFailures exposes the counter for exhausted sends.
func SendFailures() prometheus.Counter {
	RegisterMetrics()
	return sendFailuresTotal
}

// ReconcileEvents exposes the counter for applied change events.
func ReconcileEvents() *prometheus.CounterVec {
	RegisterMetrics()
	return reconcileEventsTotal
}

// StreamReconnects exposes the counter for subscription reconnects.
func StreamReconnects() prometheus.Counter {
	RegisterMetrics()
	return streamReconnectsTotal
}

// PresenceWrites exposes the counter for ephemeral presence writes.
func PresenceWrites() *prometheus.CounterVec {
	RegisterMetrics()
	return presenceWritesTotal
}
