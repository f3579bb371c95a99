// Package metrics registers courier's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the daemon exports. A nil *Metrics is safe
// to use; all methods become no-ops.
type Metrics struct {
	SessionTransitions *prometheus.CounterVec
	MessageOutcomes    *prometheus.CounterVec
	SendAttempts       prometheus.Counter
	WebhookDeliveries  *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "session_transitions_total",
			Help:      "Session lifecycle transitions by resulting event.",
		}, []string{"event"}),
		MessageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "message_outcomes_total",
			Help:      "Terminal and progress message outcomes by status.",
		}, []string{"status"}),
		SendAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "send_attempts_total",
			Help:      "Outbound send attempts, including retries.",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "webhook_deliveries_total",
			Help:      "Best-effort webhook posts by result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "queue_jobs",
			Help:      "Dispatch queue depth by state.",
		}, []string{"state"}),
	}
	reg.MustRegister(
		m.SessionTransitions,
		m.MessageOutcomes,
		m.SendAttempts,
		m.WebhookDeliveries,
		m.QueueDepth,
	)
	return m
}

func (m *Metrics) Transition(event string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(event).Inc()
}

func (m *Metrics) Outcome(status string) {
	if m == nil {
		return
	}
	m.MessageOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) Attempt() {
	if m == nil {
		return
	}
	m.SendAttempts.Inc()
}

func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(state string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(state).Set(float64(n))
}
