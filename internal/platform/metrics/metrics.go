package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the governance core.
type Metrics struct {
	GateDecisions          *prometheus.CounterVec
	CheckpointResolutions  *prometheus.CounterVec
	CheckpointsExpired     prometheus.Counter
	TokensConsumed         prometheus.Counter
	TokensRefunded         prometheus.Counter
	AuditEntriesAppended   prometheus.Counter
	NotificationsDelivered prometheus.Counter
	NotificationFailures   prometheus.Counter
	ActiveChannels         prometheus.Gauge
	RateLimitRejections    *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction never collides.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chenu_gate_decisions_total",
			Help: "Governance gate decisions by outcome",
		}, []string{"decision"}),
		CheckpointResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chenu_checkpoint_resolutions_total",
			Help: "Checkpoint transitions out of pending by terminal status",
		}, []string{"status"}),
		CheckpointsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "chenu_checkpoints_expired_total",
			Help: "Checkpoints expired by the overdue sweep",
		}),
		TokensConsumed: f.NewCounter(prometheus.CounterOpts{
			Name: "chenu_budget_tokens_consumed_total",
			Help: "Tokens consumed across all scopes",
		}),
		TokensRefunded: f.NewCounter(prometheus.CounterOpts{
			Name: "chenu_budget_tokens_refunded_total",
			Help: "Tokens refunded across all scopes",
		}),
		AuditEntriesAppended: f.NewCounter(prometheus.CounterOpts{
			Name: "chenu_audit_entries_appended_total",
			Help: "Audit entries appended to the log",
		}),
		NotificationsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "chenu_notifications_delivered_total",
			Help: "Notification events delivered to channels",
		}),
		NotificationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chenu_notification_failures_total",
			Help: "Notification deliveries that failed on a channel",
		}),
		ActiveChannels: f.NewGauge(prometheus.GaugeOpts{
			Name: "chenu_notification_active_channels",
			Help: "Channels currently subscribed for notifications",
		}),
		RateLimitRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chenu_rate_limit_rejections_total",
			Help: "Requests refused by the rate limiter by endpoint class",
		}, []string{"class"}),
	}
}

func (m *Metrics) IncrementDecision(decision string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) IncrementResolution(status string) {
	if m == nil {
		return
	}
	m.CheckpointResolutions.WithLabelValues(status).Inc()
}

func (m *Metrics) AddExpired(n int) {
	if m == nil {
		return
	}
	m.CheckpointsExpired.Add(float64(n))
}

func (m *Metrics) AddConsumed(tokens int64) {
	if m == nil {
		return
	}
	m.TokensConsumed.Add(float64(tokens))
}

func (m *Metrics) AddRefunded(tokens int64) {
	if m == nil {
		return
	}
	m.TokensRefunded.Add(float64(tokens))
}

func (m *Metrics) IncrementAuditAppended() {
	if m == nil {
		return
	}
	m.AuditEntriesAppended.Inc()
}

func (m *Metrics) AddDelivered(n int) {
	if m == nil {
		return
	}
	m.NotificationsDelivered.Add(float64(n))
}

func (m *Metrics) IncrementNotificationFailures() {
	if m == nil {
		return
	}
	m.NotificationFailures.Inc()
}

func (m *Metrics) SetActiveChannels(n int) {
	if m == nil {
		return
	}
	m.ActiveChannels.Set(float64(n))
}

func (m *Metrics) IncrementRateLimited(class string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.WithLabelValues(class).Inc()
}
