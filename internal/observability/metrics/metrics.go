package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "clinic"

// MessagingMetrics exposes counters/histograms for messaging flows.
type MessagingMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound chat and scheduler webhooks",
		}, []string{"source", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound WhatsApp sends",
		}, []string{"provider", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency)
	return m
}

func (m *MessagingMetrics) ObserveInbound(source, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(source, status).Inc()
}

func (m *MessagingMetrics) ObserveOutbound(provider, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(provider, status).Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(source string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(source).Observe(seconds)
}

// ConversationMetrics tracks slot-filling turns and extraction health.
type ConversationMetrics struct {
	turnsTotal         *prometheus.CounterVec
	extractionFailures *prometheus.CounterVec
	turnLatency        prometheus.Histogram
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "turns_total",
			Help:      "Conversation turns by outcome",
		}, []string{"outcome"}),
		extractionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "extraction_failures_total",
			Help:      "Entity extraction calls that degraded to general_inquiry",
		}, []string{"reason"}),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "turn_latency_seconds",
			Help:      "Latency of a full conversation turn",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.extractionFailures, m.turnLatency)
	return m
}

func (m *ConversationMetrics) ObserveTurn(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnLatency.Observe(seconds)
}

func (m *ConversationMetrics) ObserveExtractionFailure(reason string) {
	if m == nil {
		return
	}
	m.extractionFailures.WithLabelValues(reason).Inc()
}

// BookingMetrics counts booking commit attempts by result.
type BookingMetrics struct {
	commitsTotal *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "commits_total",
			Help:      "Appointment create/update attempts by operation and result",
		}, []string{"operation", "result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.commitsTotal)
	return m
}

func (m *BookingMetrics) ObserveCommit(operation, result string) {
	if m == nil {
		return
	}
	m.commitsTotal.WithLabelValues(operation, result).Inc()
}
