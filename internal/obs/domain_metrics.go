package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts checkout intent builds by result.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound gateway webhook outcomes by class.
	PaymentWebhookTotal *prometheus.CounterVec
	// PendingStoreOps counts pending credential store operations.
	PendingStoreOps *prometheus.CounterVec
	// AccountCallLatency records downstream account service latency in milliseconds.
	AccountCallLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentIntentTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_total",
			Help:      "Count of checkout intent builds by outcome.",
		}, []string{"result"}))
		PaymentWebhookTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed gateway webhooks by class and outcome.",
		}, []string{"class", "result"}))
		PendingStoreOps = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_store_ops_total",
			Help:      "Pending credential store operations by driver, operation and result.",
		}, []string{"driver", "op", "result"}))
		AccountCallLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "account_call_duration_ms",
			Help:      "Latency of account service calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"call", "result"}))
	})
}

// IncPendingStore records a pending store operation when metrics are registered.
func IncPendingStore(driver, op, result string) {
	if PendingStoreOps != nil {
		PendingStoreOps.WithLabelValues(driver, op, result).Inc()
	}
}

// IncWebhook records a webhook outcome when metrics are registered.
func IncWebhook(class, result string) {
	if PaymentWebhookTotal != nil {
		PaymentWebhookTotal.WithLabelValues(class, result).Inc()
	}
}

// IncIntent records a checkout intent outcome when metrics are registered.
func IncIntent(result string) {
	if PaymentIntentTotal != nil {
		PaymentIntentTotal.WithLabelValues(result).Inc()
	}
}
