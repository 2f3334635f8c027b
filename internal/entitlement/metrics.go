package entitlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgbyebye",
		Subsystem: "usage",
		Name:      "gate_decisions_total",
		Help:      "Usage gate decisions by result.",
	}, []string{"result"})

	debits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgbyebye",
		Subsystem: "usage",
		Name:      "debits_total",
		Help:      "Successful debits by credit bucket.",
	}, []string{"bucket"})

	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bgbyebye",
		Subsystem: "checkout",
		Name:      "verifications_total",
		Help:      "Checkout session verification outcomes.",
	}, []string{"outcome", "payment_type"})

	untrustedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bgbyebye",
		Subsystem: "checkout",
		Name:      "untrusted_messages_total",
		Help:      "Checkout messages dropped because of an untrusted origin.",
	})
)

// RecordDecision 记录一次准入判断
func RecordDecision(allowed bool) {
	if allowed {
		gateDecisions.WithLabelValues("allowed").Inc()
		return
	}
	gateDecisions.WithLabelValues("denied").Inc()
}

func RecordDebit(bucket string) {
	debits.WithLabelValues(bucket).Inc()
}
