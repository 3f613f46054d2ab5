package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// OrdersTotal counts inbound order submissions by result.
	OrdersTotal *prometheus.CounterVec
	// PaymentLinksIssued counts payment links obtained from the gateway per environment.
	PaymentLinksIssued *prometheus.CounterVec
	// OutcomeTokensTotal counts outcome token verification results.
	OutcomeTokensTotal *prometheus.CounterVec
	// NotificationsRelayed counts outbound notifications to the forms provider by result.
	NotificationsRelayed *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		OrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Count of inbound order submissions by processing result.",
		}, []string{"result"})
		PaymentLinksIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_links_issued_total",
			Help:      "Count of payment links issued by the gateway per environment.",
		}, []string{"environment"})
		OutcomeTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcome_tokens_total",
			Help:      "Count of outcome token verifications by result.",
		}, []string{"result"})
		NotificationsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_relayed_total",
			Help:      "Count of notifications relayed to the forms provider by result.",
		}, []string{"result"})

		mustRegisterCollector(reg, OrdersTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrdersTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentLinksIssued, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentLinksIssued = v
			}
		})
		mustRegisterCollector(reg, OutcomeTokensTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OutcomeTokensTotal = v
			}
		})
		mustRegisterCollector(reg, NotificationsRelayed, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				NotificationsRelayed = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
