// Package metrics exposes prometheus collectors for the coordination layer.
// The queue and registry accept these as hooks; nothing in the core packages
// depends on prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cadre-io/cadre/queue"
	"github.com/cadre-io/cadre/registry"
)

// Metrics bundles the collectors and implements the component hooks.
type Metrics struct {
	published   *prometheus.CounterVec
	consumed    *prometheus.CounterVec
	redelivered *prometheus.CounterVec
	acked       *prometheus.CounterVec
	requeued    *prometheus.CounterVec

	registrations *prometheus.CounterVec
	discoveries   *prometheus.CounterVec
	heartbeats    *prometheus.CounterVec
	expired       *prometheus.CounterVec
}

var (
	_ queue.Hook    = (*Metrics)(nil)
	_ registry.Hook = (*Metrics)(nil)
)

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadre", Subsystem: "queue", Name: "published_total",
			Help: "Envelopes published, by queue and priority band.",
		}, []string{"queue", "priority"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadre", Subsystem: "queue", Name: "consumed_total",
			Help: "Envelopes handed to consumers.",
		}, []string{"queue"}),
		redelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadre", Subsystem: "queue", Name: "redelivered_total",
			Help: "Consumed envelopes that had been delivered before.",
		}, []string{"queue"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadre", Subsystem: "queue", Name: "acked_total",
			Help: "Ack outcomes, by result.",
		}, []string{"queue", "result"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadre", Subsystem: "queue", Name: "requeued_total",
			Help: "Envelopes reclaimed after an expired visibility window.",
		}, []string{"queue"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadre", Subsystem: "registry", Name: "registrations_total",
			Help: "Instance registrations.",
		}, []string{"service"}),
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadre", Subsystem: "registry", Name: "discoveries_total",
			Help: "Discover calls.",
		}, []string{"service"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadre", Subsystem: "registry", Name: "heartbeats_total",
			Help: "Successful heartbeat renewals.",
		}, []string{"service"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadre", Subsystem: "registry", Name: "expired_total",
			Help: "Expired instances physically removed by sweeps.",
		}, []string{"service"}),
	}
	reg.MustRegister(
		m.published, m.consumed, m.redelivered, m.acked, m.requeued,
		m.registrations, m.discoveries, m.heartbeats, m.expired,
	)
	return m
}

func (m *Metrics) ObservePublish(queueName string, priority queue.Priority) {
	m.published.WithLabelValues(queueName, priority.String()).Inc()
}

func (m *Metrics) ObserveConsume(queueName string, deliveries int32) {
	m.consumed.WithLabelValues(queueName).Inc()
	if deliveries > 1 {
		m.redelivered.WithLabelValues(queueName).Inc()
	}
}

func (m *Metrics) ObserveAck(queueName string, acked bool) {
	result := "ok"
	if !acked {
		result = "miss"
	}
	m.acked.WithLabelValues(queueName, result).Inc()
}

func (m *Metrics) ObserveRequeue(queueName string, moved int) {
	m.requeued.WithLabelValues(queueName).Add(float64(moved))
}

func (m *Metrics) ObserveRegister(service string) {
	m.registrations.WithLabelValues(service).Inc()
}

func (m *Metrics) ObserveDiscover(service string, live int) {
	m.discoveries.WithLabelValues(service).Inc()
}

func (m *Metrics) ObserveHeartbeat(service string, renewed bool) {
	if renewed {
		m.heartbeats.WithLabelValues(service).Inc()
	}
}

func (m *Metrics) ObserveExpired(service string, swept int) {
	m.expired.WithLabelValues(service).Add(float64(swept))
}
