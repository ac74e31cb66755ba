// Package metrics exposes the Prometheus counters recorded by CityCrew services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "citycrew"

// Recorder owns a private registry. A nil *Recorder records nothing.
type Recorder struct {
	registry            *prometheus.Registry
	messagesSent        *prometheus.CounterVec
	crewTransitions     *prometheus.CounterVec
	conflicts           *prometheus.CounterVec
	realtimeEvents      *prometheus.CounterVec
	cacheInvalidations  *prometheus.CounterVec
	notificationsQueued *prometheus.CounterVec
}

// NewRecorder registers the CityCrew collectors plus the Go runtime collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	recorder := &Recorder{
		registry: registry,
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages appended to conversation logs, by message type.",
		}, []string{"type"}),
		crewTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crew_transitions_total",
			Help:      "Crew connection state transitions.",
		}, []string{"transition"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Writes rejected by uniqueness rules.",
		}, []string{"reason"}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Change feed deliveries by outcome.",
		}, []string{"outcome"}),
		cacheInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Read cache entries dropped, by triggering mutation.",
		}, []string{"mutation"}),
		notificationsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Push notifications handed to the delivery queue, by outcome.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		recorder.messagesSent,
		recorder.crewTransitions,
		recorder.conflicts,
		recorder.realtimeEvents,
		recorder.cacheInvalidations,
		recorder.notificationsQueued,
	)
	return recorder
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry for tests and custom collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) MessageSent(messageType string) {
	if r == nil {
		return
	}
	r.messagesSent.WithLabelValues(messageType).Inc()
}

func (r *Recorder) CrewTransition(transition string) {
	if r == nil {
		return
	}
	r.crewTransitions.WithLabelValues(transition).Inc()
}

func (r *Recorder) Conflict(reason string) {
	if r == nil {
		return
	}
	r.conflicts.WithLabelValues(reason).Inc()
}

func (r *Recorder) RealtimeEvent(outcome string) {
	if r == nil {
		return
	}
	r.realtimeEvents.WithLabelValues(outcome).Inc()
}

func (r *Recorder) CacheInvalidated(mutation string, entries int) {
	if r == nil || entries <= 0 {
		return
	}
	r.cacheInvalidations.WithLabelValues(mutation).Add(float64(entries))
}

func (r *Recorder) NotificationQueued(outcome string) {
	if r == nil {
		return
	}
	r.notificationsQueued.WithLabelValues(outcome).Inc()
}
