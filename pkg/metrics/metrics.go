// Package metrics defines prometheus collectors of kjobs.
//
// Methods on nil *Metrics do nothing, so that components can be used without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kjobs"

const (
	resultOK    = "ok"
	resultError = "error"
)

type Metrics struct {
	jobsSubmitted *prometheus.CounterVec
	jobsMarked    prometheus.Counter
	jobsDeleted   prometheus.Counter
	sweepErrors   prometheus.Counter
	sweepDuration prometheus.Histogram

	admissions *prometheus.CounterVec

	messages       *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec

	reloads *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates collectors and registers them to reg.
//
// It panics when collectors are registered twice to reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_submitted_total",
			Help: "Jobs submitted to the cluster, by definition and result.",
		}, []string{"definition", "result"}),
		jobsMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_marked_for_deletion_total",
			Help: "Terminal jobs annotated with deletion time.",
		}),
		jobsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_deleted_total",
			Help: "Jobs deleted after retention.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_errors_total",
			Help: "Cleanup sweeps which ended with errors.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds",
			Help:    "Duration of cleanup sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admissions_total",
			Help: "Admitted requests, by definition and outcome (accepted, partial, rejected, failed).",
		}, []string{"definition", "outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_handled_total",
			Help: "Queue messages handled by workers, by queue and result.",
		}, []string{"queue", "result"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "message_handle_duration_seconds",
			Help:    "Duration of handling a queue message.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"queue"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "definition_reloads_total",
			Help: "Reloads of job definitions, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests, by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.jobsSubmitted, m.jobsMarked, m.jobsDeleted, m.sweepErrors, m.sweepDuration,
		m.admissions, m.messages, m.handleDuration, m.reloads,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

func (m *Metrics) JobSubmitted(definition string, err error) {
	if m == nil {
		return
	}
	m.jobsSubmitted.WithLabelValues(definition, result(err)).Inc()
}

func (m *Metrics) JobsMarked(n int) {
	if m == nil {
		return
	}
	m.jobsMarked.Add(float64(n))
}

func (m *Metrics) JobsDeleted(n int) {
	if m == nil {
		return
	}
	m.jobsDeleted.Add(float64(n))
}

func (m *Metrics) Swept(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	if err != nil {
		m.sweepErrors.Inc()
	}
}

func (m *Metrics) Admitted(definition string, outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(definition, outcome).Inc()
}

func (m *Metrics) MessageHandled(queue string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(queue, result(err)).Inc()
	m.handleDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *Metrics) Reloaded(err error) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) Requested(method string, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
