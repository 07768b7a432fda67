package service

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the core. All
// observation methods are nil-safe so services can run without metrics wired.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	sessionsCreated      prometheus.Counter
	sessionsCompleted    prometheus.Counter
	enrollmentsConfirmed prometheus.Counter
	remindersDispatched  prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	sessionsCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_created_total",
		Help: "Total number of sessions booked",
	})

	sessionsCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sessions_completed_total",
		Help: "Total number of sessions completed",
	})

	enrollmentsConfirmed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollments_confirmed_total",
		Help: "Total number of enrollments confirmed",
	})

	remindersDispatched := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reminders_dispatched_total",
		Help: "Total number of calendar reminders dispatched",
	})

	registry.MustRegister(requestDuration, requestTotal,
		sessionsCreated, sessionsCompleted, enrollmentsConfirmed, remindersDispatched)

	return &MetricsService{
		registry:             registry,
		handler:              promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:      requestDuration,
		requestTotal:         requestTotal,
		sessionsCreated:      sessionsCreated,
		sessionsCompleted:    sessionsCompleted,
		enrollmentsConfirmed: enrollmentsConfirmed,
		remindersDispatched:  remindersDispatched,
	}
}

// Handler exposes the registry for the /metrics endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// ObserveHTTPRequest records a completed HTTP request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if s == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "path": path, "status": httpStatusLabel(status)}
	s.requestDuration.With(labels).Observe(duration.Seconds())
	s.requestTotal.With(labels).Inc()
}

// IncSessionCreated counts a booked session.
func (s *MetricsService) IncSessionCreated() {
	if s == nil {
		return
	}
	s.sessionsCreated.Inc()
}

// IncSessionCompleted counts a completed session.
func (s *MetricsService) IncSessionCompleted() {
	if s == nil {
		return
	}
	s.sessionsCompleted.Inc()
}

// IncEnrollmentConfirmed counts a confirmed enrollment.
func (s *MetricsService) IncEnrollmentConfirmed() {
	if s == nil {
		return
	}
	s.enrollmentsConfirmed.Inc()
}

// IncReminderDispatched counts a dispatched reminder.
func (s *MetricsService) IncReminderDispatched() {
	if s == nil {
		return
	}
	s.remindersDispatched.Inc()
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
