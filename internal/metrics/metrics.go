package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	SendsTotal        *prometheus.CounterVec
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	RunActive         prometheus.Gauge
	SchedulerFires    *prometheus.CounterVec
	PersistErrors     *prometheus.CounterVec
	NotifierDropped   prometheus.Counter
	EventsPublished   *prometheus.CounterVec
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestSeconds *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg uses a
// private registry, which keeps tests independent of the global one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tgsender_sends_total", Help: "Per-recipient outcomes"},
			[]string{"outcome"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tgsender_runs_total", Help: "Finished broadcast runs"},
			[]string{"state", "trigger"},
		),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tgsender_run_duration_seconds",
			Help:    "Wall time of a broadcast run",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tgsender_run_active",
			Help: "1 while a broadcast run is in progress",
		}),
		SchedulerFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tgsender_scheduler_fires_total", Help: "Scheduled slot fire attempts"},
			[]string{"result"},
		),
		PersistErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tgsender_persist_errors_total", Help: "Failed durable writes"},
			[]string{"key"},
		),
		NotifierDropped: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "tgsender_notifier_dropped_total", Help: "Operator notifications dropped"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tgsender_events_published_total", Help: "Run events published to the broker"},
			[]string{"result"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
			[]string{"method", "path", "status"},
		),
		APIRequestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "api_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	reg.MustRegister(
		m.SendsTotal, m.RunsTotal, m.RunDuration, m.RunActive, m.SchedulerFires,
		m.PersistErrors, m.NotifierDropped, m.EventsPublished,
		m.APIRequestsTotal, m.APIRequestSeconds,
	)
	return m
}

func (m *Metrics) Send(outcome string) {
	if m == nil {
		return
	}
	m.SendsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunActive.Set(1)
}

func (m *Metrics) RunFinished(state, trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunActive.Set(0)
	m.RunsTotal.WithLabelValues(state, trigger).Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) SchedulerFire(result string) {
	if m == nil {
		return
	}
	m.SchedulerFires.WithLabelValues(result).Inc()
}

func (m *Metrics) PersistError(key string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(key).Inc()
}

func (m *Metrics) NotifyDropped() {
	if m == nil {
		return
	}
	m.NotifierDropped.Inc()
}

func (m *Metrics) EventPublished(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) APIRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.APIRequestSeconds.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler serves the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
