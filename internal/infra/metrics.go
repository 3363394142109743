package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pdp-submission-service/internal/domain"
)

const metricsNamespace = "pdp"

// Metrics は送信パイプラインのPrometheusメトリクス。
type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	dispatches  *prometheus.CounterVec
	polls       *prometheus.CounterVec
	pdpLatency  *prometheus.HistogramVec
	tasks       *prometheus.CounterVec
	signings    *prometheus.CounterVec
}

// NewMetrics は専用レジストリにメトリクスを登録して返す。
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "submission",
			Name:      "transitions_total",
			Help:      "Number of submission state transitions by target status",
		}, []string{"status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "dispatches_total",
			Help:      "Number of dispatch invocations by outcome",
		}, []string{"outcome"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "reconciler",
			Name:      "polls_total",
			Help:      "Number of status polls by verdict",
		}, []string{"verdict"}),
		pdpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "endpoint",
			Name:      "request_duration_seconds",
			Help:      "PDP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"operation", "result"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Number of processed queue tasks by kind and result",
		}, []string{"kind", "result"}),
		signings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "signing",
			Name:      "operations_total",
			Help:      "Number of artifact signing operations by result",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.dispatches, m.polls, m.pdpLatency, m.tasks, m.signings,
	)
	return m
}

// Handler は /metrics 用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition は状態遷移を記録する。
func (m *Metrics) ObserveTransition(to domain.SubmissionStatus) {
	m.transitions.WithLabelValues(string(to)).Inc()
}

// ObserveDispatch はディスパッチの結果を記録する。
func (m *Metrics) ObserveDispatch(outcome string) {
	m.dispatches.WithLabelValues(outcome).Inc()
}

// ObservePoll は状態照会の結果を記録する。
func (m *Metrics) ObservePoll(verdict string) {
	m.polls.WithLabelValues(verdict).Inc()
}

// ObserveEndpointCall はPDP呼び出しの所要時間を記録する。
func (m *Metrics) ObserveEndpointCall(operation string, d time.Duration, err error) {
	m.pdpLatency.WithLabelValues(operation, resultLabel(err)).Observe(d.Seconds())
}

// ObserveTask はワーカーが処理したタスクを記録する。
func (m *Metrics) ObserveTask(kind domain.TaskKind, err error) {
	m.tasks.WithLabelValues(string(kind), resultLabel(err)).Inc()
}

// ObserveSigning は成果物署名の結果を記録する。
func (m *Metrics) ObserveSigning(err error) {
	m.signings.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
