package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
// Metrics are registered lazily on first use.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	callsIssued       *prometheus.CounterVec
	tokensIssued      prometheus.Counter
	accepts           *prometheus.CounterVec
	callsExpired      prometheus.Counter
	callsRecalled     prometheus.Counter
	sweepDuration     prometheus.Histogram
	recallFailures    *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	broadcastFailures *prometheus.CounterVec
	streakDrivers     prometheus.Gauge
	taskRuns          *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a Prometheus collector.
// reg defaults to prometheus.DefaultRegisterer and namespace to "dispatch".
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "dispatch"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.callsIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "calls",
			Name:      "issued_total",
			Help:      "Total calls issued by urgency.",
		}, []string{"urgent"})
		p.tokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "calls",
			Name:      "tokens_issued_total",
			Help:      "Total call tokens created.",
		})
		p.accepts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "calls",
			Name:      "accepts_total",
			Help:      "Total accept attempts by result.",
		}, []string{"result"})
		p.callsExpired = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sweeper",
			Name:      "calls_expired_total",
			Help:      "Total calls closed by the expiry sweeper.",
		})
		p.callsRecalled = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sweeper",
			Name:      "urgent_recalls_total",
			Help:      "Total urgent calls issued after expiry.",
		})
		p.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "sweeper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweep passes in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms .. ~2.5s
		})
		p.recallFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sweeper",
			Name:      "recall_failures_total",
			Help:      "Total urgent recalls that failed by reason.",
		}, []string{"reason"})
		p.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "notifications",
			Name:      "dispatched_total",
			Help:      "Total notification dispatches by outcome.",
		}, []string{"outcome"})
		p.broadcastFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Total failed broadcast publishes by sink.",
		}, []string{"sink"})
		p.streakDrivers = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "streaks",
			Name:      "drivers_updated",
			Help:      "Number of drivers updated by the last streak recomputation.",
		})
		p.taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Total scheduled task runs by task and outcome.",
		}, []string{"task", "outcome"})
		p.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Duration of scheduled task runs in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"task"})

		p.reg.MustRegister(p.callsIssued)
		p.reg.MustRegister(p.tokensIssued)
		p.reg.MustRegister(p.accepts)
		p.reg.MustRegister(p.callsExpired)
		p.reg.MustRegister(p.callsRecalled)
		p.reg.MustRegister(p.sweepDuration)
		p.reg.MustRegister(p.recallFailures)
		p.reg.MustRegister(p.notifications)
		p.reg.MustRegister(p.broadcastFailures)
		p.reg.MustRegister(p.streakDrivers)
		p.reg.MustRegister(p.taskRuns)
		p.reg.MustRegister(p.taskDuration)
	})
}

// RecordCallIssued counts an issued call and its tokens.
func (p *PrometheusCollector) RecordCallIssued(urgent bool, tokens int) {
	p.ensureRegistered()
	p.callsIssued.WithLabelValues(strconv.FormatBool(urgent)).Inc()
	p.tokensIssued.Add(float64(tokens))
}

// RecordAccept counts an accept attempt by result.
func (p *PrometheusCollector) RecordAccept(result string) {
	p.ensureRegistered()
	p.accepts.WithLabelValues(result).Inc()
}

// RecordSweep observes a sweep pass.
func (p *PrometheusCollector) RecordSweep(expired, recalled int, duration time.Duration) {
	p.ensureRegistered()
	p.callsExpired.Add(float64(expired))
	p.callsRecalled.Add(float64(recalled))
	p.sweepDuration.Observe(duration.Seconds())
}

// IncrementRecallFailure counts a failed urgent recall.
func (p *PrometheusCollector) IncrementRecallFailure(reason string) {
	p.ensureRegistered()
	p.recallFailures.WithLabelValues(reason).Inc()
}

// RecordNotification counts a notification dispatch.
func (p *PrometheusCollector) RecordNotification(outcome string) {
	p.ensureRegistered()
	p.notifications.WithLabelValues(outcome).Inc()
}

// IncrementBroadcastFailure counts a failed publish.
func (p *PrometheusCollector) IncrementBroadcastFailure(sink string) {
	p.ensureRegistered()
	p.broadcastFailures.WithLabelValues(sink).Inc()
}

// RecordStreakUpdate sets the drivers-updated gauge.
func (p *PrometheusCollector) RecordStreakUpdate(drivers int) {
	p.ensureRegistered()
	p.streakDrivers.Set(float64(drivers))
}

// RecordTaskRun observes a scheduled task run.
func (p *PrometheusCollector) RecordTaskRun(task, outcome string, duration time.Duration) {
	p.ensureRegistered()
	p.taskRuns.WithLabelValues(task, outcome).Inc()
	p.taskDuration.WithLabelValues(task).Observe(duration.Seconds())
}
