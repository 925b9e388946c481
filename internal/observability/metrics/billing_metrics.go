package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	PassReservations = "reservations"
	PassOverdue      = "overdue"

	ItemResultBilled    = "billed"
	ItemResultLateFee   = "late_fee"
	ItemResultRemarked  = "remarked"
	ItemResultSkipped   = "skipped"
	ItemResultDuplicate = "duplicate"
)

// BillingMetrics captures batch health signals for the nightly run.
type BillingMetrics struct {
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsInFlight prometheus.Gauge
	items        *prometheus.CounterVec
	retries      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	lockDenied   prometheus.Counter
	lastSuccess  prometheus.Gauge
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	return BillingWithConfig(Config{})
}

// BillingWithConfig returns the singleton billing metrics registry using config labels.
func BillingWithConfig(cfg Config) *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the billing metrics singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

// NewBillingMetricsForTest registers a fresh set on registerer.
func NewBillingMetricsForTest(registerer prometheus.Registerer) *BillingMetrics {
	return newBillingMetrics(registerer, Config{ServiceName: "test", Environment: "test"})
}

func newBillingMetrics(registerer prometheus.Registerer, cfg Config) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "daycare-billing"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "daycare_billing_runs_total",
		Help:        "Billing runs by terminal state and trigger.",
		ConstLabels: constLabels,
	}, []string{"state", "trigger", "dry_run"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "daycare_billing_run_duration_seconds",
		Help:        "Wall time of a billing run.",
		Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		ConstLabels: constLabels,
	}, []string{"trigger"})
	runsInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "daycare_billing_runs_in_flight",
		Help:        "Billing runs currently executing in this process.",
		ConstLabels: constLabels,
	})
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "daycare_billing_items_total",
		Help:        "Items processed by pass and result.",
		ConstLabels: constLabels,
	}, []string{"pass", "result"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "daycare_billing_retries_total",
		Help:        "Transient retries by operation.",
		ConstLabels: constLabels,
	}, []string{"operation"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "daycare_billing_failures_total",
		Help:        "Failures recorded on the run log by operation and kind.",
		ConstLabels: constLabels,
	}, []string{"operation", "kind"})
	lockDenied := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "daycare_billing_lock_denied_total",
		Help:        "Run attempts rejected because another run holds the lock.",
		ConstLabels: constLabels,
	})
	lastSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "daycare_billing_last_success_timestamp_seconds",
		Help:        "Unix time of the last run that finished without a hard failure.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(runs, runDuration, runsInFlight, items, retries, failures, lockDenied, lastSuccess)

	return &BillingMetrics{
		runs:         runs,
		runDuration:  runDuration,
		runsInFlight: runsInFlight,
		items:        items,
		retries:      retries,
		failures:     failures,
		lockDenied:   lockDenied,
		lastSuccess:  lastSuccess,
	}
}

func (m *BillingMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

// RunFinished records the terminal state of a run.
func (m *BillingMetrics) RunFinished(state, trigger string, dryRun, hardFailure bool, duration time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.runsInFlight.Dec()
	dry := "false"
	if dryRun {
		dry = "true"
	}
	m.runs.WithLabelValues(normalizeLabel(state), normalizeLabel(trigger), dry).Inc()
	if duration > 0 {
		m.runDuration.WithLabelValues(normalizeLabel(trigger)).Observe(duration.Seconds())
	}
	if !hardFailure && !dryRun {
		m.lastSuccess.Set(float64(finishedAt.Unix()))
	}
}

func (m *BillingMetrics) IncItem(pass, result string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(normalizeLabel(pass), normalizeLabel(result)).Inc()
}

func (m *BillingMetrics) IncRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(operation)).Inc()
}

func (m *BillingMetrics) IncFailure(operation, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(operation), normalizeLabel(kind)).Inc()
}

func (m *BillingMetrics) IncLockDenied() {
	if m == nil {
		return
	}
	m.lockDenied.Inc()
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
