package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credits"

// Registry holds every collector exported on /metrics.
var Registry = prometheus.NewRegistry()

var (
	validations = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Key validations by result.",
	}, []string{"result"})

	creditsCharged = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "charged_total",
		Help:      "Credits deducted from keys by reported usage.",
	})

	resetRuns = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reset_runs_total",
		Help:      "Daily reset runs by trigger and status.",
	}, []string{"trigger", "status"})

	resetKeys = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reset_keys_total",
		Help:      "Keys visited by reset runs by outcome.",
	}, []string{"outcome"})

	resetDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reset_run_duration_seconds",
		Help:      "Wall clock duration of reset runs.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	syncRequests = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_requests_total",
		Help:      "Pushes to the external credit cache by result.",
	}, []string{"result"})

	usagePruned = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_records_pruned_total",
		Help:      "Usage records removed by the retention sweep.",
	})

	usageSweeps = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_retention_sweeps_total",
		Help:      "Retention sweeps over usage records by result.",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// ObserveValidation counts one validation verdict.
func ObserveValidation(result string) {
	validations.WithLabelValues(result).Inc()
}

// ObserveCharge counts credits deducted by one usage report.
func ObserveCharge(credits int64) {
	if credits > 0 {
		creditsCharged.Add(float64(credits))
	}
}

// ObserveResetRun records a finished reset run.
func ObserveResetRun(trigger, status string, succeeded, failed, skipped, syncFailed int, duration time.Duration) {
	resetRuns.WithLabelValues(trigger, status).Inc()
	resetKeys.WithLabelValues("succeeded").Add(float64(succeeded))
	resetKeys.WithLabelValues("failed").Add(float64(failed))
	resetKeys.WithLabelValues("skipped").Add(float64(skipped))
	resetKeys.WithLabelValues("sync_failed").Add(float64(syncFailed))
	resetDuration.Observe(duration.Seconds())
}

// ObserveSync counts one push to the external credit cache.
func ObserveSync(success bool) {
	if success {
		syncRequests.WithLabelValues("success").Inc()
		return
	}
	syncRequests.WithLabelValues("failure").Inc()
}

// ObserveUsageSweep records one retention sweep and the rows it removed.
// A sweep that failed part way still counts the rows it managed to delete.
func ObserveUsageSweep(pruned int64, err error) {
	if pruned > 0 {
		usagePruned.Add(float64(pruned))
	}
	if err != nil {
		usageSweeps.WithLabelValues("failure").Inc()
		return
	}
	usageSweeps.WithLabelValues("success").Inc()
}
