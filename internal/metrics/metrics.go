// Package metrics exposes the Prometheus collectors of the engine, the
// scheduler and the admin API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ruleBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialrules_rule_batches_total",
			Help: "Total number of rule batches executed",
		},
		[]string{"status"},
	)

	rulesFiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trialrules_rules_fired_total",
			Help: "Total number of rules whose condition held",
		},
	)

	ruleBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trialrules_rule_batch_duration_seconds",
			Help:    "Rule batch duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	cronScopeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialrules_cron_scope_runs_total",
			Help: "Total number of cron executions on a scope",
		},
		[]string{"cron_id", "status"},
	)

	cronSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trialrules_cron_sweep_duration_seconds",
			Help:    "Duration of a full cron sweep in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
	)

	taskRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialrules_task_runs_total",
			Help: "Total number of scheduled task runs",
		},
		[]string{"task", "status"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trialrules_task_duration_seconds",
			Help:    "Scheduled task duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	mailsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialrules_mails_processed_total",
			Help: "Total number of mails handled by the dispatch task",
		},
		[]string{"status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trialrules_http_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveRuleBatch records a finished rule batch
func ObserveRuleBatch(start time.Time, fired int, err error) {
	ruleBatchesTotal.WithLabelValues(status(err)).Inc()
	ruleBatchDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		rulesFiredTotal.Add(float64(fired))
	}
}

// RecordCronScopeRun records the execution of one cron on one scope
func RecordCronScopeRun(cronID string, err error) {
	cronScopeRunsTotal.WithLabelValues(cronID, status(err)).Inc()
}

// ObserveCronSweep records the duration of a cron tick
func ObserveCronSweep(start time.Time) {
	cronSweepDuration.Observe(time.Since(start).Seconds())
}

// ObserveTask records a scheduled task run
func ObserveTask(task string, start time.Time, err error) {
	taskRunsTotal.WithLabelValues(task, status(err)).Inc()
	taskDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
}

// RecordMail records the outcome of one mail dispatch
func RecordMail(mailStatus string) {
	mailsProcessedTotal.WithLabelValues(mailStatus).Inc()
}

// RecordHTTPRequest records an admin API request
func RecordHTTPRequest(method, route string, code int) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
