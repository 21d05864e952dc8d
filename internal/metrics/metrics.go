package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	processHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "process_healthy",
		Help:      "Health state of the supervised process (1=all checks passing, 0=failing or not yet checked).",
	}, []string{"process"})

	launches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "launches_total",
		Help:      "Total number of process instances started.",
	}, []string{"process"})

	restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "restarts_total",
		Help:      "Total number of restarts initiated after a failed health check.",
	}, []string{"process"})

	testRounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "test_rounds_total",
		Help:      "Total number of health check rounds started.",
	}, []string{"process"})

	testResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "test_results_total",
		Help:      "Health check outcomes by check name and result.",
	}, []string{"process", "check", "result"})

	checkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "warden",
		Name:      "check_latency_seconds",
		Help:      "Latency of health check executions in seconds.",
	}, []string{"process", "check"})

	budgetExhausted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "restart_budget_exhausted",
		Help:      "Set to 1 once the restart budget is exhausted and supervision stopped.",
	}, []string{"process"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "build_info",
		Help:      "Build metadata for the running warden binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(processHealthy, launches, restarts, testRounds, testResults, checkLatency, budgetExhausted, buildInfo)
}

// Registry returns the Prometheus registry containing all warden metrics.
func Registry() *prometheus.Registry {
	return registry
}

func label(process string) string {
	if process == "" {
		return "unknown"
	}
	return process
}

// SetProcessHealthy records the health state for the provided process.
func SetProcessHealthy(process string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	processHealthy.WithLabelValues(label(process)).Set(value)
}

// IncrementLaunch counts a started process instance.
func IncrementLaunch(process string) {
	launches.WithLabelValues(label(process)).Inc()
}

// IncrementRestart counts a restart of the process.
func IncrementRestart(process string) {
	restarts.WithLabelValues(label(process)).Inc()
}

// IncrementTestRound counts a started health check round.
func IncrementTestRound(process string) {
	testRounds.WithLabelValues(label(process)).Inc()
}

// RecordTestResult counts one check outcome.
func RecordTestResult(process, check string, ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	testResults.WithLabelValues(label(process), check, result).Inc()
}

// ObserveCheckLatency records the latency of a health check execution.
func ObserveCheckLatency(process, check string, d time.Duration) {
	checkLatency.WithLabelValues(label(process), check).Observe(d.Seconds())
}

// SetBudgetExhausted marks the process as no longer supervised.
func SetBudgetExhausted(process string) {
	budgetExhausted.WithLabelValues(label(process)).Set(1)
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetProcess clears every series recorded for a process.
func ResetProcess(process string) {
	l := prometheus.Labels{"process": label(process)}
	processHealthy.DeletePartialMatch(l)
	launches.DeletePartialMatch(l)
	restarts.DeletePartialMatch(l)
	testRounds.DeletePartialMatch(l)
	testResults.DeletePartialMatch(l)
	checkLatency.DeletePartialMatch(l)
	budgetExhausted.DeletePartialMatch(l)
}
