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

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "procbridge",
		Name:      "operation_duration_seconds",
		Help:      "Duration of bridge operations in seconds, by operation and resulting status.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"op", "status"})

	childrenStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procbridge",
		Name:      "children_started_total",
		Help:      "Total number of children spawned, by backend.",
	}, []string{"backend"})

	childrenRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procbridge",
		Name:      "children_running",
		Help:      "Children currently holding OS resources, by backend.",
	}, []string{"backend"})

	messageBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procbridge",
		Name:      "message_bytes_total",
		Help:      "Payload bytes moved across bridge endpoints, by direction.",
	}, []string{"direction"})

	truncatedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procbridge",
		Name:      "truncated_lines_total",
		Help:      "Receives that filled the mailbox before reaching a terminator.",
	})

	scenarioDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "procbridge",
		Name:      "scenario_duration_seconds",
		Help:      "Duration of harness scenarios in seconds, by result.",
	}, []string{"result"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procbridge",
		Name:      "build_info",
		Help:      "Build metadata for the running procbridge binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(
		operationDuration,
		childrenStarted,
		childrenRunning,
		messageBytes,
		truncatedLines,
		scenarioDuration,
		buildInfo,
	)
}

// Registry returns the Prometheus registry containing all procbridge metrics.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveOperation records how long a bridge operation took and how it ended.
func ObserveOperation(op, status string, d time.Duration) {
	if op == "" {
		return
	}
	if status == "" {
		status = "unknown"
	}
	operationDuration.WithLabelValues(op, status).Observe(d.Seconds())
}

// ChildStarted counts a spawned child and marks it running.
func ChildStarted(backend string) {
	label := backendLabel(backend)
	childrenStarted.WithLabelValues(label).Inc()
	childrenRunning.WithLabelValues(label).Inc()
}

// ChildReleased marks a child's resources as released.
func ChildReleased(backend string) {
	childrenRunning.WithLabelValues(backendLabel(backend)).Dec()
}

// AddMessageBytes adds n payload bytes for direction ("sent" or "received").
func AddMessageBytes(direction string, n int) {
	if direction == "" || n <= 0 {
		return
	}
	messageBytes.WithLabelValues(direction).Add(float64(n))
}

// IncTruncatedLines counts one receive that stopped on a full mailbox.
func IncTruncatedLines() {
	truncatedLines.Inc()
}

// ObserveScenario records the duration of one harness scenario.
func ObserveScenario(result string, d time.Duration) {
	if result == "" {
		result = "unknown"
	}
	scenarioDuration.WithLabelValues(result).Observe(d.Seconds())
}

func backendLabel(backend string) string {
	if backend == "" {
		return "unknown"
	}
	return backend
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
