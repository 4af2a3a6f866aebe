package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "applanix",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "applanix",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "applanix",
			Subsystem: "port",
			Name:      "packets_total",
			Help:      "Packets received per port and identity.",
		},
		[]string{"port", "id"},
	)
	bytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "applanix",
			Subsystem: "port",
			Name:      "bytes_total",
			Help:      "Packet body bytes received per port.",
		},
		[]string{"port"},
	)
	receiveErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "applanix",
			Subsystem: "port",
			Name:      "errors_total",
			Help:      "Discarded packets per port and failure kind.",
		},
		[]string{"port", "kind"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "applanix",
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Commands sent on the control port by message id and outcome.",
		},
		[]string{"id", "result"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "applanix",
			Subsystem: "control",
			Name:      "command_duration_seconds",
			Help:      "Time from command send to acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"id"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			packetsReceived, bytesReceived, receiveErrors,
			commands, commandDuration,
		)
	})
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPacket(port, id string, bodyBytes int) {
	RegisterMetrics()
	packetsReceived.WithLabelValues(port, id).Inc()
	bytesReceived.WithLabelValues(port).Add(float64(bodyBytes))
}

func RecordReceiveError(port, kind string) {
	RegisterMetrics()
	receiveErrors.WithLabelValues(port, kind).Inc()
}

// RecordCommand counts one command outcome. duration is observed only for
// acknowledged commands.
func RecordCommand(id uint16, result string, duration time.Duration) {
	RegisterMetrics()
	idLabel := strconv.Itoa(int(id))
	commands.WithLabelValues(idLabel, result).Inc()
	if duration > 0 {
		commandDuration.WithLabelValues(idLabel).Observe(duration.Seconds())
	}
}
