// Package metrics holds the Prometheus collectors for the agent channel and
// task queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_dispatched_total",
			Help: "Total number of tasks queued through the dispatch API",
		},
	)

	tasksDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_delivered_total",
			Help: "Total number of command frames written to agents",
		},
		[]string{"mode"},
	)

	taskDeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "task_delivery_failures_total",
			Help: "Total number of command frames that could not be written",
		},
	)

	tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_finished_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	agentFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_frames_total",
			Help: "Inbound agent frames by type and outcome",
		},
		[]string{"type", "result"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_sessions_active",
			Help: "Number of open agent WebSocket sessions on this process",
		},
	)

	agentsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agents_online",
			Help: "Number of agents whose stored status is online",
		},
	)

	tasksPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_pending",
			Help: "Number of tasks waiting for delivery",
		},
	)
)

func RecordTaskDispatched() {
	tasksDispatched.Inc()
}

func RecordTaskDelivered(mode string) {
	tasksDelivered.WithLabelValues(mode).Inc()
}

func RecordDeliveryFailure() {
	taskDeliveryFailures.Inc()
}

func RecordTaskFinished(status string) {
	tasksFinished.WithLabelValues(status).Inc()
}

func RecordFrame(frameType, result string) {
	agentFrames.WithLabelValues(frameType, result).Inc()
}

func SessionOpened() {
	sessionsActive.Inc()
}

func SessionClosed() {
	sessionsActive.Dec()
}

func SetAgentsOnline(n int64) {
	agentsOnline.Set(float64(n))
}

func SetTasksPending(n int64) {
	tasksPending.Set(float64(n))
}
