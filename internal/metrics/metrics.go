// Package metrics exposes the node's runtime counters as Prometheus
// collectors: task throughput per lane, heartbeat round trips, RPC
// liveness transitions, and the liveness FSM state itself.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cryptoklosh/dkn-compute-node/internal/heartbeat"
)

// Lane distinguishes the batch and single worker pools in metric labels.
type Lane string

const (
	LaneBatch  Lane = "batch"
	LaneSingle Lane = "single"
)

// Outcome distinguishes a successful task completion from an error result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Recorder owns every collector this node registers and the one Registry
// they are registered against.
type Recorder struct {
	Registry *prometheus.Registry

	tasksDispatched *prometheus.CounterVec
	tasksCompleted  *prometheus.CounterVec
	pendingTasks    *prometheus.GaugeVec
	heartbeatsSent  prometheus.Counter
	heartbeatsAcked prometheus.Counter
	rpcRedials      prometheus.Counter
	rpcSwitches     prometheus.Counter
	liveness        prometheus.Gauge
}

// NewRecorder builds a Recorder with a fresh registry and registers every
// collector on it.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		Registry: reg,
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkn",
			Subsystem: "compute_node",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks dispatched to a worker lane, by lane.",
		}, []string{"lane"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkn",
			Subsystem: "compute_node",
			Name:      "tasks_completed_total",
			Help:      "Tasks for which a response was produced, by lane and outcome.",
		}, []string{"lane", "outcome"}),
		pendingTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dkn",
			Subsystem: "compute_node",
			Name:      "pending_tasks",
			Help:      "Tasks dispatched but not yet completed, by lane.",
		}, []string{"lane"}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dkn",
			Subsystem: "compute_node",
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat requests sent to the trusted RPC peer.",
		}),
		heartbeatsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dkn",
			Subsystem: "compute_node",
			Name:      "heartbeats_acked_total",
			Help:      "Heartbeat acknowledgements accepted from the trusted RPC peer.",
		}),
		rpcRedials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dkn",
			Subsystem: "compute_node",
			Name:      "rpc_redials_total",
			Help:      "Re-dial attempts against the current trusted RPC peer.",
		}),
		rpcSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dkn",
			Subsystem: "compute_node",
			Name:      "rpc_switches_total",
			Help:      "Times the trusted RPC peer was replaced from the directory.",
		}),
		liveness: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dkn",
			Subsystem: "compute_node",
			Name:      "liveness",
			Help:      "Liveness FSM state: 0=connecting, 1=online, 2=offline.",
		}),
	}

	reg.MustRegister(r.tasksDispatched, r.tasksCompleted, r.pendingTasks, r.heartbeatsSent, r.heartbeatsAcked, r.rpcRedials, r.rpcSwitches, r.liveness)
	return r
}

// RecordDispatch increments the dispatched counter for lane.
func (r *Recorder) RecordDispatch(lane Lane) {
	r.tasksDispatched.WithLabelValues(string(lane)).Inc()
}

// RecordCompletion increments the completed counter for lane/outcome.
func (r *Recorder) RecordCompletion(lane Lane, outcome Outcome) {
	r.tasksCompleted.WithLabelValues(string(lane), string(outcome)).Inc()
}

// SetPending sets the current pending-task gauges for both lanes.
func (r *Recorder) SetPending(batch, single uint64) {
	r.pendingTasks.WithLabelValues(string(LaneBatch)).Set(float64(batch))
	r.pendingTasks.WithLabelValues(string(LaneSingle)).Set(float64(single))
}

// RecordHeartbeatSent increments the heartbeat-sent counter.
func (r *Recorder) RecordHeartbeatSent() {
	r.heartbeatsSent.Inc()
}

// RecordHeartbeatAcked increments the heartbeat-acked counter.
func (r *Recorder) RecordHeartbeatAcked() {
	r.heartbeatsAcked.Inc()
}

// RecordRedial increments the RPC re-dial counter.
func (r *Recorder) RecordRedial() {
	r.rpcRedials.Inc()
}

// RecordSwitch increments the RPC-switch counter.
func (r *Recorder) RecordSwitch() {
	r.rpcSwitches.Inc()
}

// SetLiveness reflects the current liveness FSM state in the gauge.
func (r *Recorder) SetLiveness(l heartbeat.Liveness) {
	switch l {
	case heartbeat.LivenessOnline:
		r.liveness.Set(1)
	case heartbeat.LivenessOffline:
		r.liveness.Set(2)
	default:
		r.liveness.Set(0)
	}
}

// Handler returns the HTTP handler serving this recorder's registry in the
// Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
