package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoklosh/dkn-compute-node/internal/heartbeat"
)

func TestRecorder_TaskCounters(t *testing.T) {
	r := NewRecorder()

	r.RecordDispatch(LaneBatch)
	r.RecordDispatch(LaneBatch)
	r.RecordCompletion(LaneBatch, OutcomeSuccess)
	r.RecordCompletion(LaneSingle, OutcomeError)

	assert.Equal(t, float64(2), testutil.ToFloat64(r.tasksDispatched.WithLabelValues(string(LaneBatch))))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.tasksCompleted.WithLabelValues(string(LaneBatch), string(OutcomeSuccess))))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.tasksCompleted.WithLabelValues(string(LaneSingle), string(OutcomeError))))
}

func TestRecorder_PendingGauges(t *testing.T) {
	r := NewRecorder()
	r.SetPending(3, 1)

	assert.Equal(t, float64(3), testutil.ToFloat64(r.pendingTasks.WithLabelValues(string(LaneBatch))))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.pendingTasks.WithLabelValues(string(LaneSingle))))
}

func TestRecorder_LivenessGauge(t *testing.T) {
	r := NewRecorder()

	r.SetLiveness(heartbeat.LivenessConnecting)
	assert.Equal(t, float64(0), testutil.ToFloat64(r.liveness))

	r.SetLiveness(heartbeat.LivenessOnline)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.liveness))

	r.SetLiveness(heartbeat.LivenessOffline)
	assert.Equal(t, float64(2), testutil.ToFloat64(r.liveness))
}

func TestRecorder_HandlerServesRegisteredMetrics(t *testing.T) {
	r := NewRecorder()
	r.RecordHeartbeatSent()
	r.RecordHeartbeatAcked()
	r.RecordRedial()
	r.RecordSwitch()

	require.NotNil(t, r.Handler())
}
