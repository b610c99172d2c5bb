package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoklosh/dkn-compute-node/internal/payloads"
)

func TestLivenessFSM(t *testing.T) {
	tr := NewTracker()
	now := time.Now().UTC()

	assert.Equal(t, LivenessConnecting, tr.Liveness(now))

	req := tr.SendHeartbeat(0, 0, 5)
	require.NoError(t, tr.HandleAck(payloads.HeartbeatResponsePayload{HeartbeatID: req.HeartbeatID}))
	assert.Equal(t, LivenessOnline, tr.Liveness(now))

	assert.Equal(t, LivenessOffline, tr.Liveness(now.Add(OfflineAfter+time.Second)))

	req2 := tr.SendHeartbeat(0, 0, 5)
	require.NoError(t, tr.HandleAck(payloads.HeartbeatResponsePayload{HeartbeatID: req2.HeartbeatID}))
	assert.Equal(t, LivenessOnline, tr.Liveness(now.Add(OfflineAfter+time.Second)))
}

func TestHandleAck_UnknownIDIsError(t *testing.T) {
	tr := NewTracker()
	err := tr.HandleAck(payloads.HeartbeatResponsePayload{HeartbeatID: "does-not-exist"})
	require.Error(t, err)
	assert.Equal(t, uint64(0), tr.NumHeartbeats())
}

func TestHandleAck_ErrorFieldStillRemovesEntry(t *testing.T) {
	tr := NewTracker()
	req := tr.SendHeartbeat(1, 2, 5)
	assert.Equal(t, 1, tr.Outstanding())

	err := tr.HandleAck(payloads.HeartbeatResponsePayload{HeartbeatID: req.HeartbeatID, Error: "overloaded"})
	require.Error(t, err)
	assert.Equal(t, 0, tr.Outstanding())
}

func TestSendHeartbeat_CarriesPendingCounts(t *testing.T) {
	tr := NewTracker()
	req := tr.SendHeartbeat(3, 7, 5)
	assert.Equal(t, uint64(3), req.PendingBatch)
	assert.Equal(t, uint64(7), req.PendingSingle)
	assert.Equal(t, uint64(5), req.BatchSize)
	assert.NotEmpty(t, req.HeartbeatID)
}
