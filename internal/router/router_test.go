package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoklosh/dkn-compute-node/internal/commander"
	"github.com/cryptoklosh/dkn-compute-node/internal/envelope"
	"github.com/cryptoklosh/dkn-compute-node/internal/identity"
	"github.com/cryptoklosh/dkn-compute-node/internal/payloads"
)

func mustEnvelopeBytes(t *testing.T, payload any, topic string) []byte {
	t.Helper()
	id, err := identity.GenerateRandom()
	require.NoError(t, err)
	env, err := envelope.Sign(id.SecretKey(), payload, topic, "dkn-compute/1.0", "1.0")
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestRoute_UnauthorizedSenderIsDropped(t *testing.T) {
	in := commander.Inbound{PeerID: "stranger", Kind: commander.KindRequest, Payload: []byte(`{}`)}
	decoded, err := Route(in, "trusted-peer")
	require.Error(t, err)
	assert.Equal(t, ClassifyUnauthorized, decoded.Classification)
}

func TestRoute_TaskRequest(t *testing.T) {
	task := payloads.TaskRequestPayload{
		FileID: "f1", RowID: "r1", TaskID: "t1",
		Input:    payloads.TaskInput{Model: "gpt-4o", Workflow: map[string]any{"prompt": "hi"}},
		Deadline: time.Now().Add(time.Hour),
	}
	payload := mustEnvelopeBytes(t, task, "tasks")

	in := commander.Inbound{PeerID: "trusted-peer", Kind: commander.KindRequest, Payload: payload}
	decoded, err := Route(in, "trusted-peer")
	require.NoError(t, err)
	assert.Equal(t, ClassifyTaskRequest, decoded.Classification)
	require.NotNil(t, decoded.Task)
	assert.Equal(t, "t1", decoded.Task.TaskID)
}

func TestRoute_SpecsRequest(t *testing.T) {
	payload := mustEnvelopeBytes(t, payloads.SpecsRequestPayload{SpecsID: "s1"}, "specs")

	in := commander.Inbound{PeerID: "trusted-peer", Kind: commander.KindRequest, Payload: payload}
	decoded, err := Route(in, "trusted-peer")
	require.NoError(t, err)
	assert.Equal(t, ClassifySpecsRequest, decoded.Classification)
	require.NotNil(t, decoded.Specs)
	assert.Equal(t, "s1", decoded.Specs.SpecsID)
}

func TestRoute_HeartbeatAck(t *testing.T) {
	payload := mustEnvelopeBytes(t, payloads.HeartbeatResponsePayload{HeartbeatID: "hb1"}, "heartbeat")

	in := commander.Inbound{PeerID: "trusted-peer", Kind: commander.KindResponse, Payload: payload}
	decoded, err := Route(in, "trusted-peer")
	require.NoError(t, err)
	assert.Equal(t, ClassifyHeartbeatAck, decoded.Classification)
	require.NotNil(t, decoded.HeartbeatAck)
	assert.Equal(t, "hb1", decoded.HeartbeatAck.HeartbeatID)
}
