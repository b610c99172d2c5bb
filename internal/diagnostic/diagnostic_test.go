package diagnostic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cryptoklosh/dkn-compute-node/internal/heartbeat"
)

func TestSummary_IncludesOfflineWarningOnlyWhenOffline(t *testing.T) {
	online := Summary(Report{Liveness: heartbeat.LivenessOnline, Models: []string{"gpt-4o"}})
	assert.NotContains(t, online, "OFFLINE")

	offline := Summary(Report{Liveness: heartbeat.LivenessOffline, Models: []string{"gpt-4o"}})
	assert.Contains(t, offline, "OFFLINE")
	assert.True(t, IsHighSeverity(Report{Liveness: heartbeat.LivenessOffline}))
	assert.False(t, IsHighSeverity(Report{Liveness: heartbeat.LivenessOnline}))
}

func TestSummary_DebugIncludesCompletedCounts(t *testing.T) {
	r := Report{Debug: true, CompletedBatch: 3, CompletedSingle: 1, Liveness: heartbeat.LivenessOnline}
	out := Summary(r)
	assert.Contains(t, out, "3 batch, 1 single")
}
