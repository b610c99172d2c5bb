// Package heartbeat implements the liveness protocol a compute node runs
// against its trusted RPC peer: the node periodically sends a heartbeat
// request and tracks the outstanding set by id until an ACK arrives (or
// never does); Liveness is derived from that history, never stored directly.
package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryptoklosh/dkn-compute-node/internal/payloads"
)

// Deadline is how long an outstanding heartbeat request remains valid.
const Deadline = 60 * time.Second

// OfflineAfter is how long without a successful ACK before liveness reports
// OFFLINE.
const OfflineAfter = 150 * time.Second

// Liveness is the node's self-assessed connectivity toward its RPC peer.
type Liveness string

const (
	LivenessConnecting Liveness = "connecting"
	LivenessOnline     Liveness = "online"
	LivenessOffline    Liveness = "offline"
)

// Tracker owns the outstanding heartbeat set (heartbeats_reqs) and the
// counters liveness is derived from. It has no network dependency: callers
// pass it the payload to send and feed it ACKs as they arrive.
type Tracker struct {
	mu sync.Mutex

	pending map[string]time.Time // heartbeat_id -> deadline

	lastHeartbeatAt time.Time
	numHeartbeats   uint64
}

// NewTracker creates a Tracker with no heartbeats sent yet.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]time.Time)}
}

// SendHeartbeat mints a fresh heartbeat request and records it as
// outstanding, keyed by its UUIDv7 id.
func (t *Tracker) SendHeartbeat(pendingBatch, pendingSingle, batchSize uint64) payloads.HeartbeatRequestPayload {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	deadline := time.Now().UTC().Add(Deadline)

	t.mu.Lock()
	t.pending[id.String()] = deadline
	t.mu.Unlock()

	return payloads.HeartbeatRequestPayload{
		HeartbeatID:   id.String(),
		Deadline:      deadline,
		PendingBatch:  pendingBatch,
		PendingSingle: pendingSingle,
		BatchSize:     batchSize,
	}
}

// HandleAck reconciles an inbound heartbeat response. An unknown id is an
// error and leaves state unchanged. A known id with resp.Error set is also
// an error, but the entry is still removed. A late ACK (arriving after its
// stored deadline) is still accepted, per the accept-late-ACK rule.
func (t *Tracker) HandleAck(resp payloads.HeartbeatResponsePayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := t.pending[resp.HeartbeatID]
	if !ok {
		return fmt.Errorf("heartbeat: unknown heartbeat %s", resp.HeartbeatID)
	}
	delete(t.pending, resp.HeartbeatID)

	if resp.Error != "" {
		return fmt.Errorf("heartbeat: %s", resp.Error)
	}

	now := time.Now().UTC()
	t.lastHeartbeatAt = now
	t.numHeartbeats++

	if now.After(deadline) {
		return fmt.Errorf("heartbeat: ack for %s arrived %s after its deadline", resp.HeartbeatID, now.Sub(deadline))
	}
	return nil
}

// Liveness derives the current FSM state from the ACK history.
func (t *Tracker) Liveness(now time.Time) Liveness {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.numHeartbeats == 0 {
		return LivenessConnecting
	}
	if now.After(t.lastHeartbeatAt.Add(OfflineAfter)) {
		return LivenessOffline
	}
	return LivenessOnline
}

// NumHeartbeats returns the count of successful ACKs received so far.
func (t *Tracker) NumHeartbeats() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numHeartbeats
}

// Outstanding returns the count of heartbeats sent but not yet ACKed.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
