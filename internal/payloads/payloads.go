// Package payloads defines the JSON shapes carried inside a signed envelope's
// payload field: task requests/responses, heartbeats, and host specs.
package payloads

import (
	"time"

	"github.com/cryptoklosh/dkn-compute-node/internal/taskerr"
)

// TaskInput is the opaque executor input bundled with the model selection.
type TaskInput struct {
	Model    string          `json:"model"`
	Workflow map[string]any  `json:"workflow"`
}

// TaskRequestPayload is parsed from an inbound envelope's payload for a task.
type TaskRequestPayload struct {
	FileID    string    `json:"fileId"`
	RowID     string    `json:"rowId"`
	TaskID    string    `json:"taskId"`
	Input     TaskInput `json:"input"`
	PublicKey string    `json:"publicKey"` // hex, no 0x
	Deadline  time.Time `json:"deadline"`
}

// TaskStats records the timing of a task from arrival to response.
type TaskStats struct {
	ReceivedAt          time.Time `json:"receivedAt"`
	ExecutionStartedAt  time.Time `json:"executionStartedAt,omitempty"`
	ExecutionEndedAt    time.Time `json:"executionEndedAt,omitempty"`
	PublishedAt         time.Time `json:"publishedAt,omitempty"`
	TokenCount          int       `json:"tokenCount,omitempty"`
}

// TaskResponsePayload is emitted on topic "results". Exactly one of Result
// and Error is populated.
type TaskResponsePayload struct {
	FileID string             `json:"fileId"`
	RowID  string             `json:"rowId"`
	TaskID string             `json:"taskId"`
	Model  string             `json:"model"`
	Stats  TaskStats          `json:"stats"`
	Result string             `json:"result,omitempty"` // hex ECIES ciphertext
	Error  *taskerr.TaskError `json:"error,omitempty"`
}

// HeartbeatRequestPayload is emitted on topic "heartbeat".
type HeartbeatRequestPayload struct {
	HeartbeatID   string    `json:"heartbeatId"`
	Deadline      time.Time `json:"deadline"`
	PendingBatch  uint64    `json:"pendingBatch"`
	PendingSingle uint64    `json:"pendingSingle"`
	BatchSize     uint64    `json:"batchSize"`
}

// HeartbeatResponsePayload is the ACK for a heartbeat request.
type HeartbeatResponsePayload struct {
	HeartbeatID string `json:"heartbeatId"`
	Error       string `json:"error,omitempty"`
}

// SpecsRequestPayload is the inbound request for this node's specs.
type SpecsRequestPayload struct {
	SpecsID string `json:"specsId"`
}

// SpecsPushPayload is the outbound, timer-driven announcement of this node's
// specs to the trusted RPC peer, carrying the specs id the RPC's ack will
// echo back plus the address the directory correlates this node by.
type SpecsPushPayload struct {
	SpecsID string `json:"specsId"`
	Specs   Specs  `json:"specs"`
	Address string `json:"address"`
}

// Specs is this node's advertised capabilities.
type Specs struct {
	TotalMem        uint64   `json:"totalMem"`
	FreeMem         uint64   `json:"freeMem"`
	NumCPUs         int      `json:"numCpus"`
	CPUUsagePercent float64  `json:"cpuUsagePercent"`
	OS              string   `json:"os"`
	Arch            string   `json:"arch"`
	PublicIPLookup  string   `json:"publicIpLookup,omitempty"`
	Models          []string `json:"models"`
	Version         string   `json:"version"`
}

// SpecsResponsePayload echoes the request id alongside the collected specs.
type SpecsResponsePayload struct {
	SpecsID string `json:"specsId"`
	Specs   Specs  `json:"specs"`
}
