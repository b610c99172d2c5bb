// Package router classifies inbound overlay messages and authorizes their
// sender before anything downstream touches them. Trust is binary and
// rooted at one configured RPC peer; every request from anyone else is
// logged and dropped without a response.
package router

import (
	"encoding/json"
	"fmt"

	"github.com/cryptoklosh/dkn-compute-node/internal/commander"
	"github.com/cryptoklosh/dkn-compute-node/internal/envelope"
	"github.com/cryptoklosh/dkn-compute-node/internal/payloads"
)

// Classification is the decoded shape of an inbound message, handed to the
// event loop's handlers.
type Classification int

const (
	// ClassifyUnauthorized means the sender is not the trusted RPC peer; the
	// message must be dropped without any response.
	ClassifyUnauthorized Classification = iota
	ClassifyTaskRequest
	ClassifySpecsRequest
	ClassifyHeartbeatAck
	ClassifyUnhandled
)

// Decoded carries the classification plus whichever typed payload matched.
type Decoded struct {
	Classification Classification
	Task           *payloads.TaskRequestPayload
	Specs          *payloads.SpecsRequestPayload
	HeartbeatAck   *payloads.HeartbeatResponsePayload
	Channel        *commander.ResponseChannel
}

// Route classifies one inbound message. trustedPeerID is the node's
// currently configured RPC peer id, re-pointed by the liveness manager on
// RPC switch.
func Route(in commander.Inbound, trustedPeerID string) (Decoded, error) {
	if in.PeerID != trustedPeerID {
		return Decoded{Classification: ClassifyUnauthorized}, fmt.Errorf("router: message from untrusted peer %s", in.PeerID)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(in.Payload, &env); err != nil {
		return Decoded{Classification: ClassifyUnhandled}, fmt.Errorf("router: decode envelope: %w", err)
	}

	switch in.Kind {
	case commander.KindRequest:
		var task payloads.TaskRequestPayload
		if err := envelope.ParsePayload(&env, &task); err == nil && task.TaskID != "" {
			return Decoded{Classification: ClassifyTaskRequest, Task: &task, Channel: in.Channel}, nil
		}

		var sreq payloads.SpecsRequestPayload
		if err := envelope.ParsePayload(&env, &sreq); err == nil && sreq.SpecsID != "" {
			return Decoded{Classification: ClassifySpecsRequest, Specs: &sreq, Channel: in.Channel}, nil
		}

		return Decoded{Classification: ClassifyUnhandled}, fmt.Errorf("router: unhandled request")

	case commander.KindResponse:
		var ack payloads.HeartbeatResponsePayload
		if err := envelope.ParsePayload(&env, &ack); err == nil && ack.HeartbeatID != "" {
			return Decoded{Classification: ClassifyHeartbeatAck, HeartbeatAck: &ack}, nil
		}
		return Decoded{Classification: ClassifyUnhandled}, fmt.Errorf("router: unhandled response")

	default:
		return Decoded{Classification: ClassifyUnhandled}, fmt.Errorf("router: unknown message kind %q", in.Kind)
	}
}
