// Package commander implements the P2P Commander contract the node core
// consumes: request/respond/dial/is_connected/shutdown over a WebSocket
// transport, modeled on the request/response correlation pattern of a
// persistent-connection WebSocket client/server pair.
package commander

import (
	"context"
	"fmt"
)

// Protocol identifies the overlay's request/response stream, matching the
// original system's "{name}/{major}.{minor}" identity convention.
type Protocol struct {
	Name                      string
	Identity                  string
	RequestResponseStreamName string
}

// NewProtocol builds a Protocol from a name and a major.minor version.
func NewProtocol(name string, major, minor int) Protocol {
	return Protocol{
		Name:                      name,
		Identity:                  fmt.Sprintf("%s/%d.%d", name, major, minor),
		RequestResponseStreamName: fmt.Sprintf("/%s/rr/%d.%d", name, major, minor),
	}
}

// MessageKind distinguishes an inbound request from an inbound response.
type MessageKind string

const (
	KindRequest  MessageKind = "request"
	KindResponse MessageKind = "response"
)

// Inbound is a message arriving from the overlay, handed to the event loop's
// request router. For Kind == KindRequest, Channel is a single-use handle
// that must be passed to Respond exactly once. For KindResponse, Channel is
// nil: responses never carry a handle to reply again.
type Inbound struct {
	PeerID  string
	Kind    MessageKind
	Payload []byte
	Channel *ResponseChannel
}

// Commander is the P2P overlay surface the node core depends on. The core
// never reaches into a concrete transport; all network I/O is mediated here.
type Commander interface {
	// Request sends payload to peerID and returns immediately with a
	// request id; any response arrives later on Inbound().
	Request(ctx context.Context, peerID string, payload []byte) (requestID string, err error)

	// Respond sends payload back over a response channel, consuming it.
	// Calling Respond twice on the same channel returns an error.
	Respond(payload []byte, ch *ResponseChannel) error

	// Dial establishes (or re-establishes) a connection to peerID at
	// multiaddr. Callers are expected to wrap this with their own timeout;
	// a dial that does not respect ctx's deadline is a contract violation.
	Dial(ctx context.Context, peerID, multiaddr string) error

	// IsConnected reports whether peerID currently has a live connection.
	IsConnected(peerID string) bool

	// Inbound returns the channel the event loop selects on for requests
	// and responses arriving from the overlay.
	Inbound() <-chan Inbound

	// Shutdown closes every connection and the inbound channel.
	Shutdown(ctx context.Context) error

	// Protocol returns this commander's protocol identity.
	Protocol() Protocol
}
