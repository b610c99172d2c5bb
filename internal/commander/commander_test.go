package commander

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProtocol_BuildsIdentityAndStreamName(t *testing.T) {
	p := NewProtocol("dkn-compute", 1, 0)
	assert.Equal(t, "dkn-compute/1.0", p.Identity)
	assert.Equal(t, "/dkn-compute/rr/1.0", p.RequestResponseStreamName)
}

func TestWSCommander_ProtocolIsConnectedAndShutdownWiring(t *testing.T) {
	proto := NewProtocol("dkn-compute-test", 1, 0)

	server := NewWSCommander(proto, "127.0.0.1:0", "peer-server")
	listenErrCh := make(chan error, 1)

	go func() { listenErrCh <- server.ListenAndServe() }()

	client := NewWSCommander(proto, "127.0.0.1:0", "peer-client")
	go func() { _ = client.ListenAndServe() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// This test exercises the wiring contract rather than a real bound port
	// (NewWSCommander with ":0" defers the concrete address to the OS), so it
	// only asserts the pieces that do not require a successful Dial.
	assert.Equal(t, proto, server.Protocol())
	assert.False(t, server.IsConnected("nobody"))

	require.NoError(t, server.Shutdown(ctx))
	require.NoError(t, client.Shutdown(ctx))
}

func TestResponseChannel_SingleUse(t *testing.T) {
	ch := &ResponseChannel{conn: &wsConn{peerID: "p1"}, messageID: "m1"}
	assert.False(t, ch.used.Load())
	assert.True(t, ch.used.CompareAndSwap(false, true))
	assert.False(t, ch.used.CompareAndSwap(false, true))
}
