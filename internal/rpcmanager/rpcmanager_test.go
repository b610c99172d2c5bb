package rpcmanager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptoklosh/dkn-compute-node/internal/commander"
)

type stubCommander struct {
	mu        sync.Mutex
	connected map[string]bool
	dialErr   map[string]error
	dialed    []string
	protocol  commander.Protocol
}

func (s *stubCommander) Dial(ctx context.Context, peerID, multiaddr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialed = append(s.dialed, peerID)
	if err, ok := s.dialErr[peerID]; ok {
		return err
	}
	if s.connected == nil {
		s.connected = make(map[string]bool)
	}
	s.connected[peerID] = true
	return nil
}

func (s *stubCommander) IsConnected(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[peerID]
}

func (s *stubCommander) Request(ctx context.Context, peerID string, payload []byte) (string, error) {
	return "", nil
}
func (s *stubCommander) Respond(payload []byte, ch *commander.ResponseChannel) error { return nil }
func (s *stubCommander) Inbound() <-chan commander.Inbound                          { return nil }
func (s *stubCommander) Shutdown(ctx context.Context) error                         { return nil }
func (s *stubCommander) Protocol() commander.Protocol                               { return s.protocol }

func TestManager_Tick_AlreadyConnectedDoesNothing(t *testing.T) {
	cmd := &stubCommander{connected: map[string]bool{"peer-a": true}}
	m := NewManager(cmd, RPCPeer{PeerID: "peer-a"}, "", "", http.DefaultClient, nil)
	m.Tick(context.Background())

	assert.Empty(t, cmd.dialed)
}

func TestManager_Tick_RedialSucceeds(t *testing.T) {
	cmd := &stubCommander{}
	m := NewManager(cmd, RPCPeer{PeerID: "peer-a", Multiaddr: "1.2.3.4:1"}, "", "", http.DefaultClient, nil)
	m.Tick(context.Background())

	assert.Equal(t, []string{"peer-a"}, cmd.dialed)
	assert.Equal(t, "peer-a", m.Current().PeerID)
}

func TestManager_Tick_FallsBackToDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DirectoryResponse{
			RPCs:     []string{"peer-a", "peer-b"},
			RPCAddrs: []string{"1.1.1.1:1", "2.2.2.2:2"},
		})
	}))
	defer srv.Close()

	cmd := &stubCommander{dialErr: map[string]error{"peer-a": errors.New("dial failed")}}
	m := NewManager(cmd, RPCPeer{PeerID: "peer-a", Multiaddr: "1.1.1.1:1"}, srv.URL, srv.URL, nil, nil)
	m.Tick(context.Background())

	require.Equal(t, "peer-b", m.Current().PeerID)
	assert.Equal(t, "2.2.2.2:2", m.Current().Multiaddr)
}

func TestManager_Tick_MergesDirectoryAcrossTicks(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_ = json.NewEncoder(w).Encode(DirectoryResponse{
				RPCs:     []string{"peer-b"},
				RPCAddrs: []string{"2.2.2.2:2"},
			})
			return
		}
		// Second directory response omits peer-b but should not evict it
		// from the merged node table.
		_ = json.NewEncoder(w).Encode(DirectoryResponse{
			RPCs:     []string{"peer-c"},
			RPCAddrs: []string{"3.3.3.3:3"},
		})
	}))
	defer srv.Close()

	cmd := &stubCommander{dialErr: map[string]error{"peer-a": errors.New("dial failed")}}
	m := NewManager(cmd, RPCPeer{PeerID: "peer-a", Multiaddr: "1.1.1.1:1"}, srv.URL, srv.URL, nil, nil)
	m.Tick(context.Background())
	require.Equal(t, "peer-b", m.Current().PeerID)

	// peer-b now drops and can no longer be re-dialled, so the next tick
	// must fall back to the directory again.
	cmd.mu.Lock()
	cmd.connected["peer-b"] = false
	cmd.dialErr["peer-b"] = errors.New("dial failed")
	cmd.mu.Unlock()

	m.Tick(context.Background())
	require.Equal(t, "peer-c", m.Current().PeerID)

	m.mu.RLock()
	_, stillKnown := m.nodes["peer-b"]
	m.mu.RUnlock()
	assert.True(t, stillKnown, "peer-b should remain in the merged node table after a later fetch omits it")
}

func TestFetchInitialPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DirectoryResponse{
			RPCs:     []string{"peer-a"},
			RPCAddrs: []string{"1.1.1.1:1"},
		})
	}))
	defer srv.Close()

	peer, err := FetchInitialPeer(context.Background(), nil, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", peer.PeerID)
	assert.Equal(t, "1.1.1.1:1", peer.Multiaddr)
}

func TestFetchInitialPeer_EmptyDirectoryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(DirectoryResponse{})
	}))
	defer srv.Close()

	_, err := FetchInitialPeer(context.Background(), nil, srv.URL)
	assert.Error(t, err)
}

func TestRefreshPoints_SeedsBaselineAndComputesEarned(t *testing.T) {
	score := 100.0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PointsResponse{Score: score, Percentile: 42})
	}))
	defer srv.Close()

	m := NewManager(&stubCommander{}, RPCPeer{PeerID: "peer-a"}, srv.URL, srv.URL, nil, nil)

	m.RefreshPoints(context.Background(), "0xabc")
	total, earned, percentile := m.Points()
	assert.Equal(t, 100.0, total)
	assert.Equal(t, 0.0, earned)
	assert.Equal(t, 42.0, percentile)

	score = 130.0
	m.RefreshPoints(context.Background(), "0xabc")
	total, earned, percentile = m.Points()
	assert.Equal(t, 130.0, total)
	assert.Equal(t, 30.0, earned)
	assert.Equal(t, 42.0, percentile)
}

func TestPoints_ZeroBeforeFirstFetch(t *testing.T) {
	m := NewManager(&stubCommander{}, RPCPeer{PeerID: "peer-a"}, "", "", nil, nil)
	total, earned, percentile := m.Points()
	assert.Zero(t, total)
	assert.Zero(t, earned)
	assert.Zero(t, percentile)
}
