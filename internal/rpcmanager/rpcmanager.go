// Package rpcmanager owns the node's view of its one trusted RPC peer:
// checking connectivity, re-dialling, and falling back to an HTTP directory
// of available nodes when the configured peer can no longer be reached.
package rpcmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cryptoklosh/dkn-compute-node/internal/commander"
)

// RPCPeer identifies a trusted RPC peer on the overlay.
type RPCPeer struct {
	PeerID    string `json:"peerId"`
	Multiaddr string `json:"multiaddr"`
}

// DirectoryResponse is the shape of the available-nodes HTTP endpoint: two
// parallel arrays of peer ids and their multiaddrs, zipped index-by-index
// into RPCPeer descriptors.
type DirectoryResponse struct {
	RPCs     []string `json:"rpcs"`
	RPCAddrs []string `json:"rpcAddrs"`
}

// PointsResponse is the shape of the points-lookup HTTP endpoint.
type PointsResponse struct {
	Score      float64 `json:"score"`
	Percentile float64 `json:"percentile"`
}

// DialTimeout bounds both the primary and fallback re-dial attempts.
const DialTimeout = 10 * time.Second

// MetricsSink is the subset of the metrics recorder the manager reports
// redial/switch events to. An interface here, not a concrete type, to avoid
// rpcmanager depending on the metrics package's full surface.
type MetricsSink interface {
	RecordRedial()
	RecordSwitch()
}

// Manager holds the current trusted RPC peer and the commander used to
// reach it, replacing the peer on dial failure per the re-dial/fallback
// policy; the commander itself is never swapped.
type Manager struct {
	Commander     commander.Commander
	DirectoryURL  string
	PointsBaseURL string
	HTTPClient    *http.Client
	Log           *slog.Logger
	Metrics       MetricsSink

	mu            sync.RWMutex
	current       RPCPeer
	nodes         map[string]RPCPeer // in-memory node table, merged from directory fetches
	pointsSeeded  bool
	pointsInitial float64 // score observed on the first successful points fetch
	pointsScore   float64
	pointsPctile  float64
}

// NewManager creates a Manager pointed initially at peer.
func NewManager(cmd commander.Commander, peer RPCPeer, directoryURL, pointsBaseURL string, client *http.Client, log *slog.Logger) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{Commander: cmd, DirectoryURL: directoryURL, PointsBaseURL: pointsBaseURL, HTTPClient: client, Log: log, current: peer}
}

// TrustedPeerID returns the peer id every inbound message is authorized
// against.
func (m *Manager) TrustedPeerID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.PeerID
}

// Current returns the full descriptor of the currently trusted RPC peer.
func (m *Manager) Current() RPCPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Tick runs one liveness check: if already connected, nothing happens.
// Otherwise it re-dials the current peer; on failure it fetches a
// replacement from the directory and dials that instead. If both attempts
// fail, state is left unchanged for the next tick.
func (m *Manager) Tick(ctx context.Context) {
	peer := m.Current()

	if m.Commander.IsConnected(peer.PeerID) {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	err := m.Commander.Dial(dialCtx, peer.PeerID, peer.Multiaddr)
	cancel()
	if m.Metrics != nil {
		m.Metrics.RecordRedial()
	}
	if err == nil {
		return
	}
	m.Log.Warn("re-dial to trusted RPC peer failed", "peer", peer.PeerID, "error", err)

	replacement, err := m.fetchReplacement(ctx, peer)
	if err != nil {
		m.Log.Warn("fetch replacement RPC peer failed", "error", err)
		return
	}

	dialCtx2, cancel2 := context.WithTimeout(ctx, DialTimeout)
	err = m.Commander.Dial(dialCtx2, replacement.PeerID, replacement.Multiaddr)
	cancel2()
	if err != nil {
		m.Log.Warn("dial replacement RPC peer failed", "peer", replacement.PeerID, "error", err)
		return
	}

	m.mu.Lock()
	m.current = replacement
	m.mu.Unlock()
	if m.Metrics != nil {
		m.Metrics.RecordSwitch()
	}
	m.Log.Info("switched trusted RPC peer", "peer", replacement.PeerID)
}

// fetchReplacement refreshes the in-memory node table from the directory and
// picks a candidate other than exclude from it.
func (m *Manager) fetchReplacement(ctx context.Context, exclude RPCPeer) (RPCPeer, error) {
	peers, err := fetchDirectory(ctx, m.HTTPClient, m.DirectoryURL)
	if err != nil {
		return RPCPeer{}, err
	}
	m.mergeNodes(peers)
	return m.pickNode(exclude.PeerID)
}

func (m *Manager) mergeNodes(peers []RPCPeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes == nil {
		m.nodes = make(map[string]RPCPeer, len(peers))
	}
	for _, p := range peers {
		m.nodes[p.PeerID] = p
	}
}

func (m *Manager) pickNode(excludePeerID string) (RPCPeer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var candidates []RPCPeer
	for id, p := range m.nodes {
		if id != excludePeerID {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return RPCPeer{}, fmt.Errorf("rpcmanager: directory has no alternative RPC peer")
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// FetchInitialPeer queries the available-nodes directory for a node to
// bootstrap a Manager with, before any trusted peer has been dialed. Callers
// typically use this at startup when no RPC peer was pinned via
// configuration.
func FetchInitialPeer(ctx context.Context, client *http.Client, directoryURL string) (RPCPeer, error) {
	if client == nil {
		client = &http.Client{Timeout: DialTimeout}
	}
	peers, err := fetchDirectory(ctx, client, directoryURL)
	if err != nil {
		return RPCPeer{}, err
	}
	if len(peers) == 0 {
		return RPCPeer{}, fmt.Errorf("rpcmanager: directory has no available RPC peer")
	}
	return peers[rand.Intn(len(peers))], nil
}

// fetchDirectory fetches and decodes the available-nodes directory, zipping
// its two parallel arrays into RPCPeer descriptors index-by-index.
func fetchDirectory(ctx context.Context, client *http.Client, directoryURL string) ([]RPCPeer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directoryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rpcmanager: directory returned status %d", resp.StatusCode)
	}

	var dir DirectoryResponse
	if err := json.Unmarshal(body, &dir); err != nil {
		return nil, fmt.Errorf("rpcmanager: decode directory response: %w", err)
	}

	n := len(dir.RPCs)
	if len(dir.RPCAddrs) < n {
		n = len(dir.RPCAddrs)
	}
	peers := make([]RPCPeer, n)
	for i := 0; i < n; i++ {
		peers[i] = RPCPeer{PeerID: dir.RPCs[i], Multiaddr: dir.RPCAddrs[i]}
	}
	return peers, nil
}

// RefreshPoints fetches this node's public points score, seeding the
// baseline on the first successful fetch so later diagnostics can report
// points earned since start; it never changes liveness or the trusted peer.
func (m *Manager) RefreshPoints(ctx context.Context, address string) {
	url := fmt.Sprintf("%s/points/%s", m.PointsBaseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		m.Log.Warn("build points request", "error", err)
		return
	}
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		m.Log.Warn("fetch points", "error", err)
		return
	}
	defer resp.Body.Close()

	var points PointsResponse
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		m.Log.Warn("decode points response", "error", err)
		return
	}

	m.mu.Lock()
	if !m.pointsSeeded {
		m.pointsInitial = points.Score
		m.pointsSeeded = true
	}
	m.pointsScore = points.Score
	m.pointsPctile = points.Percentile
	m.mu.Unlock()

	m.Log.Info("points", "total", points.Score, "earnedSinceStart", points.Score-m.pointsInitial, "percentile", points.Percentile)
}

// Points returns the last-fetched points total, the amount earned since the
// manager's first successful fetch, and the percentile. All three are zero
// until the first RefreshPoints call succeeds.
func (m *Manager) Points() (total, earned, percentile float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.pointsSeeded {
		return 0, 0, 0
	}
	return m.pointsScore, m.pointsScore - m.pointsInitial, m.pointsPctile
}
