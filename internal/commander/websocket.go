package commander

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ResponseChannel is the move-only capability returned alongside an inbound
// request. It is bound to the exact connection and message id the request
// arrived on; Respond consumes it and a second call fails.
type ResponseChannel struct {
	conn      *wsConn
	messageID string
	used      atomic.Bool
}

// wireMessage is the frame exchanged over every WebSocket connection,
// multiplexing requests and responses by ID the same way the retrieved
// WebSocket transport correlates pending responses by message ID.
type wireMessage struct {
	ID      string          `json:"id"`
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type wsConn struct {
	peerID    string
	multiaddr string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return fmt.Errorf("commander: connection to %s is closed", c.peerID)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
	})
}

// WSCommander implements Commander over plain WebSocket connections: one
// listener accepting inbound dials (addressed by "?peer=<peerID>"), and a
// set of outbound connections this node has dialled itself.
type WSCommander struct {
	protocol   Protocol
	listenAddr string
	selfPeerID string

	upgrader websocket.Upgrader
	server   *http.Server

	mu    sync.RWMutex
	peers map[string]*wsConn

	inbound chan Inbound

	shutdownOnce sync.Once
}

// NewWSCommander creates a commander listening on listenAddr (host:port).
// selfPeerID is this node's own peer id, sent as the "?peer=" query
// parameter on every outbound Dial so the remote side's handleAccept can
// register the connection under our real identity rather than a shared
// placeholder.
func NewWSCommander(protocol Protocol, listenAddr, selfPeerID string) *WSCommander {
	c := &WSCommander{
		protocol:   protocol,
		listenAddr: listenAddr,
		selfPeerID: selfPeerID,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		peers:      make(map[string]*wsConn),
		inbound:    make(chan Inbound, 1024),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(c.protocol.RequestResponseStreamName, c.handleAccept)
	c.server = &http.Server{Addr: listenAddr, Handler: mux}
	return c
}

// ListenAndServe starts accepting inbound connections; it blocks until the
// listener is closed by Shutdown, so callers run it in its own goroutine.
func (c *WSCommander) ListenAndServe() error {
	err := c.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (c *WSCommander) handleAccept(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wc := &wsConn{peerID: peerID, conn: conn}
	c.mu.Lock()
	c.peers[peerID] = wc
	c.mu.Unlock()

	go c.readLoop(wc)
}

func (c *WSCommander) readLoop(wc *wsConn) {
	defer func() {
		wc.close()
		c.mu.Lock()
		if c.peers[wc.peerID] == wc {
			delete(c.peers, wc.peerID)
		}
		c.mu.Unlock()
	}()

	for {
		var msg wireMessage
		if err := wc.conn.ReadJSON(&msg); err != nil {
			return
		}

		in := Inbound{PeerID: wc.peerID, Kind: msg.Kind, Payload: msg.Payload}
		if msg.Kind == KindRequest {
			in.Channel = &ResponseChannel{conn: wc, messageID: msg.ID}
		}

		select {
		case c.inbound <- in:
		default:
			// Inbound channel is at capacity; the overlay applies
			// backpressure to the peer by simply not reading further
			// until drained. Dropping here would silently lose the
			// message, so the read loop instead blocks.
			c.inbound <- in
		}
	}
}

func (c *WSCommander) Request(ctx context.Context, peerID string, payload []byte) (string, error) {
	c.mu.RLock()
	wc, ok := c.peers[peerID]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("commander: not connected to peer %s", peerID)
	}

	id := uuid.New().String()
	msg := wireMessage{ID: id, Kind: KindRequest, Payload: payload}
	if err := wc.writeJSON(msg); err != nil {
		return "", fmt.Errorf("commander: request to %s: %w", peerID, err)
	}
	return id, nil
}

func (c *WSCommander) Respond(payload []byte, ch *ResponseChannel) error {
	if ch == nil {
		return fmt.Errorf("commander: nil response channel")
	}
	if !ch.used.CompareAndSwap(false, true) {
		return fmt.Errorf("commander: response channel already used for message %s", ch.messageID)
	}

	msg := wireMessage{ID: ch.messageID, Kind: KindResponse, Payload: payload}
	return ch.conn.writeJSON(msg)
}

func (c *WSCommander) Dial(ctx context.Context, peerID, multiaddr string) error {
	url := fmt.Sprintf("ws://%s%s?peer=%s", multiaddr, c.protocol.RequestResponseStreamName, c.selfPeerID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("commander: dial %s at %s: %w", peerID, multiaddr, err)
	}

	wc := &wsConn{peerID: peerID, multiaddr: multiaddr, conn: conn}
	c.mu.Lock()
	if old, ok := c.peers[peerID]; ok {
		old.close()
	}
	c.peers[peerID] = wc
	c.mu.Unlock()

	go c.readLoop(wc)
	return nil
}

func (c *WSCommander) IsConnected(peerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wc, ok := c.peers[peerID]
	return ok && !wc.closed.Load()
}

func (c *WSCommander) Inbound() <-chan Inbound {
	return c.inbound
}

func (c *WSCommander) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		for _, wc := range c.peers {
			wc.close()
		}
		c.peers = make(map[string]*wsConn)
		c.mu.Unlock()

		err = c.server.Shutdown(ctx)
		close(c.inbound)
	})
	return err
}

func (c *WSCommander) Protocol() Protocol {
	return c.protocol
}
