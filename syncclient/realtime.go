package syncclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/hkdf"

	"github.com/syncular/syncular-sub002/wire"
)

// ConnectionState mirrors the engine's connectionState field (§4.4).
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Reconnecting ConnectionState = "reconnecting"
)

// defaultWSReplyTimeout bounds how long PushViaWS waits for a
// "push-response" before reporting ok=false so the engine falls back to
// HTTP (§5: "Realtime disconnection resolves all pending pushViaWs
// promises as null").
const defaultWSReplyTimeout = 5 * time.Second

// RealtimeClient is the optional realtime transport (§4.4, §6): a
// gorilla/websocket connection to a syncserver's /sync/ws endpoint that can
// inline a push reply or wake the engine with a "sync" event, skipping an
// HTTP round trip.
type RealtimeClient struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	onWake     func(wire.SyncEventData)
	onPresence func(wire.PresenceEventData)

	mu    sync.Mutex
	conn  *websocket.Conn
	state ConnectionState

	pendingMu sync.Mutex
	pending   map[string]chan wire.PushResponseEventData

	writeMu sync.Mutex
}

// NewRealtimeClient builds a RealtimeClient against url (e.g.
// "wss://sync.example.com/sync/ws?clientId=..."). header carries whatever
// the application's externalized authentication needs (a bearer token, a
// cookie) on the upgrade handshake.
func NewRealtimeClient(url string, header http.Header, logger *slog.Logger) *RealtimeClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeClient{
		url:     url,
		header:  header,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		state:   Disconnected,
		pending: make(map[string]chan wire.PushResponseEventData),
	}
}

// OnWake registers the callback invoked for every inbound "sync" event.
func (c *RealtimeClient) OnWake(fn func(wire.SyncEventData)) { c.onWake = fn }

// OnPresence registers the callback invoked for every inbound "presence"
// event.
func (c *RealtimeClient) OnPresence(fn func(wire.PresenceEventData)) { c.onPresence = fn }

// State reports the connection's current lifecycle state.
func (c *RealtimeClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the realtime endpoint and starts its read loop. Reconnect
// calls Connect again after a prior Close.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = Connecting
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return fmt.Errorf("syncclient: dial realtime endpoint: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close tears down the connection; pending PushViaWS callers observe a
// timeout and fall back to HTTP.
func (c *RealtimeClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *RealtimeClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.state = Disconnected
		}
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("syncclient: realtime read error", "err", err)
			}
			return
		}
		c.handleEvent(data)
	}
}

func (c *RealtimeClient) handleEvent(data []byte) {
	var evt wire.RealtimeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		c.logger.Warn("syncclient: invalid realtime event", "err", err)
		return
	}

	switch evt.Event {
	case wire.EventPushResponse:
		var payload wire.PushResponseEventData
		if err := json.Unmarshal(evt.Data, &payload); err != nil {
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[payload.RequestID]
		if ok {
			delete(c.pending, payload.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- payload
		}

	case wire.EventSync:
		if c.onWake == nil {
			return
		}
		var payload wire.SyncEventData
		if err := json.Unmarshal(evt.Data, &payload); err != nil {
			return
		}
		c.onWake(payload)

	case wire.EventPresence:
		if c.onPresence == nil {
			return
		}
		var payload wire.PresenceEventData
		if err := json.Unmarshal(evt.Data, &payload); err != nil {
			return
		}
		c.onPresence(payload)

	case wire.EventHeartbeat:
		// no-op; keeps the read loop alive

	default:
		c.logger.Debug("syncclient: unrecognized realtime event", "event", evt.Event)
	}
}

func (c *RealtimeClient) send(cmd wire.RealtimeCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("syncclient: realtime channel not connected")
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, body)
}

// PushViaWS inlines a push over the realtime channel, returning ok=false if
// the channel isn't connected or the reply doesn't arrive within
// defaultWSReplyTimeout — the engine then falls back to HTTPTransport.Push.
func (c *RealtimeClient) PushViaWS(ctx context.Context, requestID string, req wire.PushRequest) (*wire.PushResponse, bool, error) {
	if c.State() != Connected {
		return nil, false, nil
	}

	replyCh := make(chan wire.PushResponseEventData, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	cmd := wire.RealtimeCommand{
		Type:           wire.CommandPush,
		RequestID:      requestID,
		ClientCommitID: req.ClientCommitID,
		Operations:     req.Operations,
		SchemaVersion:  req.SchemaVersion,
	}
	if err := c.send(cmd); err != nil {
		return nil, false, nil
	}

	timer := time.NewTimer(defaultWSReplyTimeout)
	defer timer.Stop()

	select {
	case payload := <-replyCh:
		resp := &wire.PushResponse{OK: payload.OK, Status: payload.Status, CommitSeq: payload.CommitSeq, Results: payload.Results}
		return resp, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// SendPresence announces a join/leave/update over the realtime channel.
// Best-effort: presence is informational and never blocks a sync cycle.
func (c *RealtimeClient) SendPresence(action, scopeKey string, metadata map[string]any) error {
	return c.send(wire.RealtimeCommand{Type: wire.CommandPresence, Action: action, ScopeKey: scopeKey, Metadata: metadata})
}

// DeriveAuthToken derives a per-client realtime auth token from a shared
// secret via HKDF-SHA256, so a bearer credential handed to the engine never
// needs to be sent over the wire verbatim on every reconnect. Purely
// optional: applications that authenticate the upgrade handshake some other
// way (a cookie, a short-lived URL token minted server-side) never call
// this.
func DeriveAuthToken(secret []byte, clientID string) (string, error) {
	r := hkdf.New(sha256.New, secret, []byte(clientID), []byte("syncular-realtime-auth"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("syncclient: derive auth token: %w", err)
	}
	return hex.EncodeToString(out), nil
}
