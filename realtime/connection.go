package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syncular/syncular-sub002/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
)

// CommandHandler processes one decoded client command and returns an
// optional immediate reply event (e.g. a push-response for a {"type":"push"}
// command). An empty event name means no immediate reply is sent.
type CommandHandler func(ctx context.Context, conn *Connection, cmd wire.RealtimeCommand) (event string, data any)

// Connection wraps one client's WebSocket socket plus the send-side
// buffering needed to keep a slow reader from blocking the hub.
type Connection struct {
	ID          string
	PartitionID string
	ClientID    string

	conn    *websocket.Conn
	hub     *Hub
	sendCh  chan []byte
	onCmd   CommandHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewConnection wraps a live WebSocket connection. Call Start to launch its
// read/write pumps.
func NewConnection(hub *Hub, conn *websocket.Conn, partitionID, clientID string, onCmd CommandHandler, logger *slog.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ID:          partitionID + ":" + clientID + ":" + conn.RemoteAddr().String(),
		PartitionID: partitionID,
		ClientID:    clientID,
		conn:        conn,
		hub:         hub,
		sendCh:      make(chan []byte, 64),
		onCmd:       onCmd,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the read and write pumps in their own goroutines.
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// SendEvent marshals and enqueues a realtime event for delivery. Returns an
// error only if the data fails to marshal; delivery itself is best-effort —
// a full send buffer drops the message rather than blocking the hub.
func (c *Connection) SendEvent(event string, data any) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}
	msg, err := json.Marshal(wire.RealtimeEvent{Event: event, Data: raw})
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- msg:
	default:
		c.logger.Warn("realtime: send buffer full, dropping event", "client_id", c.ClientID, "event", event)
	}
	return nil
}

// Close tears down the connection's goroutines and underlying socket. Safe
// to call multiple times.
func (c *Connection) Close() {
	c.once.Do(func() {
		c.cancel()
		close(c.sendCh)
		_ = c.conn.Close()
	})
}

func (c *Connection) readPump() {
	defer c.hub.Unregister(c)
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("realtime: read error", "client_id", c.ClientID, "err", err)
			}
			return
		}
		c.handleCommand(data)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case msg, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleCommand(data []byte) {
	var cmd wire.RealtimeCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.logger.Warn("realtime: invalid command", "client_id", c.ClientID, "err", err)
		return
	}
	if c.onCmd == nil {
		return
	}
	event, reply := c.onCmd(c.ctx, c, cmd)
	if event == "" {
		return
	}
	_ = c.SendEvent(event, reply)
}
