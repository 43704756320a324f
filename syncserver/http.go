package syncserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syncular/syncular-sub002/realtime"
	"github.com/syncular/syncular-sub002/webkit"
	"github.com/syncular/syncular-sub002/wire"
)

const (
	maxPushBodyBytes = 2 << 20 // 2MiB; operation payloads are app rows, not blobs
	maxPullBodyBytes = 512 << 10

	// maxInlineChangeRows caps how many rows a "sync" broadcast inlines
	// directly; a commit emitting more than this falls back to an
	// empty-changes wake-up, forcing subscribers onto an ordinary HTTP
	// pull instead of bloating every connected client's websocket frame.
	maxInlineChangeRows = 32
)

// ActorResolver authenticates an inbound request into a partition and actor.
// Authentication itself is externalized (spec Non-goals); callers supply
// whatever verifies a bearer token, session cookie, or mTLS identity against
// their own user store.
type ActorResolver func(r *http.Request) (partitionID string, actor Actor, err error)

// Handlers binds an Engine and a realtime Hub to HTTP, mirroring the chat
// blueprint's server: plain handler methods registered on a webkit.Router,
// plus one upgrade endpoint that hands off to a realtime.Connection.
type Handlers struct {
	engine   *Engine
	hub      *realtime.Hub
	resolve  ActorResolver
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandlers builds a Handlers. hub may be nil to run push/pull without a
// realtime channel (§6 makes the WS endpoint optional).
func NewHandlers(engine *Engine, hub *realtime.Hub, resolve ActorResolver, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		engine:  engine,
		hub:     hub,
		resolve: resolve,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

// Mount registers the push, pull and chunk routes on r, plus the realtime
// route when a hub is set. It does not register a healthz route.
func (h *Handlers) Mount(r *webkit.Router) {
	r.Post("/sync/push", h.handlePush)
	r.Post("/sync/pull", h.handlePull)
	r.Get("/sync/chunks/{sha256}", h.handleChunk)
	if h.hub != nil {
		r.Get("/sync/ws", h.handleWebSocket)
	}
}

type errorEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusForCode maps a sealed wire.ErrorCode to the HTTP status a REST
// caller should treat it as (§7's codes don't carry a status of their own;
// the realtime and wire-level callers only ever see the code string).
func statusForCode(code wire.ErrorCode) int {
	switch code {
	case wire.CodeInvalidRequest, wire.CodeInvalidScope:
		return http.StatusBadRequest
	case wire.CodeMissingScopes:
		return http.StatusForbidden
	case wire.CodeRowMissing:
		return http.StatusNotFound
	case wire.CodeVersionMismatch, wire.CodeConstraintViolation, wire.CodeIdempotencyCacheMiss:
		return http.StatusConflict
	case wire.CodeTemporaryFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeEngineError(c *webkit.Ctx, err error) error {
	if se := AsSyncError(err); se != nil {
		return c.JSON(statusForCode(se.Code), errorEnvelope{Error: se.Message, Code: string(se.Code)})
	}
	h.log.Error("syncserver: unhandled engine error", "err", err)
	return c.JSON(http.StatusInternalServerError, errorEnvelope{Error: "internal error", Code: string(wire.CodeTemporaryFailure)})
}

func (h *Handlers) resolveActor(c *webkit.Ctx) (string, Actor, bool) {
	if h.resolve == nil {
		_ = c.JSON(http.StatusUnauthorized, errorEnvelope{Error: "no actor resolver configured", Code: string(wire.CodeInvalidRequest)})
		return "", Actor{}, false
	}
	partitionID, actor, err := h.resolve(c.Request())
	if err != nil {
		_ = c.JSON(http.StatusUnauthorized, errorEnvelope{Error: err.Error(), Code: string(wire.CodeInvalidRequest)})
		return "", Actor{}, false
	}
	return partitionID, actor, true
}

func (h *Handlers) handlePush(c *webkit.Ctx) error {
	partitionID, actor, ok := h.resolveActor(c)
	if !ok {
		return nil
	}

	var req wire.PushRequest
	if err := c.Bind(&req, maxPushBodyBytes); err != nil {
		return c.JSON(http.StatusBadRequest, errorEnvelope{Error: err.Error(), Code: string(wire.CodeInvalidRequest)})
	}

	resp, err := h.engine.Push(c.Context(), partitionID, actor, req)
	if err != nil {
		return h.writeEngineError(c, err)
	}

	if resp.Status == wire.PushApplied && h.hub != nil {
		h.hub.Broadcast(&realtime.Broadcast{
			PartitionID: partitionID,
			Event:       wire.EventSync,
			Data:        syncEventData(resp, actor.ID),
		})
	}

	return c.JSON(http.StatusOK, resp)
}

// syncEventData builds a "sync" wake-up payload from a just-applied push
// response, inlining its changes when there are few enough that a client
// can skip the follow-up HTTP pull entirely; otherwise it ships a bare
// cursor and leaves the client to pull.
func syncEventData(resp *wire.PushResponse, actorID string) wire.SyncEventData {
	data := wire.SyncEventData{
		Cursor:    resp.CommitSeq,
		ActorID:   actorID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Timestamp: time.Now().Unix(),
	}
	if len(resp.Changes) > 0 && len(resp.Changes) <= maxInlineChangeRows {
		data.Changes = resp.Changes
	}
	return data
}

func (h *Handlers) handlePull(c *webkit.Ctx) error {
	partitionID, actor, ok := h.resolveActor(c)
	if !ok {
		return nil
	}

	var req wire.PullRequest
	if err := c.Bind(&req, maxPullBodyBytes); err != nil {
		return c.JSON(http.StatusBadRequest, errorEnvelope{Error: err.Error(), Code: string(wire.CodeInvalidRequest)})
	}

	resp, err := h.engine.Pull(c.Context(), partitionID, actor, req)
	if err != nil {
		return h.writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleChunk serves a content-addressed snapshot chunk body referenced by
// a pull response's ChunkRef (§4.5). The encoding/compression pair travels
// as query parameters since a ChunkRef's sha256 alone isn't enough to
// recompute its blob hash.
func (h *Handlers) handleChunk(c *webkit.Ctx) error {
	_, _, ok := h.resolveActor(c)
	if !ok {
		return nil
	}

	ref := wire.ChunkRef{
		SHA256:      c.Param("sha256"),
		Encoding:    c.Query("encoding"),
		Compression: c.Query("compression"),
	}
	if ref.Encoding == "" {
		ref.Encoding = wire.RowFrameEncoding
	}
	if ref.Compression == "" {
		ref.Compression = wire.CompressionGzip
	}

	body, err := h.engine.FetchChunk(c.Context(), ref)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorEnvelope{Error: err.Error(), Code: string(wire.CodeRowMissing)})
	}

	return c.Bytes(http.StatusOK, body, "application/gzip")
}

func (h *Handlers) handleWebSocket(c *webkit.Ctx) error {
	partitionID, actor, ok := h.resolveActor(c)
	if !ok {
		return nil
	}
	clientID := c.Query("clientId")
	if clientID == "" {
		return c.JSON(http.StatusBadRequest, errorEnvelope{Error: "clientId query parameter is required", Code: string(wire.CodeInvalidRequest)})
	}

	conn, err := h.upgrader.Upgrade(c.Writer(), c.Request(), nil)
	if err != nil {
		return err
	}

	rc := realtime.NewConnection(h.hub, conn, partitionID, clientID, h.commandHandler(actor), h.log)
	h.hub.Register(rc)
	rc.Start()
	return nil
}

// commandHandler binds the authenticated actor resolved at upgrade time into
// every inline command the connection receives for its lifetime (§6's
// {"type":"push",...} and {"type":"presence",...} client commands).
func (h *Handlers) commandHandler(actor Actor) realtime.CommandHandler {
	return func(ctx context.Context, conn *realtime.Connection, cmd wire.RealtimeCommand) (string, any) {
		switch cmd.Type {
		case wire.CommandPush:
			return h.handleInlinePush(ctx, conn, actor, cmd)
		case wire.CommandPresence:
			h.hub.Broadcast(&realtime.Broadcast{
				PartitionID: conn.PartitionID,
				ExcludeID:   conn.ID,
				Event:       wire.EventPresence,
				Data: wire.PresenceEventData{
					ScopeKey: cmd.ScopeKey,
					Action:   cmd.Action,
					Metadata: cmd.Metadata,
				},
			})
			return "", nil
		default:
			// "auth" and any unrecognized command need no reply: auth is
			// externalized to the upgrade handshake itself.
			return "", nil
		}
	}
}

func (h *Handlers) handleInlinePush(ctx context.Context, conn *realtime.Connection, actor Actor, cmd wire.RealtimeCommand) (string, any) {
	req := wire.PushRequest{
		ClientID:       conn.ClientID,
		ClientCommitID: cmd.ClientCommitID,
		SchemaVersion:  cmd.SchemaVersion,
		Operations:     cmd.Operations,
	}

	resp, err := h.engine.Push(ctx, conn.PartitionID, actor, req)
	if err != nil {
		data := wire.PushResponseEventData{RequestID: cmd.RequestID, OK: false, Timestamp: time.Now().Unix()}
		if se := AsSyncError(err); se != nil {
			data.Status = wire.PushRejected
			data.Results = []wire.OperationResult{{Status: wire.ResultError, Error: se.Message, Code: string(se.Code), Retriable: se.Retriable}}
		}
		return wire.EventPushResponse, data
	}

	if resp.Status == wire.PushApplied {
		h.hub.Broadcast(&realtime.Broadcast{
			PartitionID: conn.PartitionID,
			ExcludeID:   conn.ID,
			Event:       wire.EventSync,
			Data:        syncEventData(resp, actor.ID),
		})
	}

	return wire.EventPushResponse, wire.PushResponseEventData{
		RequestID: cmd.RequestID,
		OK:        resp.OK,
		Status:    resp.Status,
		CommitSeq: resp.CommitSeq,
		Results:   resp.Results,
		Timestamp: time.Now().Unix(),
	}
}
