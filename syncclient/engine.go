package syncclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/syncular/syncular-sub002/wire"
)

// PullLimits bounds a pull request's pagination, mirroring the server's
// EngineOptions defaults (§1A).
type PullLimits struct {
	LimitCommits      int
	LimitSnapshotRows int
	MaxSnapshotPages  int
}

// DefaultPullLimits matches syncserver's EngineOptions.withDefaults values.
var DefaultPullLimits = PullLimits{LimitCommits: 50, LimitSnapshotRows: 1000, MaxSnapshotPages: 4}

// State is the engine's observable status (§4.4): enabled, connectionState,
// transportMode, isSyncing, lastSyncAt, pendingCount, error, retryCount.
type State struct {
	Enabled         bool
	ConnectionState ConnectionState
	TransportMode   string // "http" or "realtime"
	IsSyncing       bool
	LastSyncAt      time.Time
	PendingCount    int
	Err             error
	RetryCount      int
}

// EngineOptions configures an Engine's optional collaborators and timing.
type EngineOptions struct {
	Realtime         *RealtimeClient
	Limits           PullLimits
	DebounceInterval time.Duration // debounces sync:complete/data:change bursts
	Logger           *slog.Logger
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.Limits == (PullLimits{}) {
		o.Limits = DefaultPullLimits
	}
	if o.DebounceInterval == 0 {
		o.DebounceInterval = 10 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine is the client sync engine (§4.4): owns a durable outbox, a set of
// subscriptions, and a cooperative sync cycle that pushes pending commits
// then pulls every active subscription, optionally inlining both over a
// RealtimeClient before falling back to HTTP.
//
// The "join in-flight, schedule at most one follow-up" scheduling pattern
// below is the mutex-guarded-state idiom the bi blueprint's feature/sync
// Scheduler uses for its job map, adapted from a map of named jobs to a
// single always-on cycle.
type Engine struct {
	clientID    string
	store       Store
	transport   Transport
	realtime    *RealtimeClient
	fingerprint *Fingerprint
	events      *events
	limits      PullLimits
	debounce    time.Duration
	log         *slog.Logger

	rootCtx    context.Context
	cancelRoot context.CancelFunc
	wg         sync.WaitGroup

	mu            sync.Mutex
	running       bool
	dirty         bool
	queuedWaiters []chan error
	state         State
}

// NewEngine builds an Engine. clientID identifies this device/install to the
// server across reconnects and must be stable for the lifetime of store's
// data.
func NewEngine(clientID string, store Store, transport Transport, opts EngineOptions) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		clientID:    clientID,
		store:       store,
		transport:   transport,
		realtime:    opts.Realtime,
		fingerprint: NewFingerprint(),
		events:      newEvents(),
		limits:      opts.Limits,
		debounce:    opts.DebounceInterval,
		log:         opts.Logger,
		state:       State{ConnectionState: Disconnected, TransportMode: "http"},
	}
	if e.realtime != nil {
		e.realtime.OnWake(e.HandleRealtimeEvent)
	}
	return e
}

// Fingerprint exposes the engine's row mutation-timestamp tracker, so an
// application's live queries can decide whether to refresh.
func (e *Engine) Fingerprint() *Fingerprint { return e.fingerprint }

// Events returns a channel of engine lifecycle events (sync:complete,
// data:change, sync:error); call CloseEventChannel with it when done.
func (e *Engine) Events() <-chan Event { return e.events.Subscribe() }

// CloseEventChannel stops and closes a channel returned by Events.
func (e *Engine) CloseEventChannel(ch <-chan Event) { e.events.Unsubscribe(ch) }

// State returns a snapshot of the engine's current status.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start enables the engine: connects the optional realtime channel and
// marks it ready to accept Sync/Enqueue calls. ctx bounds the engine's
// entire lifetime; cancel it or call Stop to shut down.
func (e *Engine) Start(ctx context.Context) error {
	e.rootCtx, e.cancelRoot = context.WithCancel(ctx)

	e.mu.Lock()
	e.state.Enabled = true
	e.mu.Unlock()

	if e.realtime != nil {
		e.wg.Add(1)
		go e.runRealtime()
	}

	e.wakeSyncLoop()
	return nil
}

// runRealtime keeps the optional realtime channel connected for the
// engine's lifetime, reconnecting with a fixed backoff on drop (§4.4
// reconnect semantics: realtime disconnection resolves in-flight
// PushViaWS calls to nil, and the engine keeps operating over HTTP
// meanwhile).
func (e *Engine) runRealtime() {
	defer e.wg.Done()
	const reconnectDelay = 3 * time.Second

	for {
		select {
		case <-e.rootCtx.Done():
			return
		default:
		}

		e.setConnectionState(Connecting)
		if err := e.realtime.Connect(e.rootCtx); err != nil {
			e.log.Warn("syncclient: realtime connect failed", "err", err)
			e.setConnectionState(Reconnecting)
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-e.rootCtx.Done():
				return
			}
		}
		e.setConnectionState(Connected)
		e.setTransportMode("realtime")
		e.wakeSyncLoop() // a fresh connection may have missed wakes while down

		for e.realtime.State() == Connected {
			select {
			case <-e.rootCtx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
		e.setConnectionState(Reconnecting)
		e.setTransportMode("http")
	}
}

func (e *Engine) setConnectionState(s ConnectionState) {
	e.mu.Lock()
	e.state.ConnectionState = s
	e.mu.Unlock()
}

func (e *Engine) setTransportMode(mode string) {
	e.mu.Lock()
	e.state.TransportMode = mode
	e.mu.Unlock()
}

// Stop cancels the engine's realtime loop and waits for it to exit. Queued
// Sync callers still in flight observe ctx.Err() from their own context.
func (e *Engine) Stop() {
	if e.cancelRoot != nil {
		e.cancelRoot()
	}
	if e.realtime != nil {
		_ = e.realtime.Close()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.state.Enabled = false
	e.mu.Unlock()
}

// wakeSyncLoop schedules a sync cycle without waiting for it: it either
// starts one (if idle) or marks the running cycle dirty so it loops again
// once before going idle (the "schedule at most one follow-up" half of the
// pattern).
func (e *Engine) wakeSyncLoop() {
	e.mu.Lock()
	if e.running {
		e.dirty = true
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	e.wg.Add(1)
	go e.runCycleLoop()
}

// Sync runs (or joins) a sync cycle and blocks until one that started at or
// after this call completes (the "join in-flight" half of the pattern).
func (e *Engine) Sync(ctx context.Context) error {
	ch := make(chan error, 1)
	e.mu.Lock()
	e.queuedWaiters = append(e.queuedWaiters, ch)
	shouldStart := !e.running
	if shouldStart {
		e.running = true
	}
	e.mu.Unlock()

	if shouldStart {
		e.wg.Add(1)
		go e.runCycleLoop()
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runCycleLoop repeatedly runs one sync cycle until nothing more is owed:
// no queued waiter arrived during the cycle and no background wake fired.
func (e *Engine) runCycleLoop() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		waiters := e.queuedWaiters
		e.queuedWaiters = nil
		e.dirty = false
		e.mu.Unlock()

		err := e.runCycle(e.rootCtx)

		for _, ch := range waiters {
			ch <- err
		}

		e.mu.Lock()
		again := e.dirty || len(e.queuedWaiters) > 0
		if !again {
			e.running = false
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

// runCycle is one full sync cycle: drain the outbox, then pull every
// subscription (§4.4). Errors are reported through State/events but don't
// abort the cycle early — a conflict on one commit shouldn't block sending
// the next, and a pull failure shouldn't hide outbox progress already made.
func (e *Engine) runCycle(ctx context.Context) error {
	e.mu.Lock()
	e.state.IsSyncing = true
	e.mu.Unlock()

	var firstErr error
	recordErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	recordErr(e.drainOutbox(ctx))
	recordErr(e.pullOnce(ctx))

	now := time.Now()
	e.mu.Lock()
	e.state.IsSyncing = false
	e.state.LastSyncAt = now
	e.state.Err = firstErr
	if firstErr != nil {
		e.state.RetryCount++
	} else {
		e.state.RetryCount = 0
	}
	e.mu.Unlock()

	if firstErr != nil {
		e.events.emit(Event{Kind: EventSyncError, Err: firstErr})
	} else {
		e.events.emit(Event{Kind: EventSyncComplete})
	}
	return firstErr
}

// drainOutbox pushes every pending commit one at a time, oldest first,
// reconciling each against the server's reply before claiming the next —
// preserving per-commit ordering and idempotency (§3, §4.1's I3).
func (e *Engine) drainOutbox(ctx context.Context) error {
	for {
		tx, err := e.store.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("syncclient: begin outbox tx: %w", err)
		}
		commit, err := tx.ClaimNextPending(ctx)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("syncclient: claim next pending commit: %w", err)
		}
		if commit == nil {
			tx.Rollback()
			return nil
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("syncclient: commit claim tx: %w", err)
		}

		e.mu.Lock()
		e.state.PendingCount++
		e.mu.Unlock()

		resp, pushErr := e.pushCommit(ctx, commit)

		reconcileTx, err := e.store.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("syncclient: begin reconcile tx: %w", err)
		}
		if pushErr != nil {
			if err := reconcileTx.IncrementAttempt(ctx, commit.ID, pushErr.Error()); err != nil {
				reconcileTx.Rollback()
				return fmt.Errorf("syncclient: record push attempt failure: %w", err)
			}
			reconcileTx.Commit()
			return fmt.Errorf("syncclient: push commit %s: %w", commit.ClientCommitID, pushErr)
		}
		if err := applyOutboxResult(ctx, reconcileTx, commit, resp); err != nil {
			reconcileTx.Rollback()
			return fmt.Errorf("syncclient: reconcile commit %s: %w", commit.ClientCommitID, err)
		}
		if err := reconcileTx.Commit(); err != nil {
			return fmt.Errorf("syncclient: commit reconcile tx: %w", err)
		}

		e.mu.Lock()
		if e.state.PendingCount > 0 {
			e.state.PendingCount--
		}
		e.mu.Unlock()

		for _, op := range commit.Operations {
			e.fingerprint.Touch(op.Table, op.RowID, time.Now())
		}
		e.events.emit(Event{Kind: EventDataChange, Source: SourceRemote})
	}
}

// pushCommit tries the realtime fast-path first, falling back to HTTP when
// the channel isn't connected or the inline reply times out.
func (e *Engine) pushCommit(ctx context.Context, commit *OutboxCommit) (*wire.PushResponse, error) {
	req := wire.PushRequest{
		ClientID:       e.clientID,
		ClientCommitID: commit.ClientCommitID,
		SchemaVersion:  commit.SchemaVersion,
		Operations:     commit.Operations,
	}

	if e.realtime != nil {
		resp, ok, err := e.realtime.PushViaWS(ctx, ulid.Make().String(), req)
		if err != nil {
			return nil, err
		}
		if ok {
			return resp, nil
		}
	}

	return e.transport.Push(ctx, req)
}

// pullOnce pulls every persisted active subscription once and applies the
// response to the local mirror.
func (e *Engine) pullOnce(ctx context.Context) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("syncclient: begin pull-state tx: %w", err)
	}
	states, err := tx.ListSubscriptionStates(ctx)
	tx.Rollback()
	if err != nil {
		return fmt.Errorf("syncclient: list subscriptions: %w", err)
	}
	if len(states) == 0 {
		return nil
	}

	req := buildPullRequest(e.clientID, states, e.limits)
	resp, err := e.transport.Pull(ctx, req)
	if err != nil {
		return fmt.Errorf("syncclient: pull: %w", err)
	}

	applyTx, err := e.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("syncclient: begin apply-pull tx: %w", err)
	}
	tables, err := applyPullResponse(ctx, applyTx, e.transport, e.fingerprint, resp)
	if err != nil {
		applyTx.Rollback()
		return fmt.Errorf("syncclient: apply pull response: %w", err)
	}
	if err := applyTx.Commit(); err != nil {
		return fmt.Errorf("syncclient: commit apply-pull tx: %w", err)
	}

	if len(tables) > 0 {
		e.events.emit(Event{Kind: EventDataChange, Source: SourceRemote, Tables: tables})
	}
	return nil
}

// HandleRealtimeEvent processes an inline "sync" wake from RealtimeClient.
// When the event carries a cursor and the changed rows, and the client has
// nothing of its own pending, it applies them directly, advances every
// affected subscription's cursor, and skips the HTTP pull entirely. A
// missing cursor, empty changes, or a nonzero pending outbox forces a
// normal pull cycle instead.
func (e *Engine) HandleRealtimeEvent(evt wire.SyncEventData) {
	ctx := e.rootCtx
	if ctx == nil {
		return
	}

	if evt.Cursor != nil && len(evt.Changes) > 0 {
		pending, err := e.pendingOutboxCount(ctx)
		if err == nil && pending == 0 {
			if err := e.applyInlineChanges(ctx, evt.Changes, *evt.Cursor); err == nil {
				e.events.emit(Event{Kind: EventSyncComplete})
				return
			}
		}
	}
	e.wakeSyncLoop()
}

func (e *Engine) pendingOutboxCount(ctx context.Context) (int, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	return tx.CountPendingOutbox(ctx)
}

func (e *Engine) applyInlineChanges(ctx context.Context, changes []wire.Change, cursor int64) error {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}

	tables := map[string]bool{}
	now := time.Now()
	for _, change := range changes {
		if err := tx.ApplyChange(ctx, change.Table, change.RowID, change.Op, change.RowJSON, change.RowVersion); err != nil {
			tx.Rollback()
			return err
		}
		e.fingerprint.Apply(change.Table, change.RowID, change.Op == wire.OpDelete, now)
		tables[change.Table] = true
	}

	subs, err := tx.ListSubscriptionStates(ctx)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, sub := range subs {
		if !tables[sub.Table] || sub.Cursor >= cursor {
			continue
		}
		sub.Cursor = cursor
		sub.UpdatedAt = now
		if err := tx.UpsertSubscriptionState(ctx, sub); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	names := make([]string, 0, len(tables))
	for t := range tables {
		names = append(names, t)
	}
	e.events.emit(Event{Kind: EventDataChange, Source: SourceRemote, Tables: names})
	return nil
}
