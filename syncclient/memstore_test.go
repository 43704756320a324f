package syncclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syncular/syncular-sub002/syncclient"
	"github.com/syncular/syncular-sub002/wire"
)

// memStore is an in-memory syncclient.Store, grounded on syncserver's own
// memdialect: every Tx method locks the store's single mutex for the call's
// duration rather than holding a lock across the transaction, and
// Commit/Rollback are no-ops since writes land directly in shared state.
// Sufficient for deterministic engine tests, not a model for a real
// client-side store.
type memStore struct {
	mu sync.Mutex

	outbox      map[string]*syncclient.OutboxCommit
	outboxOrder []string
	conflicts   map[string]*syncclient.Conflict
	subs        map[string]*syncclient.SubscriptionState
	mirror      map[string]map[string]json.RawMessage
}

func newMemStore() *memStore {
	return &memStore{
		outbox:    map[string]*syncclient.OutboxCommit{},
		conflicts: map[string]*syncclient.Conflict{},
		subs:      map[string]*syncclient.SubscriptionState{},
		mirror:    map[string]map[string]json.RawMessage{},
	}
}

func (s *memStore) BeginTx(_ context.Context) (syncclient.Tx, error) {
	return &memTx{s: s}, nil
}

type memTx struct{ s *memStore }

func (t *memTx) Commit() error   { return nil }
func (t *memTx) Rollback() error { return nil }

func (t *memTx) EnqueueOutbox(_ context.Context, commit *syncclient.OutboxCommit) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := *commit
	t.s.outbox[commit.ID] = &cp
	t.s.outboxOrder = append(t.s.outboxOrder, commit.ID)
	return nil
}

func (t *memTx) ClaimNextPending(_ context.Context) (*syncclient.OutboxCommit, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, id := range t.s.outboxOrder {
		c := t.s.outbox[id]
		if c.Status == syncclient.OutboxPending {
			c.Status = syncclient.OutboxSending
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) CountPendingOutbox(_ context.Context) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := 0
	for _, c := range t.s.outbox {
		if c.Status == syncclient.OutboxPending || c.Status == syncclient.OutboxSending {
			n++
		}
	}
	return n, nil
}

func (t *memTx) MarkAcked(_ context.Context, id string, ackedCommitSeq int64, responseJSON json.RawMessage) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.outbox[id]
	if !ok {
		return fmt.Errorf("memstore: outbox %q not found", id)
	}
	c.Status = syncclient.OutboxAcked
	c.AckedCommitSeq = &ackedCommitSeq
	c.LastResponseJSON = responseJSON
	c.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) MarkFailed(_ context.Context, id string, errMsg string, responseJSON json.RawMessage) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.outbox[id]
	if !ok {
		return fmt.Errorf("memstore: outbox %q not found", id)
	}
	c.Status = syncclient.OutboxFailed
	c.Error = errMsg
	c.LastResponseJSON = responseJSON
	c.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) IncrementAttempt(_ context.Context, id string, errMsg string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.outbox[id]
	if !ok {
		return fmt.Errorf("memstore: outbox %q not found", id)
	}
	c.AttemptCount++
	c.Error = errMsg
	c.Status = syncclient.OutboxPending
	return nil
}

func (t *memTx) LoadOutbox(_ context.Context, id string) (*syncclient.OutboxCommit, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.outbox[id]
	if !ok {
		return nil, fmt.Errorf("memstore: outbox %q not found", id)
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) InsertConflict(_ context.Context, c *syncclient.Conflict) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := *c
	t.s.conflicts[c.ID] = &cp
	return nil
}

func (t *memTx) ResolveConflict(_ context.Context, id string, resolution syncclient.ConflictResolution, resolvedAt time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c, ok := t.s.conflicts[id]
	if !ok {
		return fmt.Errorf("memstore: conflict %q not found", id)
	}
	c.Resolution = resolution
	c.ResolvedAt = &resolvedAt
	return nil
}

func (t *memTx) ListUnresolvedConflicts(_ context.Context) ([]*syncclient.Conflict, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []*syncclient.Conflict
	for _, c := range t.s.conflicts {
		if c.ResolvedAt == nil {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) LoadSubscriptionState(_ context.Context, subscriptionID string) (*syncclient.SubscriptionState, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	s, ok := t.s.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("memstore: subscription %q not found", subscriptionID)
	}
	cp := *s
	return &cp, nil
}

func (t *memTx) UpsertSubscriptionState(_ context.Context, s *syncclient.SubscriptionState) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cp := *s
	t.s.subs[s.SubscriptionID] = &cp
	return nil
}

func (t *memTx) ListSubscriptionStates(_ context.Context) ([]*syncclient.SubscriptionState, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []*syncclient.SubscriptionState
	for _, s := range t.s.subs {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (t *memTx) ApplyChange(_ context.Context, table, rowID string, op wire.Op, rowJSON json.RawMessage, _ int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	rows, ok := t.s.mirror[table]
	if !ok {
		rows = map[string]json.RawMessage{}
		t.s.mirror[table] = rows
	}
	if op == wire.OpDelete {
		delete(rows, rowID)
		return nil
	}
	rows[rowID] = rowJSON
	return nil
}

func (t *memTx) ApplyRowFrame(_ context.Context, table string, rows []json.RawMessage) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	dest, ok := t.s.mirror[table]
	if !ok {
		dest = map[string]json.RawMessage{}
		t.s.mirror[table] = dest
	}
	for i, row := range rows {
		dest[fmt.Sprintf("row-%d", i)] = row
	}
	return nil
}

func (s *memStore) rowCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mirror[table])
}
