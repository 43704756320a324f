package syncclient

import (
	"sync"
	"time"
)

// fingerprintKey identifies one mirrored row for query-invalidation purposes.
type fingerprintKey struct {
	table string
	rowID string
}

// Fingerprint tracks the last-mutation timestamp of every (table, rowId)
// pair the engine has touched, local or pulled. Applications poll or
// subscribe to this to decide whether a live query needs to refresh,
// without the engine knowing anything about the application's query shape
// (Kysely-style query-builder integration is out of scope, per spec.md §1).
type Fingerprint struct {
	mu   sync.RWMutex
	seen map[fingerprintKey]time.Time
}

// NewFingerprint builds an empty Fingerprint map.
func NewFingerprint() *Fingerprint {
	return &Fingerprint{seen: make(map[fingerprintKey]time.Time)}
}

// Touch records table/rowId as mutated at t.
func (f *Fingerprint) Touch(table, rowID string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[fingerprintKey{table, rowID}] = t
}

// Clear drops a row's fingerprint. Deletes clear the fingerprint rather than
// leaving a stale mutation timestamp behind (Design Note open question (b),
// resolved: deletes do clear).
func (f *Fingerprint) Clear(table, rowID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, fingerprintKey{table, rowID})
}

// Since reports table/rowId's last mutation time, or the zero Time if never
// observed.
func (f *Fingerprint) Since(table, rowID string) time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.seen[fingerprintKey{table, rowID}]
}

// Apply records a pulled or locally applied change against the fingerprint
// map, clearing it on delete and touching it otherwise.
func (f *Fingerprint) Apply(table, rowID string, isDelete bool, at time.Time) {
	if isDelete {
		f.Clear(table, rowID)
		return
	}
	f.Touch(table, rowID, at)
}
