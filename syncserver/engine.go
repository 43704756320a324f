package syncserver

import (
	"log/slog"
	"time"
)

// EngineOptions configures an Engine's defaults and limits, grounded on the
// literal bounds spec.md §4.2 states for pull requests.
type EngineOptions struct {
	Logger *slog.Logger

	DefaultLimitCommits      int
	DefaultLimitSnapshotRows int
	DefaultMaxSnapshotPages  int

	SnapshotChunkTTL time.Duration
	ScopeCacheTTL    time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DefaultLimitCommits <= 0 {
		o.DefaultLimitCommits = 50
	}
	if o.DefaultLimitSnapshotRows <= 0 {
		o.DefaultLimitSnapshotRows = 1000
	}
	if o.DefaultMaxSnapshotPages <= 0 {
		o.DefaultMaxSnapshotPages = 4
	}
	if o.SnapshotChunkTTL <= 0 {
		o.SnapshotChunkTTL = 24 * time.Hour
	}
	if o.ScopeCacheTTL <= 0 {
		o.ScopeCacheTTL = 30 * time.Second
	}
	return o
}

// Engine is the server-side push/pull/external-change facade: one Engine
// per partition-hosting process, bound to a Dialect and a Registry of
// table handlers.
type Engine struct {
	dialect  Dialect
	registry *Registry
	resolver *ScopeResolver
	blobs    BlobStore
	opts     EngineOptions
}

// NewEngine builds an Engine. cache may be nil to disable the shared scope
// cache layer; blobs backs the snapshot chunk body store.
func NewEngine(dialect Dialect, registry *Registry, cache ScopeCache, blobs BlobStore, opts EngineOptions) *Engine {
	opts = opts.withDefaults()
	resolver := NewScopeResolver(registry, cache, opts.ScopeCacheTTL)
	return &Engine{dialect: dialect, registry: registry, resolver: resolver, blobs: blobs, opts: opts}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
