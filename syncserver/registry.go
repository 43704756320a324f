package syncserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Handler is a per-table declarative binding: scope patterns, an actor ->
// scope resolver, and optional hooks around the default operation
// application logic (§2 "Handler registry", §4.1).
type Handler struct {
	Table string

	// ScopePatterns declares the scope keys this table routes on, in
	// "key:{column}" form (e.g. "user:{user_id}"). extractScopeVars below
	// is derived from these at registry build time.
	ScopePatterns []string

	// DependsOn names tables that must be bootstrapped before this one
	// (e.g. a "tasks" table depending on "projects"). The registry
	// topologically sorts the handler graph and rejects cycles.
	DependsOn []string

	// ResolveScopes computes the scope values this actor is allowed to see
	// for this table. Called with request-local memoization by the scope
	// resolver; implementations should be side-effect-free.
	ResolveScopes func(ctx context.Context, actor Actor) (ScopeValues, error)

	// ScopesForRow extracts the scopes a given row (post-mutation for
	// upsert, pre-image for delete) belongs to, used to stamp emitted
	// changes. Required; a handler that returns an empty map causes the
	// commit to be rejected with INVALID_SCOPE.
	ScopesForRow func(row json.RawMessage) (ScopeValues, error)

	// BeforeApplyOperation and AfterApplyOperation run around the default
	// applyOperation call, in (priority, insertion index) order. They may
	// not change table/rowId/op.
	BeforeApplyOperation []Plugin
	AfterApplyOperation  []Plugin
}

// Plugin is one before/after hook invoked by the push engine. Priority
// orders the plugins within one handler's hook list; ties break on
// registration order via sort.SliceStable per the
// "plugin ordering" open question.
type Plugin struct {
	Priority int
	Name     string
	Run      func(ctx context.Context, op *PendingOperation) error
}

// PendingOperation is the mutable view of an in-flight operation a plugin
// may inspect or annotate (but not retarget).
type PendingOperation struct {
	Table   string
	RowID   string
	Op      OpKind
	Payload json.RawMessage
}

// extractScopeVars parses "key:{column}" patterns into key -> column.
func extractScopeVars(patterns []string) (map[string]string, error) {
	out := make(map[string]string, len(patterns))
	for _, p := range patterns {
		idx := strings.Index(p, ":{")
		if idx < 0 || !strings.HasSuffix(p, "}") {
			return nil, fmt.Errorf("syncserver: malformed scope pattern %q, want \"key:{column}\"", p)
		}
		key := p[:idx]
		column := p[idx+2 : len(p)-1]
		if key == "" || column == "" {
			return nil, fmt.Errorf("syncserver: malformed scope pattern %q", p)
		}
		out[key] = column
	}
	return out, nil
}

// Registry is the built, validated set of table handlers. Build rejects a
// circular DependsOn graph at construction time (Design Note "cycle-free
// structure") so later bootstrap planning never has to detect cycles.
type Registry struct {
	handlers map[string]*boundHandler
	order    []string // topologically sorted table names, dependencies first
}

type boundHandler struct {
	*Handler
	scopeVars map[string]string
}

// NewRegistry validates and builds a Registry from the given handlers.
func NewRegistry(handlers ...*Handler) (*Registry, error) {
	bound := make(map[string]*boundHandler, len(handlers))
	for _, h := range handlers {
		if h.Table == "" {
			return nil, fmt.Errorf("syncserver: handler missing Table")
		}
		if _, dup := bound[h.Table]; dup {
			return nil, fmt.Errorf("syncserver: duplicate handler for table %q", h.Table)
		}
		vars, err := extractScopeVars(h.ScopePatterns)
		if err != nil {
			return nil, err
		}
		bound[h.Table] = &boundHandler{Handler: h, scopeVars: vars}
	}
	for _, h := range bound {
		for _, dep := range h.DependsOn {
			if _, ok := bound[dep]; !ok {
				return nil, fmt.Errorf("syncserver: table %q depends on unregistered table %q", h.Table, dep)
			}
		}
	}

	order, err := topoSort(bound)
	if err != nil {
		return nil, err
	}

	return &Registry{handlers: bound, order: order}, nil
}

func topoSort(handlers map[string]*boundHandler) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(handlers))
	var order []string

	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic order for reproducible bootstrap plans

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: table %q", ErrCycleDetected, name)
		}
		color[name] = gray
		deps := append([]string(nil), handlers[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Lookup returns the handler for table, or ErrUnknownTable.
func (r *Registry) Lookup(table string) (*Handler, error) {
	h, ok := r.handlers[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return h.Handler, nil
}

// ScopeVars returns the declared scope-key -> column mapping for table.
func (r *Registry) ScopeVars(table string) (map[string]string, error) {
	h, ok := r.handlers[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return h.scopeVars, nil
}

// BootstrapOrder returns the dependency-ordered table list (dependencies
// first) used to plan a bootstrap snapshot (§4.2 step 4).
func (r *Registry) BootstrapOrder() []string {
	return append([]string(nil), r.order...)
}

func sortPlugins(plugins []Plugin) []Plugin {
	out := append([]Plugin(nil), plugins...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
