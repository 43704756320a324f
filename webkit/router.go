package webkit

import (
	"log/slog"
	"net/http"
	"path"
	"runtime/debug"
	"strings"
)

// Handler is webkit's request handler signature: it returns an error instead
// of writing one directly, so a single recovery/error path can format it.
type Handler func(*Ctx) error

// Middleware wraps a Handler to produce another Handler.
type Middleware func(Handler) Handler

// PanicError wraps a recovered panic value together with the stack trace
// captured at the moment of recovery.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return "webkit: panic recovered"
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Router is a thin wrapper over http.ServeMux adding middleware chaining,
// path prefixes, scoped middleware, panic recovery, and a bridge to plain
// net/http handlers via Compat.
type Router struct {
	mux    *http.ServeMux
	base   string
	parent *Router // set on Prefix/With children sharing the same mux

	global []Middleware                      // only meaningful on the root router
	stdMW  []func(http.Handler) http.Handler // registered via Compat.Use, only meaningful on the root router
	scoped []Middleware                      // middleware added via With, applied to this sub-router's routes only

	errorHandler func(*Ctx, error)
	log          *slog.Logger

	// Compat bridges to the standard http.Handler world.
	Compat *httpRouter
}

// NewRouter creates a Router ready to register handlers on.
func NewRouter() *Router {
	r := &Router{
		mux: http.NewServeMux(),
		log: slog.Default(),
	}
	r.Compat = &httpRouter{r: r}
	return r
}

// Logger returns the router's logger.
func (r *Router) Logger() *slog.Logger { return r.log }

// SetLogger sets the router's logger; a nil logger is a no-op.
func (r *Router) SetLogger(l *slog.Logger) {
	if l != nil {
		r.log = l
	}
}

// Use appends global middleware, run for every request regardless of which
// sub-router matched.
func (r *Router) Use(mw ...Middleware) {
	root := r
	for root.parent != nil {
		root = root.parent
	}
	root.global = append(root.global, mw...)
}

// With returns a sub-router sharing the same mux and base path, but with
// extra middleware applied only to routes registered on the returned router
// (and its own children).
func (r *Router) With(mw ...Middleware) *Router {
	child := &Router{
		mux:    r.mux,
		base:   r.base,
		parent: r,
		log:    r.log,
	}
	child.scoped = append(append([]Middleware{}, r.scoped...), mw...)
	child.Compat = &httpRouter{r: child}
	return child
}

// Prefix returns a sub-router whose registered paths are joined under p.
func (r *Router) Prefix(p string) *Router {
	child := &Router{
		mux:    r.mux,
		base:   joinPath(r.base, p),
		parent: r,
		scoped: append([]Middleware{}, r.scoped...),
		log:    r.log,
	}
	child.Compat = &httpRouter{r: child}
	return child
}

// ErrorHandler overrides how handler/plugin errors (including recovered
// panics, wrapped as *PanicError) are turned into a response. The default
// writes a 500 with the standard status text.
func (r *Router) ErrorHandler(fn func(*Ctx, error)) {
	r.errorHandler = fn
}

func (r *Router) handleError(c *Ctx, err error) {
	root := r
	for root.parent != nil {
		root = root.parent
	}
	if root.errorHandler != nil {
		root.errorHandler(c, err)
		return
	}
	http.Error(c.Writer(), http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (r *Router) fullPath(rel string) string {
	return joinPath(r.base, rel)
}

// Get registers a GET handler at rel (joined to this router's base path).
func (r *Router) Get(rel string, h Handler) { r.Handle(http.MethodGet, rel, h) }

// Post registers a POST handler at rel.
func (r *Router) Post(rel string, h Handler) { r.Handle(http.MethodPost, rel, h) }

// Put registers a PUT handler at rel.
func (r *Router) Put(rel string, h Handler) { r.Handle(http.MethodPut, rel, h) }

// Delete registers a DELETE handler at rel.
func (r *Router) Delete(rel string, h Handler) { r.Handle(http.MethodDelete, rel, h) }

// Handle registers h for method at rel, wrapped with this router's scoped
// middleware (innermost-first: last With() call wraps closest to the handler).
// A trailing slash on rel (other than rel "/") is kept, so the route is a
// net/http subtree pattern.
func (r *Router) Handle(method, rel string, h Handler) {
	full := r.fullPath(rel)
	if rel != "/" && strings.HasSuffix(rel, "/") && full != "/" {
		full += "/"
	}
	wrapped := r.wrapScoped(h)
	r.mux.Handle(method+" "+full, r.asHTTPHandler(wrapped))
}

func (r *Router) wrapScoped(h Handler) Handler {
	for i := len(r.scoped) - 1; i >= 0; i-- {
		h = r.scoped[i](h)
	}
	return h
}

// Static serves files from fsys under prefix. A request for exactly prefix
// (no trailing slash) redirects to prefix+"/".
func (r *Router) Static(prefix string, fsys http.FileSystem) {
	full := r.fullPath(prefix)
	fileServer := http.FileServer(fsys)

	stripped := fileServer
	if full != "/" {
		stripped = http.StripPrefix(full, fileServer)
	}

	h := func(c *Ctx) error {
		stripped.ServeHTTP(c.Writer(), c.Request())
		return nil
	}
	wrapped := r.wrapScoped(h)

	pattern := full
	if !strings.HasSuffix(pattern, "/") {
		pattern += "/"
	}
	r.mux.Handle(pattern, r.asHTTPHandler(wrapped))

	if full != "/" {
		redirectTo := full + "/"
		r.mux.Handle(full, r.asHTTPHandler(r.wrapScoped(func(c *Ctx) error {
			http.Redirect(c.Writer(), c.Request(), redirectTo, http.StatusMovedPermanently)
			return nil
		})))
	}
}

func (r *Router) asHTTPHandler(h Handler) http.Handler {
	root := r
	for root.parent != nil {
		root = root.parent
	}

	var inner http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c := newCtx(w, req, r)
		defer r.recoverPanic(c)

		chain := h
		for i := len(root.global) - 1; i >= 0; i-- {
			chain = root.global[i](chain)
		}

		if err := chain(c); err != nil {
			r.handleError(c, err)
		}
	})

	for i := len(root.stdMW) - 1; i >= 0; i-- {
		inner = root.stdMW[i](inner)
	}
	return inner
}

func (r *Router) recoverPanic(c *Ctx) {
	if rec := recover(); rec != nil {
		pe := &PanicError{Value: rec, Stack: debug.Stack()}
		r.handleError(c, pe)
	}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func cleanLeading(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func joinPath(base, rel string) string {
	base = cleanLeading(base)
	if rel == "" || rel == "/" {
		if base == "/" {
			return "/"
		}
		return strings.TrimSuffix(base, "/")
	}
	rel = cleanLeading(rel)
	joined := path.Join(base, rel)
	if joined == "" {
		return "/"
	}
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

// httpRouter bridges plain net/http handlers and middleware into a Router,
// for mounting standard-library-shaped code without rewriting it to Handler.
type httpRouter struct {
	r *Router
}

// Use registers a standard net/http middleware that wraps every request
// reaching the router tree, including routes registered directly on Router
// via Get/Post/etc — not just ones registered through Compat.
func (h *httpRouter) Use(mw func(http.Handler) http.Handler) {
	root := h.r
	for root.parent != nil {
		root = root.parent
	}
	root.stdMW = append(root.stdMW, mw)
}

// Handle registers a plain http.Handler for all methods at path.
func (h *httpRouter) Handle(pattern string, handler http.Handler) {
	full := h.r.fullPath(pattern)
	webHandler := h.r.wrapScoped(func(c *Ctx) error {
		handler.ServeHTTP(c.Writer(), c.Request())
		return nil
	})
	h.r.mux.Handle(full, h.r.asHTTPHandler(webHandler))
}

// HandleMethod registers a plain http.Handler for a single method, replying
// 405 Method Not Allowed for any other method at the same path.
func (h *httpRouter) HandleMethod(method, pattern string, handler http.Handler) {
	full := h.r.fullPath(pattern)
	webHandler := h.r.wrapScoped(func(c *Ctx) error {
		if c.Request().Method != method {
			http.Error(c.Writer(), http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return nil
		}
		handler.ServeHTTP(c.Writer(), c.Request())
		return nil
	})
	h.r.mux.Handle(full, h.r.asHTTPHandler(webHandler))
}

// Mount registers handler as a catch-all under pattern (no method restriction,
// no path stripping — handler sees the full original path).
func (h *httpRouter) Mount(pattern string, handler http.Handler) {
	h.Handle(pattern, handler)
	if full := h.r.fullPath(pattern); full != "/" {
		webHandler := h.r.wrapScoped(func(c *Ctx) error {
			handler.ServeHTTP(c.Writer(), c.Request())
			return nil
		})
		h.r.mux.Handle(full+"/", h.r.asHTTPHandler(webHandler))
	}
}

// Group scopes pattern as a prefix for registrations made inside fn, using a
// fresh httpRouter bound to a Prefix() sub-router.
func (h *httpRouter) Group(pattern string, fn func(*httpRouter)) {
	sub := h.r.Prefix(pattern)
	fn(&httpRouter{r: sub})
}
