package webkit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"
)

// Mode selects the Logger middleware's output format.
type Mode int

const (
	// Auto picks Dev when Output is a terminal, Prod otherwise.
	Auto Mode = iota
	// Dev produces human-readable, optionally colored text lines.
	Dev
	// Prod produces one structured JSON line per request via log/slog.
	Prod
)

// LoggerOptions configures the Logger middleware.
type LoggerOptions struct {
	Mode   Mode
	Output io.Writer // defaults to os.Stdout; ignored when Logger is set
	Logger *slog.Logger // explicit logger; takes precedence over Mode/Output

	UserAgent       bool
	RequestIDHeader string // defaults to "X-Request-Id"
	RequestIDGen    func() string

	TraceExtractor func(ctx context.Context) (traceID, spanID string, sampled bool)
}

// Logger returns request-logging middleware: one log entry per request, with
// status, method, path, host, latency and optional request id / trace fields.
func Logger(opts LoggerOptions) Middleware {
	headerName := opts.RequestIDHeader
	if headerName == "" {
		headerName = "X-Request-Id"
	}

	logger, devMode := buildLogger(opts)

	return func(next Handler) Handler {
		return func(c *Ctx) error {
			start := time.Now()

			rec := &statusRecorder{ResponseWriter: c.Writer(), status: http.StatusOK}
			c.SetWriter(rec)

			reqID := c.Request().Header.Get(headerName)
			if reqID == "" && opts.RequestIDGen != nil {
				reqID = opts.RequestIDGen()
			}
			if reqID != "" {
				c.Header().Set(headerName, reqID)
			}

			err := next(c)
			elapsed := time.Since(start)

			status := rec.status
			if !rec.wrote {
				status = c.StatusCode()
			}

			attrs := []slog.Attr{
				slog.Int("status", status),
				slog.String("method", c.Request().Method),
				slog.String("path", c.Request().URL.Path),
				slog.String("host", c.Request().Host),
				slog.Duration("duration", elapsed),
			}
			if reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}
			if opts.UserAgent {
				attrs = append(attrs, slog.String("user_agent", c.Request().UserAgent()))
			}
			if rq := c.Request().URL.RawQuery; rq != "" {
				attrs = append(attrs, slog.String("query", rq))
			}
			if opts.TraceExtractor != nil {
				traceID, spanID, sampled := opts.TraceExtractor(c.Context())
				attrs = append(attrs,
					slog.String("trace_id", traceID),
					slog.String("span_id", spanID),
					slog.Bool("trace_sampled", sampled),
				)
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			if devMode {
				attrs = append(attrs, slog.String("latency_human", humanDuration(elapsed)))
			}

			logger.LogAttrs(c.Context(), levelFor(status, err), "request", attrs...)
			return err
		}
	}
}

// buildLogger resolves the *slog.Logger to use and reports whether it is
// running in Dev mode (which gets an extra latency_human attr per line).
func buildLogger(opts LoggerOptions) (*slog.Logger, bool) {
	if opts.Logger != nil {
		return opts.Logger, false
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	mode := opts.Mode
	if mode == Auto {
		if isTerminal(out) {
			mode = Dev
		} else {
			mode = Prod
		}
	}

	if mode == Dev {
		var h slog.Handler
		if supportsColorEnv() {
			h = newColorTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
		} else {
			h = slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
		}
		return slog.New(h), true
	}

	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})), false
}

// statusRecorder wraps a ResponseWriter to capture the status code that was
// actually written, even if the handler bypasses Ctx's own status tracking.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wrote {
		return
	}
	s.wrote = true
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if !s.wrote {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(p)
}

func levelFor(status int, err error) slog.Level {
	if err != nil {
		return slog.LevelError
	}
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		return fmt.Sprintf("%.1fµs", float64(d.Nanoseconds())/1000)
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Nanoseconds())/1e6)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

func attrInt(a slog.Attr) (int64, bool) {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	default:
		return 0, false
	}
}

func supportsColorEnv() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	if term == "" || term == "dumb" {
		return false
	}
	if runtime.GOOS == "windows" {
		return false
	}
	return true
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// colorTextHandler is a minimal slog.Handler emitting logfmt-style lines with
// ANSI-colored level and status attrs.
type colorTextHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	opts  slog.HandlerOptions
	attrs []slog.Attr
	group string
}

func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &colorTextHandler{mu: &sync.Mutex{}, out: w, opts: *opts}
}

func (h *colorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *colorTextHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := "36" // cyan
	switch {
	case r.Level >= slog.LevelError:
		levelColor = "31" // red
	case r.Level >= slog.LevelWarn:
		levelColor = "33" // yellow
	}

	line := fmt.Sprintf("\x1b[%sm%s\x1b[0m %s", levelColor, r.Level.String(), r.Message)

	write := func(key string, v slog.Value) {
		s := v.String()
		if key == "status" {
			if n, ok := attrInt(slog.Attr{Key: key, Value: v}); ok {
				color := "32" // green
				switch {
				case n >= 500:
					color = "31"
				case n >= 400:
					color = "33"
				}
				s = fmt.Sprintf("\x1b[%sm%d\x1b[0m", color, n)
				line += fmt.Sprintf(" %s=%s", key, s)
				return
			}
		}
		line += fmt.Sprintf(" %s=%s", key, s)
	}

	for _, a := range h.attrs {
		write(a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a.Key, a.Value)
		return true
	})

	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *colorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *colorTextHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = name
	return &next
}
