package webkit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
	"unicode/utf8"
)

// Ctx wraps the request/response pair handed to a Handler.
type Ctx struct {
	w      http.ResponseWriter
	req    *http.Request
	router *Router

	rc *http.ResponseController

	status      int
	wroteHeader bool
}

func newCtx(w http.ResponseWriter, req *http.Request, router *Router) *Ctx {
	return &Ctx{
		w:      w,
		req:    req,
		router: router,
		rc:     http.NewResponseController(w),
		status: http.StatusOK,
	}
}

// Request returns the underlying *http.Request.
func (c *Ctx) Request() *http.Request { return c.req }

// Writer returns the underlying http.ResponseWriter.
func (c *Ctx) Writer() http.ResponseWriter { return c.w }

// Response is an alias for Writer; after a middleware replaces the writer
// via SetWriter (as Logger does), both return the replacement.
func (c *Ctx) Response() http.ResponseWriter { return c.w }

// Header returns the response header map.
func (c *Ctx) Header() http.Header { return c.w.Header() }

// Context returns the request's context.
func (c *Ctx) Context() context.Context { return c.req.Context() }

// Logger returns the router's logger, or slog.Default() if unset.
func (c *Ctx) Logger() *slog.Logger {
	if c.router != nil && c.router.Logger() != nil {
		return c.router.Logger()
	}
	return slog.Default()
}

// StatusCode returns the status code that will be (or was) written.
func (c *Ctx) StatusCode() int { return c.status }

// Status sets the status code to use on the next write. Has no effect once
// the header has already been written.
func (c *Ctx) Status(code int) *Ctx {
	c.status = code
	return c
}

// Param returns a path value set via http.Request.SetPathValue (net/http's
// ServeMux {name} patterns).
func (c *Ctx) Param(name string) string {
	return c.req.PathValue(name)
}

// Query returns the first value of a query parameter.
func (c *Ctx) Query(name string) string {
	if c.req.URL == nil {
		return ""
	}
	return c.req.URL.Query().Get(name)
}

// QueryValues returns the full parsed query string, never nil.
func (c *Ctx) QueryValues() url.Values {
	if c.req.URL == nil {
		return url.Values{}
	}
	return c.req.URL.Query()
}

// Form parses and returns the request's form values (query + urlencoded body).
func (c *Ctx) Form() (url.Values, error) {
	if err := c.req.ParseForm(); err != nil {
		return nil, err
	}
	return c.req.Form, nil
}

// MultipartForm parses a multipart form up to maxMemory bytes held in memory,
// returning a cleanup func that removes any temporary files.
func (c *Ctx) MultipartForm(maxMemory int64) (*multipart.Form, func(), error) {
	if err := c.req.ParseMultipartForm(maxMemory); err != nil {
		return nil, func() {}, err
	}
	form := c.req.MultipartForm
	return form, func() {
		if form != nil {
			_ = form.RemoveAll()
		}
	}, nil
}

// Cookie returns a named request cookie.
func (c *Ctx) Cookie(name string) (*http.Cookie, error) {
	return c.req.Cookie(name)
}

// SetCookie appends a Set-Cookie response header.
func (c *Ctx) SetCookie(cookie *http.Cookie) {
	http.SetCookie(c.w, cookie)
}

// Bind decodes a JSON request body into v, rejecting unknown fields and
// trailing data. maxBytes <= 0 means no limit.
func (c *Ctx) Bind(v any, maxBytes int64) error {
	var r io.Reader = c.req.Body
	if maxBytes > 0 {
		r = http.MaxBytesReader(c.w, c.req.Body, maxBytes)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("webkit: decode request body: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("webkit: unexpected trailing data after JSON body")
	}
	return nil
}

// NoContent writes a 204 response with no body.
func (c *Ctx) NoContent() error {
	c.w.WriteHeader(http.StatusNoContent)
	c.wroteHeader = true
	return nil
}

// Redirect writes a redirect response. code defaults to 302 when 0.
func (c *Ctx) Redirect(code int, target string) error {
	if code == 0 {
		code = http.StatusFound
	}
	http.Redirect(c.w, c.req, target, code)
	c.wroteHeader = true
	return nil
}

func (c *Ctx) writeHeaderOnce(code int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true
	c.w.WriteHeader(code)
}

// JSON writes v as a JSON response with the given status code.
func (c *Ctx) JSON(code int, v any) error {
	if c.Header().Get("Content-Type") == "" {
		c.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeHeaderOnce(code)
	_, err = c.w.Write(body)
	return err
}

// HTML writes s as an HTML response with the given status code.
func (c *Ctx) HTML(code int, s string) error {
	if c.Header().Get("Content-Type") == "" {
		c.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	c.writeHeaderOnce(code)
	_, err := io.WriteString(c.w, s)
	return err
}

// Text writes s as a text/plain response, downgrading to
// application/octet-stream when s is not valid UTF-8.
func (c *Ctx) Text(code int, s string) error {
	if c.Header().Get("Content-Type") == "" {
		if utf8.ValidString(s) {
			c.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else {
			c.Header().Set("Content-Type", "application/octet-stream")
		}
	}
	c.writeHeaderOnce(code)
	_, err := io.WriteString(c.w, s)
	return err
}

// Bytes writes b as a response with the given content type (defaulting to
// application/octet-stream when empty).
func (c *Ctx) Bytes(code int, b []byte, contentType string) error {
	if c.Header().Get("Content-Type") == "" {
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Header().Set("Content-Type", contentType)
	}
	c.writeHeaderOnce(code)
	_, err := c.w.Write(b)
	return err
}

// Write implements io.Writer, honoring Status() on first write.
func (c *Ctx) Write(p []byte) (int, error) {
	c.writeHeaderOnce(c.status)
	return c.w.Write(p)
}

// WriteString writes a string, honoring Status() on first write.
func (c *Ctx) WriteString(s string) (int, error) {
	c.writeHeaderOnce(c.status)
	return io.WriteString(c.w, s)
}

// File serves the file at path, using Status() when code is 0.
func (c *Ctx) File(code int, path string) error {
	if code != 0 {
		c.status = code
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	// ServeContent decides its own status (200, or 206 for a Range request)
	// and calls WriteHeader itself; force it to our status without losing
	// the headers (Content-Type sniffing, Last-Modified, ...) it sets
	// beforehand.
	c.wroteHeader = true
	http.ServeContent(&forcedStatusWriter{ResponseWriter: c.w, status: c.status}, c.req, stat.Name(), stat.ModTime(), f)
	return nil
}

// forcedStatusWriter overrides the status code passed to WriteHeader,
// letting a wrapped handler (e.g. http.ServeContent) set headers normally
// while the caller still controls the final status line.
type forcedStatusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *forcedStatusWriter) WriteHeader(int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(w.status)
}

func (w *forcedStatusWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(w.status)
	}
	return w.ResponseWriter.Write(p)
}

// Download serves the file at path with a Content-Disposition: attachment
// header naming it filename.
func (c *Ctx) Download(code int, path, filename string) error {
	c.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	return c.File(code, path)
}

// Stream calls fn with the response writer, flushing content-type defaults
// first if unset.
func (c *Ctx) Stream(fn func(io.Writer) error) error {
	if c.Header().Get("Content-Type") == "" {
		c.Header().Set("Content-Type", "application/octet-stream")
	}
	c.writeHeaderOnce(c.status)
	return fn(c.w)
}

// SSE streams ch as server-sent events, emitting a final "event: end" and
// stopping early if the request context is canceled. Requires the underlying
// writer to support http.Flusher.
func (c *Ctx) SSE(ch <-chan any) error {
	flusher, ok := c.w.(http.Flusher)
	if !ok {
		return fmt.Errorf("webkit: response writer does not support flushing")
	}

	c.Header().Set("Content-Type", "text/event-stream")
	c.Header().Set("Cache-Control", "no-cache")
	c.Header().Set("Connection", "keep-alive")
	c.writeHeaderOnce(c.status)
	flusher.Flush()

	for {
		select {
		case <-c.req.Context().Done():
			return nil
		case data, open := <-ch:
			if !open {
				_, _ = io.WriteString(c.w, "event: end\ndata: {}\n\n")
				flusher.Flush()
				return nil
			}
			body, err := json.Marshal(data)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			buf.WriteString("data: ")
			buf.Write(body)
			buf.WriteString("\n\n")
			if _, err := c.w.Write(buf.Bytes()); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// Flush flushes the underlying writer if it supports http.Flusher; a no-op
// otherwise.
func (c *Ctx) Flush() {
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

// SetWriter replaces the response writer (used by middleware that wraps it)
// and rebuilds the associated ResponseController.
func (c *Ctx) SetWriter(w http.ResponseWriter) {
	c.w = w
	c.rc = http.NewResponseController(w)
}

// SetWriteDeadline forwards to the underlying ResponseController.
func (c *Ctx) SetWriteDeadline(t time.Time) error {
	return c.rc.SetWriteDeadline(t)
}

// Hijack takes over the connection if the underlying writer supports
// http.Hijacker.
func (c *Ctx) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return c.rc.Hijack()
}

// EnableFullDuplex forwards to the underlying ResponseController.
func (c *Ctx) EnableFullDuplex() error {
	return c.rc.EnableFullDuplex()
}
