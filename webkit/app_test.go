package webkit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

func mustListen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func tryGetBody(url string) (int, string, error) {
	client := http.Client{Timeout: 2 * time.Second}
	res, err := client.Get(url)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = res.Body.Close() }()
	b, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(b), nil
}

func isBenignServeErr(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

func TestLoggerGetterAndSetLogger(t *testing.T) {
	app := New()
	if app.Logger() == nil {
		t.Fatal("Logger() returned nil")
	}

	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	app.SetLogger(lg)
	if app.Logger() != lg {
		t.Fatal("Logger() did not reflect SetLogger change")
	}
	app.Logger().Info("test-log", "k", "v")
}

func TestServeContext_EarlyServeError(t *testing.T) {
	app := New()
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: app}

	want := errors.New("boom")
	err := app.ServeContext(context.Background(), srv, func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("want early error %v, got %v", want, err)
	}
}

func TestHealthz_ReadinessFlip(t *testing.T) {
	app := New(WithPreShutdownDelay(0), WithShutdownTimeout(200*time.Millisecond))
	app.Compat.Handle("/healthz", app.HealthzHandler())

	ln := mustListen(t)
	defer func() { _ = ln.Close() }()

	srv := &http.Server{Addr: ln.Addr().String(), Handler: app}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = app.ServeContext(ctx, srv, func() error { return srv.Serve(ln) })
	}()

	code, _, err := tryGetBody("http://" + ln.Addr().String() + "/healthz")
	if err != nil || code != http.StatusOK {
		t.Fatalf("health before shutdown = %d, err=%v, want 200", code, err)
	}

	cancel()
	time.Sleep(20 * time.Millisecond)

	code2, _, err2 := tryGetBody("http://" + ln.Addr().String() + "/healthz")
	if err2 == nil && code2 != http.StatusServiceUnavailable {
		t.Fatalf("health after shutdown = %d, want 503 (err=%v)", code2, err2)
	}

	wg.Wait()
}

func TestGracefulDrain_CompletesInFlight(t *testing.T) {
	app := New(WithPreShutdownDelay(0), WithShutdownTimeout(500*time.Millisecond))
	app.Get("/slow", func(c *Ctx) error {
		time.Sleep(120 * time.Millisecond)
		return c.Text(200, "ok")
	})

	ln := mustListen(t)
	defer func() { _ = ln.Close() }()
	srv := &http.Server{Addr: ln.Addr().String(), Handler: app}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.ServeContext(ctx, srv, func() error { return srv.Serve(ln) })
	}()

	type resp struct {
		code int
		body string
		err  error
	}
	resCh := make(chan resp, 1)
	go func() {
		code, body, err := tryGetBody("http://" + ln.Addr().String() + "/slow")
		resCh <- resp{code, body, err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case r := <-resCh:
		if r.err != nil || r.code != 200 || r.body != "ok" {
			t.Fatalf("response = %d %q err=%v, want 200 'ok' nil", r.code, r.body, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request did not complete under graceful drain")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("ServeContext returned error: %v", err)
	}
}

func TestShutdownTimeout_ClosesAndCancelsBaseContext(t *testing.T) {
	app := New(WithPreShutdownDelay(0), WithShutdownTimeout(60*time.Millisecond))

	seenCancel := make(chan struct{}, 1)

	app.Get("/block", func(c *Ctx) error {
		select {
		case <-c.Request().Context().Done():
			seenCancel <- struct{}{}
			time.Sleep(5 * time.Millisecond)
			return nil
		case <-time.After(5 * time.Second):
			return c.Text(200, "unexpected")
		}
	})

	ln := mustListen(t)
	defer func() { _ = ln.Close() }()
	srv := &http.Server{Addr: ln.Addr().String(), Handler: app}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- app.ServeContext(ctx, srv, func() error { return srv.Serve(ln) })
	}()

	go func() {
		_, _, _ = tryGetBody("http://" + ln.Addr().String() + "/block")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-seenCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not observe base context cancellation after timeout")
	}

	if err := <-done; err != nil {
		t.Fatalf("ServeContext returned error after timeout path: %v", err)
	}
}

func TestApp_Serve_WithSignals(t *testing.T) {
	app := New()
	ln := mustListen(t)
	defer func() { _ = ln.Close() }()

	done := make(chan error, 1)
	go func() {
		done <- app.Serve(ln)
	}()

	time.Sleep(30 * time.Millisecond)
	_ = ln.Close()

	err := <-done
	if !isBenignServeErr(err) {
		t.Fatalf("Serve returned unexpected error: %v", err)
	}
}

func TestServeWithSignals_ParentContextCancel(t *testing.T) {
	app := New()
	ln := mustListen(t)
	defer func() { _ = ln.Close() }()

	srv := &http.Server{Addr: ln.Addr().String(), Handler: app}

	parent, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- app.ServeContext(parent, srv, func() error { return srv.Serve(ln) })
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	err := <-done
	if !isBenignServeErr(err) {
		t.Fatalf("ServeContext with canceled parent returned unexpected error: %v", err)
	}
}
