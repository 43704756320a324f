package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/syncular/syncular-sub002/wire"
)

// Transport is the engine's collaborator for talking to a syncserver over
// HTTP. Wire transport specifics beyond message shapes are out of scope
// (spec.md §1); this interface is the documented contract HTTPTransport
// satisfies. The optional realtime fast-path lives in RealtimeClient
// (realtime.go), kept separate because it is opt-in per §4.4.
type Transport interface {
	Push(ctx context.Context, req wire.PushRequest) (*wire.PushResponse, error)
	Pull(ctx context.Context, req wire.PullRequest) (*wire.PullResponse, error)

	// FetchChunk resolves a pull response's ChunkRef into its compressed
	// row-frame-v1 body (§4.5); the caller decompresses and decodes it.
	FetchChunk(ctx context.Context, ref wire.ChunkRef) ([]byte, error)
}

// HTTPTransport implements Transport over plain HTTP push/pull requests
// against a syncserver's §6 endpoints.
type HTTPTransport struct {
	baseURL   string
	client    *http.Client
	authorize func(*http.Request)
}

// NewHTTPTransport builds an HTTPTransport against baseURL (no trailing
// slash), e.g. "https://sync.example.com". authorize, if non-nil, is called
// on every outgoing request to attach credentials (a bearer token, a
// cookie) — authentication itself stays externalized per spec.md §1.
func NewHTTPTransport(baseURL string, client *http.Client, authorize func(*http.Request)) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{baseURL: baseURL, client: client, authorize: authorize}
}

func (t *HTTPTransport) doJSON(ctx context.Context, path string, body, out any) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return fmt.Errorf("syncclient: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("syncclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authorize != nil {
		t.authorize(req)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("syncclient: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("syncclient: %s: server returned %d: %s", path, resp.StatusCode, string(data))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("syncclient: %s: decode response: %w", path, err)
	}
	return nil
}

func (t *HTTPTransport) Push(ctx context.Context, req wire.PushRequest) (*wire.PushResponse, error) {
	var resp wire.PushResponse
	if err := t.doJSON(ctx, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, req wire.PullRequest) (*wire.PullResponse, error) {
	var resp wire.PullResponse
	if err := t.doJSON(ctx, "/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) FetchChunk(ctx context.Context, ref wire.ChunkRef) ([]byte, error) {
	path := fmt.Sprintf("/sync/chunks/%s?encoding=%s&compression=%s", ref.SHA256, ref.Encoding, ref.Compression)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("syncclient: build chunk request: %w", err)
	}
	if t.authorize != nil {
		t.authorize(req)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("syncclient: fetch chunk %s: %w", ref.SHA256, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("syncclient: fetch chunk %s: server returned %d: %s", ref.SHA256, resp.StatusCode, string(data))
	}
	return io.ReadAll(resp.Body)
}
