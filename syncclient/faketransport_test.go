package syncclient_test

import (
	"context"
	"sync"

	"github.com/syncular/syncular-sub002/wire"
)

// fakeTransport is a scriptable syncclient.Transport: tests set the
// PushFunc/PullFunc/FetchChunkFunc they need and leave the rest nil. A nil
// PullFunc answers with an empty OK response; a nil PushFunc or
// FetchChunkFunc fails loudly (nil func call) if called unexpectedly.
type fakeTransport struct {
	mu sync.Mutex

	PushFunc       func(ctx context.Context, req wire.PushRequest) (*wire.PushResponse, error)
	PullFunc       func(ctx context.Context, req wire.PullRequest) (*wire.PullResponse, error)
	FetchChunkFunc func(ctx context.Context, ref wire.ChunkRef) ([]byte, error)

	PushCalls []wire.PushRequest
	PullCalls []wire.PullRequest
}

func (f *fakeTransport) Push(ctx context.Context, req wire.PushRequest) (*wire.PushResponse, error) {
	f.mu.Lock()
	f.PushCalls = append(f.PushCalls, req)
	f.mu.Unlock()
	return f.PushFunc(ctx, req)
}

func (f *fakeTransport) Pull(ctx context.Context, req wire.PullRequest) (*wire.PullResponse, error) {
	f.mu.Lock()
	f.PullCalls = append(f.PullCalls, req)
	f.mu.Unlock()
	if f.PullFunc == nil {
		return &wire.PullResponse{OK: true}, nil
	}
	return f.PullFunc(ctx, req)
}

func (f *fakeTransport) FetchChunk(ctx context.Context, ref wire.ChunkRef) ([]byte, error) {
	return f.FetchChunkFunc(ctx, ref)
}
