package stream

import (
	"context"
	"sync"
	"time"
)

// Registry owns the cancellation handles of all active subscriber streams so
// the process supervisor can stop them during shutdown.
type Registry struct {
	mu     sync.Mutex
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewRegistry builds a registry rooted in the process context.
func NewRegistry() *Registry {
	root, cancel := context.WithCancel(context.Background())
	return &Registry{root: root, cancel: cancel}
}

// Register derives a stream context from both the request and the registry
// root, so a stream ends when either the client disconnects or the process
// shuts down. The returned done func must be called when the stream exits.
func (r *Registry) Register(reqCtx context.Context) (context.Context, func(), bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(reqCtx)
	stop := context.AfterFunc(r.root, cancel)

	var once sync.Once
	done := func() {
		once.Do(func() {
			stop()
			cancel()
			r.wg.Done()
		})
	}
	return ctx, done, true
}

// Shutdown cancels every active stream and waits up to grace for them to
// exit. Streams still running after the deadline are abandoned rather than
// awaited indefinitely.
func (r *Registry) Shutdown(grace time.Duration) bool {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(grace):
		return false
	}
}
