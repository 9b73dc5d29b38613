package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrHandleClosed is returned by Acquire after Close.
var ErrHandleClosed = errors.New("llm: handle closed")

// Loader produces the model behind a Handle. It is called lazily on first
// Acquire and again after an idle unload.
type Loader func(ctx context.Context) (Model, error)

// Static returns a Loader that always yields m.
func Static(m Model) Loader {
	return func(context.Context) (Model, error) { return m, nil }
}

// Handle owns a single model and leases it to one holder at a time.
//
// References count holders and waiters. When the count drops to zero and
// unload-when-idle is enabled, the model is unloaded and reloaded on the next
// Acquire.
type Handle struct {
	name   string
	load   Loader
	unload func(Model) error
	idle   bool
	logger *slog.Logger

	lease chan struct{}

	mu     sync.Mutex
	model  Model
	refs   int
	loads  int
	closed bool
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithUnload sets the function that releases a loaded model.
func WithUnload(fn func(Model) error) HandleOption {
	return func(h *Handle) { h.unload = fn }
}

// WithUnloadWhenIdle unloads the model whenever no one holds or waits for it.
func WithUnloadWhenIdle(enabled bool) HandleOption {
	return func(h *Handle) { h.idle = enabled }
}

// WithHandleLogger sets the handle logger.
func WithHandleLogger(logger *slog.Logger) HandleOption {
	return func(h *Handle) { h.logger = logger }
}

// NewHandle creates a handle for the model produced by load.
func NewHandle(name string, load Loader, opts ...HandleOption) *Handle {
	h := &Handle{
		name:  name,
		load:  load,
		lease: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "llm_handle", "model", name)
	return h
}

// Name returns the handle name.
func (h *Handle) Name() string {
	return h.name
}

// Acquire blocks until the caller holds the exclusive lease, loading the model
// if needed. Every successful Acquire must be paired with Release.
func (h *Handle) Acquire(ctx context.Context) (Model, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHandleClosed
	}
	h.refs++
	h.mu.Unlock()

	select {
	case h.lease <- struct{}{}:
	case <-ctx.Done():
		h.drop()
		return nil, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		<-h.lease
		h.refs--
		return nil, ErrHandleClosed
	}
	if h.model == nil {
		m, err := h.load(ctx)
		if err != nil {
			<-h.lease
			h.refs--
			return nil, fmt.Errorf("load model %s: %w", h.name, err)
		}
		h.model = m
		h.loads++
		h.logger.Debug("model loaded", "loads", h.loads)
	}
	return h.model, nil
}

// Release returns the lease taken by Acquire.
func (h *Handle) Release() {
	<-h.lease
	h.drop()
}

func (h *Handle) drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.idle && h.model != nil {
		h.unloadLocked()
	}
}

func (h *Handle) unloadLocked() {
	m := h.model
	h.model = nil
	if h.unload == nil {
		return
	}
	if err := h.unload(m); err != nil {
		h.logger.Warn("model unload failed", "error", err)
		return
	}
	h.logger.Debug("model unloaded")
}

// Refs returns the number of current holders and waiters.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Loads returns how many times the model has been loaded.
func (h *Handle) Loads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loads
}

// Close unloads the model and rejects further Acquire calls. A holder that
// still has the lease may finish its call.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.model != nil {
		h.unloadLocked()
	}
	return nil
}
