// Package llmtest provides a scripted llm.Model for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/jackzampolin/narrate/internal/llm"
)

// Reply is one scripted response.
type Reply struct {
	Text string
	Err  error
}

// Model returns scripted replies keyed by pass name. When a pass has a Handler
// it takes precedence over the script. A pass with neither returns Fallback.
type Model struct {
	mu       sync.Mutex
	scripts  map[string][]Reply
	handlers map[string]func(llm.Request) (string, error)
	calls    map[string]int
	requests []llm.Request

	// Fallback is returned when nothing is scripted for a pass.
	Fallback Reply

	// Block, when set, makes Generate wait on it before replying.
	Block chan struct{}
}

// New returns an empty scripted model.
func New() *Model {
	return &Model{
		scripts:  make(map[string][]Reply),
		handlers: make(map[string]func(llm.Request) (string, error)),
		calls:    make(map[string]int),
	}
}

// Script queues replies for a pass. The last reply repeats once the queue is
// drained.
func (m *Model) Script(pass string, replies ...Reply) *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[pass] = append(m.scripts[pass], replies...)
	return m
}

// Text queues plain text replies for a pass.
func (m *Model) Text(pass string, texts ...string) *Model {
	replies := make([]Reply, len(texts))
	for i, t := range texts {
		replies[i] = Reply{Text: t}
	}
	return m.Script(pass, replies...)
}

// Handle installs a handler for a pass.
func (m *Model) Handle(pass string, fn func(llm.Request) (string, error)) *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[pass] = fn
	return m
}

// Generate implements llm.Model.
func (m *Model) Generate(ctx context.Context, req llm.Request) (string, error) {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.calls[req.Pass]++
	m.requests = append(m.requests, req)
	handler := m.handlers[req.Pass]
	var reply Reply
	if script := m.scripts[req.Pass]; len(script) > 0 {
		reply = script[0]
		if len(script) > 1 {
			m.scripts[req.Pass] = script[1:]
		}
	} else {
		reply = m.Fallback
	}
	m.mu.Unlock()

	if handler != nil {
		return handler(req)
	}
	return reply.Text, reply.Err
}

// Calls returns how many times a pass was invoked.
func (m *Model) Calls(pass string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[pass]
}

// TotalCalls returns the number of calls across all passes.
func (m *Model) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// Requests returns a copy of every request received.
func (m *Model) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

var _ llm.Model = (*Model)(nil)
