package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Request describes work to perform. Payload is passed to the handler as is.
type Request struct {
	ID        string `json:"id,omitempty"`
	Kind      string `json:"kind"`
	PatientID string `json:"patient_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Handler performs one kind of work. ctx is cancelled when the run is
// cancelled; handlers are expected to check it at their own checkpoints and
// return promptly. The returned value becomes the finished event's payload.
type Handler func(ctx context.Context, req Request, emit Emitter) (any, error)

// Handlers is the kind -> handler lookup table consulted on submission.
type Handlers struct {
	mu     sync.RWMutex
	byKind map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{byKind: map[string]Handler{}}
}

func (h *Handlers) Register(kind string, handler Handler) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("handler kind is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", kind)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byKind[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	h.byKind[kind] = handler
	return nil
}

func (h *Handlers) MustRegister(kind string, handler Handler) {
	if err := h.Register(kind, handler); err != nil {
		panic(err)
	}
}

func (h *Handlers) Lookup(kind string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.byKind[kind]
	return handler, ok
}

// Kinds returns the registered kinds in lexical order.
func (h *Handlers) Kinds() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byKind))
	for kind := range h.byKind {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
