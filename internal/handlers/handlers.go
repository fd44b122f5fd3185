// Package handlers provides the built-in task kinds shipped with agentd.
// Real deployments register their own kinds next to these.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/agentruns/internal/tasks"
)

const (
	KindHello  = "hello"
	KindSlow   = "slow"
	KindThrows = "throws"
)

// Options tunes the built-in handlers. Zero values pick the defaults.
type Options struct {
	// StepDelay is the pause between progress steps.
	StepDelay time.Duration
	// SlowSteps is how many steps the slow kind performs.
	SlowSteps int
}

func (o Options) withDefaults() Options {
	if o.StepDelay <= 0 {
		o.StepDelay = 200 * time.Millisecond
	}
	if o.SlowSteps <= 0 {
		o.SlowSteps = 20
	}
	return o
}

// Register adds the built-in kinds to hs.
func Register(hs *tasks.Handlers, opts Options) error {
	opts = opts.withDefaults()
	for kind, handler := range map[string]tasks.Handler{
		KindHello:  hello(opts),
		KindSlow:   slow(opts),
		KindThrows: throws,
	} {
		if err := hs.Register(kind, handler); err != nil {
			return err
		}
	}
	return nil
}

type helloPayload struct {
	Prompt string `json:"prompt"`
}

func hello(opts Options) tasks.Handler {
	return func(ctx context.Context, req tasks.Request, emit tasks.Emitter) (any, error) {
		var in helloPayload
		if err := decodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		prompt := strings.TrimSpace(in.Prompt)
		if prompt == "" {
			prompt = "world"
		}
		if err := emit.Progress("read", 0.5, "read prompt"); err != nil {
			return nil, err
		}
		if err := Sleep(ctx, opts.StepDelay/4); err != nil {
			return nil, err
		}
		reply := fmt.Sprintf("hello, %s", prompt)
		if req.PatientID != "" {
			reply += fmt.Sprintf(" (patient %s)", req.PatientID)
		}
		return map[string]any{"reply": reply}, nil
	}
}

type slowPayload struct {
	Steps   int `json:"steps"`
	DelayMS int `json:"delay_ms"`
}

func slow(opts Options) tasks.Handler {
	return func(ctx context.Context, req tasks.Request, emit tasks.Emitter) (any, error) {
		in := slowPayload{Steps: opts.SlowSteps, DelayMS: int(opts.StepDelay / time.Millisecond)}
		if err := decodePayload(req.Payload, &in); err != nil {
			return nil, err
		}
		if in.Steps <= 0 {
			in.Steps = opts.SlowSteps
		}
		delay := time.Duration(in.DelayMS) * time.Millisecond
		if delay <= 0 {
			delay = opts.StepDelay
		}
		for i := 1; i <= in.Steps; i++ {
			if err := Sleep(ctx, delay); err != nil {
				return nil, err
			}
			progress := float64(i) / float64(in.Steps)
			if err := emit.Progress(fmt.Sprintf("step-%d", i), progress, fmt.Sprintf("step %d of %d", i, in.Steps)); err != nil {
				return nil, err
			}
		}
		return map[string]any{"steps": in.Steps}, nil
	}
}

var errThrows = errors.New("throws: handler failed on purpose")

func throws(ctx context.Context, req tasks.Request, emit tasks.Emitter) (any, error) {
	return nil, errThrows
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decodePayload maps an opaque payload onto out. A nil payload leaves out
// untouched.
func decodePayload(payload any, out any) error {
	if payload == nil {
		return nil
	}
	var raw []byte
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		raw = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
