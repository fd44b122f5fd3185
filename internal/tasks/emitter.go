package tasks

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/flitsinc/agentruns/internal/eventbus"
)

// Emitter is how a handler reports progress on its run.
type Emitter interface {
	// Emit publishes an event of type event or warning. An empty type means
	// event.
	Emit(evt eventbus.Event) error
	Progress(step string, progress float64, message string) error
	Warn(message string) error
}

// emitter fences handler output: once the run is cancelled or settled every
// further call fails with ErrEmitterClosed and nothing reaches the bus.
type emitter struct {
	taskID string
	bus    *eventbus.Bus
	nowFn  func() time.Time
	logger *slog.Logger

	mu           sync.Mutex
	closed       bool
	sealed       bool
	lastProgress float64
}

func newEmitter(taskID string, bus *eventbus.Bus, nowFn func() time.Time, logger *slog.Logger) *emitter {
	return &emitter{taskID: taskID, bus: bus, nowFn: nowFn, logger: logger}
}

func (e *emitter) Emit(evt eventbus.Event) error {
	if evt.Type == "" {
		evt.Type = eventbus.TypeEvent
	}
	if evt.Type != eventbus.TypeEvent && evt.Type != eventbus.TypeWarning {
		return fmt.Errorf("%w: %s", ErrInvalidEventType, evt.Type)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.sealed {
		return ErrEmitterClosed
	}
	_, err := e.publishLocked(evt)
	return err
}

func (e *emitter) Progress(step string, progress float64, message string) error {
	return e.Emit(eventbus.Event{
		Type:     eventbus.TypeEvent,
		Step:     step,
		Message:  message,
		Progress: eventbus.Float(progress),
	})
}

func (e *emitter) Warn(message string) error {
	return e.Emit(eventbus.Event{Type: eventbus.TypeWarning, Message: message})
}

// close rejects further handler output while leaving room for the runner's
// terminal event.
func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// system publishes a runner-owned event such as hello.
func (e *emitter) system(evt eventbus.Event) (eventbus.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return eventbus.Event{}, ErrEmitterClosed
	}
	return e.publishLocked(evt)
}

// seal publishes the terminal event. It succeeds at most once.
func (e *emitter) seal(evt eventbus.Event) (eventbus.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return eventbus.Event{}, ErrEmitterClosed
	}
	e.sealed = true
	e.closed = true
	return e.publishLocked(evt)
}

func (e *emitter) publishLocked(evt eventbus.Event) (eventbus.Event, error) {
	if evt.Progress != nil {
		p := *evt.Progress
		switch {
		case math.IsNaN(p) || math.IsInf(p, 0):
			e.logger.Warn("dropping non-finite progress", "task_id", e.taskID, "last", e.lastProgress)
			p = e.lastProgress
		case p < 0:
			p = 0
		case p > 1:
			p = 1
		}
		if p < e.lastProgress {
			e.logger.Warn("progress went backwards", "task_id", e.taskID, "progress", p, "last", e.lastProgress)
			p = e.lastProgress
		}
		e.lastProgress = p
		evt.Progress = eventbus.Float(p)
	}
	evt.TS = e.nowFn()
	return e.bus.Publish(e.taskID, evt)
}
