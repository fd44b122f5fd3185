// Package tasks executes registered handlers as tracked runs. The runner owns
// the lifecycle: it records the run, opens its event channel, publishes hello,
// runs the handler off the caller's goroutine and settles exactly one terminal
// outcome.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flitsinc/agentruns/internal/async"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/metrics"
	"github.com/flitsinc/agentruns/internal/runs"
)

const DefaultCancelGrace = 5 * time.Second

type Runner struct {
	registry *runs.Registry
	bus      *eventbus.Bus
	handlers *Handlers
	logger   *slog.Logger
	metrics  *metrics.Metrics
	nowFn    func() time.Time
	grace    time.Duration

	// mu serializes lifecycle bookkeeping so a rerun can never observe the
	// previous run's channel still open.
	mu      sync.Mutex
	active  map[string]*execution
	closing bool
	wg      sync.WaitGroup
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(r *Runner) {
		if nowFn != nil {
			r.nowFn = nowFn
		}
	}
}

// WithCancelGrace bounds how long a cancelled handler may keep running before
// the run is settled without it. Zero settles immediately.
func WithCancelGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d >= 0 {
			r.grace = d
		}
	}
}

func NewRunner(registry *runs.Registry, bus *eventbus.Bus, handlers *Handlers, opts ...Option) *Runner {
	if handlers == nil {
		handlers = NewHandlers()
	}
	r := &Runner{
		registry: registry,
		bus:      bus,
		handlers: handlers,
		logger:   slog.Default(),
		nowFn:    time.Now,
		grace:    DefaultCancelGrace,
		active:   map[string]*execution{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type execution struct {
	run     runs.Run
	req     Request
	handler Handler
	emit    *emitter
	cancel  context.CancelCauseFunc

	cancelRequested atomic.Bool
	settled         atomic.Bool
	handlerDone     chan struct{}
}

// Start registers the run, publishes its hello event and schedules the
// handler. It returns once the run is visible as running; the handler's
// outcome arrives later on the event bus.
func (r *Runner) Start(ctx context.Context, req Request) (runs.Run, error) {
	handler, ok := r.handlers.Lookup(req.Kind)
	if !ok {
		return runs.Run{}, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return runs.Run{}, ErrRunnerClosed
	}

	run, err := r.registry.Create(ctx, runs.NewRun{
		ID:        req.ID,
		Kind:      req.Kind,
		PatientID: req.PatientID,
		StartedAt: r.nowFn(),
	})
	if err != nil {
		return runs.Run{}, err
	}
	if err := r.bus.OpenChannel(run.ID); err != nil {
		r.abandon(run, err)
		return runs.Run{}, err
	}

	handlerCtx, cancel := context.WithCancelCause(WithTaskID(context.Background(), run.ID))
	exec := &execution{
		run:         run,
		req:         req,
		handler:     handler,
		emit:        newEmitter(run.ID, r.bus, r.nowFn, r.logger),
		cancel:      cancel,
		handlerDone: make(chan struct{}),
	}
	if _, err := exec.emit.system(eventbus.Event{
		Type:     eventbus.TypeHello,
		Step:     "start",
		Message:  fmt.Sprintf("%s started", run.Kind),
		Progress: eventbus.Float(0),
		Payload:  helloPayload(run),
	}); err != nil {
		cancel(err)
		r.bus.CloseChannel(run.ID)
		r.abandon(run, err)
		return runs.Run{}, err
	}

	r.active[run.ID] = exec
	r.wg.Add(1)
	r.metrics.RunStarted(run.Kind)
	r.logger.Info("run started", "task_id", run.ID, "kind", run.Kind, "seq", run.Seq)

	go r.execute(handlerCtx, exec)
	return run, nil
}

// Cancel requests cancellation of the active run with the given id. Runs
// that already settled are left alone. Unknown ids fail with
// runs.ErrUnknownRun.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	exec := r.active[id]
	r.mu.Unlock()
	if exec == nil {
		if _, err := r.registry.Get(ctx, id); err != nil {
			return err
		}
		return nil
	}
	if exec.settled.Load() || !exec.cancelRequested.CompareAndSwap(false, true) {
		return nil
	}
	exec.emit.close()
	exec.cancel(ErrCanceled)
	r.logger.Info("run cancel requested", "task_id", id)

	async.Go(r.logger, "tasks.cancel_grace", func() {
		r.awaitHandler(exec)
	})
	return nil
}

// Active reports whether a run with the given id is executing.
func (r *Runner) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// ActiveIDs returns the ids of executing runs in lexical order.
func (r *Runner) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Runner) Kinds() []string {
	return r.handlers.Kinds()
}

// Shutdown stops accepting runs, cancels everything in flight and waits for
// each run to settle or for ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	for _, id := range r.ActiveIDs() {
		if err := r.Cancel(ctx, id); err != nil && !errors.Is(err, runs.ErrUnknownRun) {
			r.logger.Warn("cancel on shutdown failed", "task_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(ctx context.Context, exec *execution) {
	var result any
	err := async.Call(func() error {
		var herr error
		result, herr = exec.handler(ctx, exec.req, exec.emit)
		return herr
	})
	close(exec.handlerDone)

	switch {
	case exec.cancelRequested.Load():
		r.settle(exec, runs.StatusCanceled, "", nil)
	case err != nil:
		var panicErr *async.PanicError
		if errors.As(err, &panicErr) {
			r.logger.Error("handler panicked", "task_id", exec.run.ID, "kind", exec.run.Kind, "panic", panicErr.Value, "stack", string(panicErr.Stack))
		}
		r.logger.Warn("run failed", "task_id", exec.run.ID, "kind", exec.run.Kind, "error", err)
		r.settle(exec, runs.StatusError, err.Error(), nil)
	default:
		r.settle(exec, runs.StatusSuccess, "", result)
	}
}

// awaitHandler gives a cancelled handler the grace period to return before
// settling the run on its behalf.
func (r *Runner) awaitHandler(exec *execution) {
	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	select {
	case <-exec.handlerDone:
	case <-timer.C:
		r.logger.Warn("handler ignored cancellation, detaching", "task_id", exec.run.ID, "kind", exec.run.Kind, "grace", r.grace)
		r.settle(exec, runs.StatusCanceled, "", nil)
	}
}

// settle publishes the terminal event, records the outcome and closes the
// channel, in that order. Only the first caller per execution has effect.
func (r *Runner) settle(exec *execution, status runs.Status, reason string, result any) {
	if !exec.settled.CompareAndSwap(false, true) {
		return
	}
	defer r.wg.Done()
	defer exec.cancel(nil)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := exec.run.ID
	if _, err := exec.emit.seal(terminalEvent(status, reason, result)); err != nil {
		r.logger.Error("publish terminal event failed", "task_id", id, "status", status, "error", err)
	}

	finishedAt := r.nowFn()
	_, err := r.registry.Finalize(context.Background(), id, runs.Outcome{
		Status:     status,
		FinishedAt: finishedAt,
		Reason:     reason,
	})
	switch {
	case errors.Is(err, runs.ErrAlreadyFinalized):
		r.logger.Debug("run already finalized", "task_id", id, "status", status, "error", err)
	case err != nil:
		r.logger.Error("finalize run failed", "task_id", id, "status", status, "error", err)
	}

	r.bus.CloseChannel(id)
	if r.active[id] == exec {
		delete(r.active, id)
	}
	r.metrics.RunFinished(exec.run.Kind, string(status), finishedAt.Sub(exec.run.StartedAt))
	r.logger.Info("run finished", "task_id", id, "kind", exec.run.Kind, "status", status, "duration", finishedAt.Sub(exec.run.StartedAt))
}

// abandon finalizes a run whose startup failed after it was recorded.
func (r *Runner) abandon(run runs.Run, cause error) {
	if _, err := r.registry.Finalize(context.Background(), run.ID, runs.Outcome{
		Status:     runs.StatusError,
		FinishedAt: r.nowFn(),
		Reason:     cause.Error(),
	}); err != nil {
		r.logger.Error("finalize abandoned run failed", "task_id", run.ID, "error", err)
	}
}

func helloPayload(run runs.Run) map[string]any {
	payload := map[string]any{"kind": run.Kind, "seq": run.Seq}
	if run.PatientID != "" {
		payload["patient_id"] = run.PatientID
	}
	return payload
}

func terminalEvent(status runs.Status, reason string, result any) eventbus.Event {
	switch status {
	case runs.StatusSuccess:
		return eventbus.Event{
			Type:     eventbus.TypeFinished,
			Step:     "done",
			Message:  "completed",
			Progress: eventbus.Float(1),
			Payload:  result,
		}
	case runs.StatusCanceled:
		return eventbus.Event{
			Type:    eventbus.TypeCancelled,
			Step:    "cancelled",
			Message: "run cancelled",
		}
	default:
		return eventbus.Event{
			Type:    eventbus.TypeError,
			Step:    "failed",
			Message: reason,
		}
	}
}
