// Package agent is the host-facing facade over run execution: submit,
// cancel, list and subscribe.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/idgen"
	"github.com/flitsinc/agentruns/internal/runs"
	"github.com/flitsinc/agentruns/internal/tasks"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrDuplicateActiveRun = runs.ErrDuplicateActiveRun
	ErrUnknownRun         = runs.ErrUnknownRun
	ErrUnknownKind        = tasks.ErrUnknownKind
)

// InterruptedReason is recorded on runs left running by a previous process.
const InterruptedReason = "interrupted"

type Service struct {
	registry *runs.Registry
	bus      *eventbus.Bus
	runner   *tasks.Runner
	logger   *slog.Logger
	newID    func() string
	nowFn    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIDGenerator replaces the generator used for requests without an id.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(s *Service) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func New(registry *runs.Registry, bus *eventbus.Bus, runner *tasks.Runner, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		bus:      bus,
		runner:   runner,
		logger:   slog.Default(),
		newID:    idgen.New,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run submits req and returns the id of the new run. The hello event has
// been published by the time Run returns.
func (s *Service) Run(ctx context.Context, req tasks.Request) (string, error) {
	req.Kind = strings.TrimSpace(req.Kind)
	if req.Kind == "" {
		return "", fmt.Errorf("%w: kind is required", ErrInvalidRequest)
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		req.ID = s.newID()
	} else if err := idgen.ValidateRunID(req.ID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	run, err := s.runner.Start(ctx, req)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// Cancel requests cancellation of id. Cancelling a finished run is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRequest)
	}
	return s.runner.Cancel(ctx, id)
}

// ListRuns returns runs newest first. limit <= 0 returns all of them.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]runs.Run, error) {
	return s.registry.List(ctx, limit)
}

// GetRun returns the most recent run recorded under id.
func (s *Service) GetRun(ctx context.Context, id string) (runs.Run, error) {
	return s.registry.Get(ctx, id)
}

// History returns every run recorded under id, newest first.
func (s *Service) History(ctx context.Context, id string) ([]runs.Run, error) {
	items, err := s.registry.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return items, nil
}

// Subscribe streams live events for id, or for every run when id is empty.
// Per-run streams end after the terminal event. Call the returned function
// to detach.
func (s *Service) Subscribe(ctx context.Context, id string) (<-chan eventbus.Event, func()) {
	if id == "" {
		return s.bus.SubscribeAll(ctx)
	}
	return s.bus.Subscribe(ctx, id)
}

// Events returns the journaled events of the most recent run of id.
func (s *Service) Events(ctx context.Context, id string) ([]eventbus.Event, error) {
	run, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.bus.History(ctx, id, eventbus.ListOptions{Since: run.StartedAt})
}

func (s *Service) Kinds() []string {
	return s.runner.Kinds()
}

// RecoverOrphans finalizes runs a previous process left running. Call it
// before accepting submissions.
func (s *Service) RecoverOrphans(ctx context.Context) (int, error) {
	n, err := s.registry.FailOrphans(ctx, s.nowFn(), InterruptedReason)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("recovered interrupted runs", "count", n)
	}
	return n, nil
}

// Shutdown cancels active runs and waits for them to settle.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.runner.Shutdown(ctx)
}
