// Package eventbus delivers each task's events, in publish order, to every
// subscriber attached to that task.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flitsinc/agentruns/internal/idgen"
	"github.com/flitsinc/agentruns/internal/metrics"
)

type Bus struct {
	journal Journal
	logger  *slog.Logger
	metrics *metrics.Metrics
	nowFn   func() time.Time

	mu       sync.RWMutex
	channels map[string]*channel
	global   map[string]*subscriber
}

// channel is the per-task queue. Publishes for one task are serialized by
// mu, which is what gives each subscriber FIFO order.
type channel struct {
	taskID string
	closed atomic.Bool

	mu   sync.Mutex
	subs map[string]*subscriber
}

type Option func(*Bus)

func WithJournal(j Journal) Option {
	return func(b *Bus) {
		b.journal = j
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(b *Bus) {
		if nowFn != nil {
			b.nowFn = nowFn
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		logger:   slog.Default(),
		nowFn:    func() time.Time { return time.Now().UTC() },
		channels: map[string]*channel{},
		global:   map[string]*subscriber{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// OpenChannel establishes the queue for taskID. It must be called before
// the task's first event. A closed channel left over from an earlier run of
// the same id is replaced.
func (b *Bus) OpenChannel(taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return fmt.Errorf("task id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.channels[taskID]; ok && !existing.closed.Load() {
		return fmt.Errorf("%w: %s", ErrChannelOpen, taskID)
	}
	b.channels[taskID] = &channel{taskID: taskID, subs: map[string]*subscriber{}}
	return nil
}

// Publish appends evt to the task's queue and hands it to every attached
// subscriber. Publishing to a closed or unknown channel is logged and
// reported as ErrChannelClosed; nothing is delivered.
func (b *Bus) Publish(taskID string, evt Event) (Event, error) {
	ch := b.channel(taskID)
	if ch == nil {
		return Event{}, b.reject(taskID, evt)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed.Load() {
		return Event{}, b.reject(taskID, evt)
	}

	evt.ID = idgen.Sequential()
	evt.TaskID = taskID
	if evt.TS.IsZero() {
		evt.TS = b.nowFn()
	}

	if b.journal != nil {
		if err := b.journal.Append(context.Background(), evt); err != nil {
			b.logger.Warn("journal event", "task_id", taskID, "type", evt.Type, "error", err)
		}
	}

	for _, sub := range ch.subs {
		sub.enqueue(evt)
	}
	b.mu.RLock()
	for _, sub := range b.global {
		sub.enqueue(evt)
	}
	b.mu.RUnlock()

	b.metrics.EventPublished(string(evt.Type))
	return evt, nil
}

// CloseChannel retires the task's queue. Subscribers drain what was already
// published and then see their stream closed. Closing twice is harmless.
func (b *Bus) CloseChannel(taskID string) {
	ch := b.channel(taskID)
	if ch == nil {
		return
	}
	ch.mu.Lock()
	if ch.closed.Swap(true) {
		ch.mu.Unlock()
		return
	}
	subs := ch.subs
	ch.subs = map[string]*subscriber{}
	ch.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}

	b.mu.Lock()
	if b.channels[taskID] == ch {
		delete(b.channels, taskID)
	}
	b.mu.Unlock()
}

// Subscribe attaches a listener to one task. It receives only events
// published after this call. The stream closes after the task's channel
// closes, when ctx ends, or when unsubscribe is called. Subscribing to a
// task with no open channel yields an already closed stream.
func (b *Bus) Subscribe(ctx context.Context, taskID string) (<-chan Event, func()) {
	sub := newSubscriber(idgen.Sequential())
	ch := b.channel(taskID)
	if ch == nil {
		sub.finish()
		go sub.run()
		return sub.out, func() {}
	}

	ch.mu.Lock()
	if ch.closed.Load() {
		ch.mu.Unlock()
		sub.finish()
		go sub.run()
		return sub.out, func() {}
	}
	ch.subs[sub.id] = sub
	ch.mu.Unlock()

	unsubscribe := func() {
		ch.mu.Lock()
		delete(ch.subs, sub.id)
		ch.mu.Unlock()
		sub.stop()
	}
	go sub.run()
	go watchContext(ctx, sub, unsubscribe)
	return sub.out, unsubscribe
}

// SubscribeAll attaches a listener to every task, including tasks opened
// later. Per-task order is preserved; there is no order across tasks. The
// stream stays open until ctx ends or unsubscribe is called.
func (b *Bus) SubscribeAll(ctx context.Context) (<-chan Event, func()) {
	sub := newSubscriber(idgen.Sequential())
	b.mu.Lock()
	b.global[sub.id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.global, sub.id)
		b.mu.Unlock()
		sub.stop()
	}
	go sub.run()
	go watchContext(ctx, sub, unsubscribe)
	return sub.out, unsubscribe
}

// IsOpen reports whether taskID currently has an open channel.
func (b *Bus) IsOpen(taskID string) bool {
	ch := b.channel(taskID)
	return ch != nil && !ch.closed.Load()
}

// SubscriberCount returns the listeners attached to taskID, or the number of
// SubscribeAll listeners when taskID is empty.
func (b *Bus) SubscriberCount(taskID string) int {
	if taskID == "" {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.global)
	}
	ch := b.channel(taskID)
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// History returns journaled events for taskID. It returns nil when the bus
// has no journal.
func (b *Bus) History(ctx context.Context, taskID string, opts ListOptions) ([]Event, error) {
	if b.journal == nil {
		return nil, nil
	}
	return b.journal.List(ctx, taskID, opts)
}

func (b *Bus) channel(taskID string) *channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channels[taskID]
}

func (b *Bus) reject(taskID string, evt Event) error {
	b.logger.Warn("publish on closed channel", "task_id", taskID, "type", evt.Type)
	b.metrics.EventRejected()
	return fmt.Errorf("%w: %s", ErrChannelClosed, taskID)
}

func watchContext(ctx context.Context, sub *subscriber, unsubscribe func()) {
	if ctx == nil {
		return
	}
	select {
	case <-ctx.Done():
		unsubscribe()
	case <-sub.done:
	}
}
