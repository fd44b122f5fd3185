package eventbus

import "sync"

// subscriber buffers events without bound so a slow reader never blocks a
// publisher and never loses an event. A dedicated goroutine moves events
// from the queue to out.
type subscriber struct {
	id  string
	out chan Event

	mu        sync.Mutex
	queue     []Event
	finishing bool
	wake      chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func newSubscriber(id string) *subscriber {
	return &subscriber{
		id:      id,
		out:     make(chan Event),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *subscriber) enqueue(evt Event) {
	s.mu.Lock()
	if s.finishing {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	s.signal()
}

// finish marks the end of input; out closes once the queue is drained.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.finishing = true
	s.mu.Unlock()
	s.signal()
}

// stop abandons delivery immediately.
func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
	})
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		finishing := s.finishing
		s.mu.Unlock()

		if len(batch) == 0 {
			if finishing {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stopped:
				return
			}
		}

		for _, evt := range batch {
			select {
			case s.out <- evt:
			case <-s.stopped:
				return
			}
		}
	}
}
