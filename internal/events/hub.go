package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-grouping/internal/observability"
)

// Sink is an external consumer of lifecycle events. Deliver may be called
// more than once for the same event.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
}

type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Delay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

const subscriberBuffer = 16

type subscriber struct {
	ch chan Event
	// closed is set under Hub.mu once ch has been closed.
	closed bool
}

// Hub queues published events and delivers them from a single goroutine so
// every consumer observes commit order.
type Hub struct {
	logger *slog.Logger
	retry  RetryPolicy
	sinks  []Sink

	mu     sync.Mutex
	seq    uint64
	queue  []Event
	notify chan struct{}
	subs   map[string]map[*subscriber]struct{}

	// deliverMu serialises Run and Flush.
	deliverMu sync.Mutex
}

func NewHub(logger *slog.Logger, retry RetryPolicy, sinks ...Sink) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	return &Hub{
		logger: logger.With("component", "events"),
		retry:  retry,
		sinks:  sinks,
		notify: make(chan struct{}, 1),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Publish appends events to the delivery queue and returns immediately.
func (h *Hub) Publish(evts ...Event) {
	if len(evts) == 0 {
		return
	}
	h.mu.Lock()
	for _, e := range evts {
		h.seq++
		e.Seq = h.seq
		h.queue = append(h.queue, e)
	}
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Subscribe streams events that involve requestID. The returned cancel
// function closes the channel. A subscriber that falls more than
// subscriberBuffer events behind has its channel closed by the hub and has to
// subscribe again.
func (h *Hub) Subscribe(requestID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	set, ok := h.subs[requestID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[requestID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if s.closed {
				return
			}
			h.dropLocked(requestID, s)
		})
	}
}

// Pending returns the number of queued, undelivered events.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Run delivers queued events until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.notify:
			h.Flush(ctx)
		}
	}
}

// Flush delivers everything queued so far, in order.
func (h *Hub) Flush(ctx context.Context) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()
	for {
		h.mu.Lock()
		batch := h.queue
		h.queue = nil
		h.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			h.fanOut(e)
			for _, s := range h.sinks {
				h.deliver(ctx, s, e)
			}
		}
	}
}

func (h *Hub) fanOut(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range e.Members {
		for s := range h.subs[m] {
			select {
			case s.ch <- e:
			default:
				h.logger.Warn("subscriber lagging, closing subscription", "request_id", m, "event", e.Type, "seq", e.Seq)
				h.dropLocked(m, s)
			}
		}
	}
}

func (h *Hub) dropLocked(requestID string, s *subscriber) {
	delete(h.subs[requestID], s)
	if len(h.subs[requestID]) == 0 {
		delete(h.subs, requestID)
	}
	close(s.ch)
	s.closed = true
}

func (h *Hub) deliver(ctx context.Context, s Sink, e Event) {
	if err := deliverWithRetry(ctx, s, e, h.retry); err != nil {
		observability.EventDeliveryErrors.WithLabelValues(s.Name()).Inc()
		h.logger.Error("event delivery failed", "sink", s.Name(), "event", e.Type, "group_id", e.GroupID, "seq", e.Seq, "error", err)
	}
}

func deliverWithRetry(ctx context.Context, s Sink, e Event, p RetryPolicy) error {
	delay := p.Delay
	var err error
	for i := 0; i < p.Attempts; i++ {
		if err = s.Deliver(ctx, e); err == nil {
			return nil
		}
		if i == p.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", s.Name(), ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", s.Name(), p.Attempts, err)
}
