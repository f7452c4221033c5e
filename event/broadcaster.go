package event

import (
	"sync"
	"sync/atomic"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 1000

// Sink is the append-only publish channel the engine writes to.
type Sink interface {
	Publish(ev core.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev core.Event)

// Publish calls f.
func (f SinkFunc) Publish(ev core.Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(core.Event) {})

// Filter selects the events a subscription receives. An empty filter
// receives everything.
type Filter struct {
	ExecutionID string
	ProjectID   string
	Kinds       []core.EventKind
}

func (f Filter) match(ev core.Event) bool {
	if f.ExecutionID != "" && ev.ExecutionID != f.ExecutionID {
		return false
	}
	if f.ProjectID != "" && ev.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if ev.Kind == k {
			return true
		}
	}
	return false
}

// Options configures a Broadcaster.
type Options struct {
	BufferSize int
	Logger     logging.Logger
}

// Broadcaster fans events out to subscribers. Publish never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// counted.
type Broadcaster struct {
	bufferSize int
	logger     logging.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

var _ Sink = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(optFns ...func(o *Options)) *Broadcaster {
	opts := Options{
		BufferSize: DefaultBufferSize,
		Logger:     logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	return &Broadcaster{
		bufferSize: opts.BufferSize,
		logger:     logging.WithComponent(opts.Logger, "event"),
		subs:       make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new subscriber. The returned subscription must be
// closed when no longer needed.
func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	ch := make(chan core.Event, b.bufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, ch: ch, C: ch, filter: filter, owner: b}
	if b.closed {
		s.closed = true
		close(ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Broadcaster) Publish(ev core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, s := range b.subs {
		if !s.filter.match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			if b.dropped.Add(1)%100 == 1 {
				b.logger.Warn("subscriber buffer full, dropping events",
					"subscriber", s.id, "kind", string(ev.Kind), "dropped_total", b.dropped.Load())
			}
		}
	}
}

// Published returns how many events were published.
func (b *Broadcaster) Published() uint64 { return b.published.Load() }

// Dropped returns how many deliveries were dropped across all subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.closed = true
		close(s.ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	delete(b.subs, s.id)
}

// Subscription is one subscriber's view of the event stream. C is closed
// when the subscription or the broadcaster is closed.
type Subscription struct {
	C <-chan core.Event

	id      uint64
	ch      chan core.Event
	filter  Filter
	owner   *Broadcaster
	closed  bool // guarded by owner.mu
	dropped atomic.Uint64
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.owner.remove(s) }

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }
