package events

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

const defaultBuffer = 64

// Bus is the process-local broadcaster bridging broker events to the
// real-time fan-out, the webhook dispatcher, and the flow coordinator.
// Publish never blocks: each subscriber owns a bounded channel; progress and
// delta events are dropped on overflow, terminal events park in a
// per-subscriber overflow list drained as the consumer catches up.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
	logger arbor.ILogger
}

// NewBus creates an event bus.
func NewBus(logger arbor.ILogger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscription),
		logger: logger,
	}
}

type subscription struct {
	bus    *Bus
	id     int
	filter interfaces.EventFilter
	ch     chan models.Event
	done   chan struct{}

	mu       sync.Mutex
	overflow []models.Event
	flushing bool
	closed   bool
}

func (s *subscription) C() <-chan models.Event {
	return s.ch
}

func (s *subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	// An active flusher may be mid-send; it observes done (or the closed
	// flag) and closes the channel itself.
	if !s.flushing {
		close(s.ch)
	}
}

// deliver applies the overflow policy for one event.
func (s *subscription) deliver(event models.Event) {
	terminal := event.Type.IsTerminal()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// Queued terminals keep their order: once the overflow list is non-empty,
	// later terminals append behind it instead of jumping the channel.
	if terminal && len(s.overflow) > 0 {
		s.overflow = append(s.overflow, event)
		s.ensureFlushLocked()
		return
	}

	select {
	case s.ch <- event:
	default:
		if terminal {
			s.overflow = append(s.overflow, event)
			s.ensureFlushLocked()
		}
		// Progress and delta overflow is dropped.
	}
}

func (s *subscription) ensureFlushLocked() {
	if s.flushing {
		return
	}
	s.flushing = true
	go s.flushLoop()
}

func (s *subscription) flushLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			// Close deferred the channel close to us; flushing stays set so
			// no second closer can race this one.
			s.mu.Unlock()
			close(s.ch)
			return
		}
		if len(s.overflow) == 0 {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		event := s.overflow[0]
		s.mu.Unlock()

		select {
		case s.ch <- event:
			s.mu.Lock()
			s.overflow = s.overflow[1:]
			s.mu.Unlock()
		case <-s.done:
			close(s.ch)
			return
		}
	}
}

func (s *subscription) matches(event models.Event) bool {
	f := s.filter
	if f.Queue != "" && f.Queue != event.Queue {
		return false
	}
	if f.JobID != "" && f.JobID != event.JobID {
		return false
	}
	if f.UserID != "" && f.UserID != event.UserID {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if t == event.Type {
				return true
			}
		}
		return false
	}
	return true
}

// Subscribe registers a bounded consumer for events matching the filter.
func (b *Bus) Subscribe(filter interfaces.EventFilter, buffer int) interfaces.Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		bus:    b,
		id:     b.nextID,
		filter: filter,
		ch:     make(chan models.Event, buffer),
		done:   make(chan struct{}),
	}
	if !b.closed {
		b.subs[sub.id] = sub
	}
	return sub
}

// Publish broadcasts an event to every matching subscriber without blocking.
func (b *Bus) Publish(event models.Event) {
	b.mu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(event) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		sub.deliver(event)
	}
}

// Close shuts down the bus and all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	if b.logger != nil {
		b.logger.Debug().Int("subscribers", len(subs)).Msg("Event bus closed")
	}
}
