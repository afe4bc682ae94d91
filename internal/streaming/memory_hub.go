package streaming

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultBufferSize = 64

type subscription struct {
	id     string
	filter EventFilter
	ch     chan DebugEvent
}

// MemoryHub is an in-process EventHub. Publish never blocks: slow
// subscribers drop events rather than stalling the session.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	buffer int
	logger *slog.Logger
}

// NewMemoryHub creates an in-process event hub.
func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{
		subs:   make(map[string]*subscription),
		buffer: defaultBufferSize,
		logger: logger,
	}
}

// Publish fans the event out to every matching subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event DebugEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matches(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.logger.WarnContext(ctx, "dropping event for slow subscriber",
				slog.String("subscription_id", sub.id),
				slog.String("event_type", event.EventType),
				slog.String("session_id", event.SessionID))
		}
	}
	return nil
}

// Subscribe registers a new subscriber. The returned cancel func removes
// the subscription and closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan DebugEvent, func(), error) {
	sub := &subscription{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan DebugEvent, h.buffer),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub.id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}

	// Detach automatically when the subscriber's context ends.
	go func() {
		<-ctx.Done()
		cancel()
	}()

	return sub.ch, cancel, nil
}

func matches(filter EventFilter, event DebugEvent) bool {
	if filter.SessionID != "" && filter.SessionID != event.SessionID {
		return false
	}
	if len(filter.EventTypes) > 0 {
		for _, et := range filter.EventTypes {
			if et == event.EventType {
				return true
			}
		}
		return false
	}
	return true
}
