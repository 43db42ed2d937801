package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/metrics"
	"github.com/slugsec/deskd/internal/model"
)

// Event kinds published by the control plane.
const (
	KindSessionRequested = "session_requested"
	KindSessionCreated   = "session_created"
	KindSessionDestroyed = "session_destroyed"
	KindSessionExpired   = "session_expired"
	KindSessionExtended  = "session_extended"
	KindSessionError     = "session_error"
	KindHostUnhealthy    = "host_unhealthy"
	KindHostHealthy      = "host_healthy"
	KindProbeCompleted   = "probe_completed"
	KindAdminAction      = "admin_action"
)

// Subscriber receives every published event. Returning an error (or
// panicking) removes the subscriber so one broken listener cannot stall
// publication to the rest.
type Subscriber func(model.Event) error

// Bus is a bounded append-only event log with synchronous fan-out. The
// oldest entries are evicted once capacity is exceeded.
type Bus struct {
	mu       sync.Mutex
	capacity int
	events   []model.Event
	subs     map[uint64]Subscriber
	nextID   uint64
	log      *zap.Logger
}

func NewBus(capacity int, log *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Bus{
		capacity: capacity,
		events:   make([]model.Event, 0, capacity),
		subs:     make(map[uint64]Subscriber),
		log:      log.Named("events"),
	}
}

func (b *Bus) Publish(kind string, level model.EventLevel, userID, message string, meta map[string]string) model.Event {
	ev := model.Event{
		ID:        "evt_" + uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Level:     level,
		UserID:    userID,
		Message:   message,
		Meta:      meta,
	}

	b.mu.Lock()
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
	subs := make(map[uint64]Subscriber, len(b.subs))
	for id, fn := range b.subs {
		subs[id] = fn
	}
	b.mu.Unlock()

	for id, fn := range subs {
		if err := b.deliver(fn, ev); err != nil {
			b.Unsubscribe(id)
			b.log.Warn("event subscriber removed",
				zap.Uint64("subscriber_id", id), zap.Error(err))
		}
	}

	metrics.Default().IncCounter("deskd_events_published_total", map[string]string{"kind": kind})

	switch level {
	case model.LevelError:
		b.log.Error(message, zap.String("kind", kind), zap.String("user_id", userID))
	case model.LevelWarning:
		b.log.Warn(message, zap.String("kind", kind), zap.String("user_id", userID))
	default:
		b.log.Info(message, zap.String("kind", kind), zap.String("user_id", userID))
	}
	return ev
}

func (b *Bus) deliver(fn Subscriber, ev model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(ev)
}

// Recent returns the newest events, oldest first, without blocking
// publishers beyond the copy.
func (b *Bus) Recent(limit int) []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Event, limit)
	copy(out, b.events[n-limit:])
	return out
}

func (b *Bus) Subscribe(fn Subscriber) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	return id
}

func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}
