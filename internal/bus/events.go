package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Well-known relay event types.
const (
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"
	EventGenerationEmpty = "generation.empty"
	EventRelayError      = "relay.error"
	EventMessageHandled  = "message.handled"
	EventClientStarted   = "client.started"
)

const defaultMaxHistory = 1000

// Event is a relay-internal notification. Payload keys are event specific:
// "room", "message_id", "duration", "err".
type Event struct {
	Type      string
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a synchronous topic-based pub/sub with a bounded replay buffer.
// Subscribing to "*" receives every event.
type EventBus struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	nextID     uint64
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

type namedHandler struct {
	id      string
	handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		maxHistory: defaultMaxHistory,
		logger:     logger,
	}
}

// On registers handler for eventType and returns an id for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eventType + "#" + strconv.FormatUint(eb.nextID, 10)
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{id: id, handler: handler})
	return id
}

// Off removes a handler by its id.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.id == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers event to specific then wildcard handlers, in registration
// order, on the caller's goroutine. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	targets := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	targets = append(targets, eb.handlers[event.Type]...)
	if event.Type != "*" {
		targets = append(targets, eb.handlers["*"]...)
	}
	eb.mu.Unlock()

	for _, h := range targets {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) dispatch(h namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.id, "panic", r)
		}
	}()
	h.handler(event)
}

// Replay returns past events of eventType ("*" for all) at or after since.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}
