package bus

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var got []Event
	eb.On(EventMessageSent, func(e Event) { got = append(got, e) })

	eb.Emit(Event{Type: EventMessageSent, Payload: map[string]any{"room": "r1"}})

	if len(got) != 1 {
		t.Fatalf("expected 1 event received, got %d", len(got))
	}
	if got[0].Payload["room"] != "r1" {
		t.Errorf("payload lost: %v", got[0].Payload)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	count := 0
	eb.On("*", func(e Event) { count++ })

	eb.Emit(Event{Type: EventMessageReceived})
	eb.Emit(Event{Type: EventRelayError})

	if count != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	count := 0
	first := eb.On("test", func(e Event) { count++ })
	eb.On("test", func(e Event) { count += 10 })

	eb.Emit(Event{Type: "test"})
	eb.Off("test", first)
	eb.Emit(Event{Type: "test"})

	if count != 21 {
		t.Errorf("expected 21 after unsubscribing the first handler, got %d", count)
	}
}

func TestEventBus_HandlerIDsUniqueAfterOff(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	a := eb.On("test", func(Event) {})
	eb.Off("test", a)
	b := eb.On("test", func(Event) {})
	if a == b {
		t.Fatalf("handler id reused: %s", a)
	}
}

func TestEventBus_OrderSpecificBeforeWildcard(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var order []string
	eb.On("*", func(Event) { order = append(order, "wild") })
	eb.On("x", func(Event) { order = append(order, "one") })
	eb.On("x", func(Event) { order = append(order, "two") })

	eb.Emit(Event{Type: "x"})

	want := []string{"one", "two", "wild"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	if events := eb.Replay("a", time.Time{}); len(events) != 2 {
		t.Errorf("expected 2 'a' events, got %d", len(events))
	}
	if all := eb.Replay("*", time.Time{}); len(all) != 3 {
		t.Errorf("expected 3 total events, got %d", len(all))
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "new"})

	if events := eb.Replay("*", threshold); len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	after := false
	eb.On("panic", func(e Event) { panic("test panic") })
	eb.On("panic", func(e Event) { after = true })

	eb.Emit(Event{Type: "panic"})

	if !after {
		t.Error("handler after the panicking one should still run")
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "test"})

	events := eb.Replay("test", time.Time{})
	if len(events) == 0 {
		t.Fatal("expected at least 1 event")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}
