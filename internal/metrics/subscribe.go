package metrics

import (
	"time"

	"xmtprelay/internal/bus"
)

// Subscribe feeds relay events from eb into the process-wide collector.
func Subscribe(eb *bus.EventBus) {
	eb.On(bus.EventMessageReceived, func(bus.Event) { MessagesReceived.Inc() })
	eb.On(bus.EventMessageSent, func(bus.Event) { RepliesSent.Inc() })
	eb.On(bus.EventGenerationEmpty, func(bus.Event) { EmptyGenerations.Inc() })
	eb.On(bus.EventRelayError, func(bus.Event) { RelayErrors.Inc() })
	eb.On(bus.EventMessageHandled, func(e bus.Event) {
		if d, ok := e.Payload["duration"].(time.Duration); ok {
			HandleLatency.Observe(d.Seconds())
		}
	})
}
