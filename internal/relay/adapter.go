// Package relay bridges XMTP messages to the agent runtime: every inbound
// message is persisted, answered by the runtime, and the replies are sent
// back on the same conversation.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"xmtprelay/internal/bus"
	"xmtprelay/internal/domain"
	"xmtprelay/internal/identity"
)

// AdapterConfig wires an Adapter to its collaborators.
type AdapterConfig struct {
	Runtime   domain.Runtime
	Transport domain.Transport
	Bus       *bus.EventBus // optional
	Logger    *slog.Logger
	Now       func() time.Time
}

// Adapter handles inbound messages. It keeps no per-message state, so
// OnMessage may be called concurrently if the transport does so.
type Adapter struct {
	runtime   domain.Runtime
	transport domain.Transport
	bus       *bus.EventBus
	logger    *slog.Logger
	now       func() time.Time
}

// outbound is one queued reply.
type outbound struct {
	Content domain.Content
}

func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{
		runtime:   cfg.Runtime,
		transport: cfg.Transport,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// OnMessage handles one inbound message end to end. Failures are logged and
// never returned; nothing is sent back to the sender when handling fails.
func (a *Adapter) OnMessage(ctx context.Context, msg domain.InboundMessage) {
	start := a.now()
	text := "no text"
	if msg.Content.Text != nil {
		text = *msg.Content.Text
	}
	a.logger.Info(fmt.Sprintf("Decoded message: %s by %s", text, msg.Sender.Address))
	a.emit(bus.EventMessageReceived, map[string]any{"message_id": msg.ID, "sender": msg.Sender.Address})

	err := a.safeHandle(ctx, msg)
	if err != nil {
		a.logger.Error("Error in onMessage", "err", err, "message_id", msg.ID)
		a.emit(bus.EventRelayError, map[string]any{"message_id": msg.ID, "err": err.Error()})
	}
	a.emit(bus.EventMessageHandled, map[string]any{
		"message_id": msg.ID,
		"duration":   a.now().Sub(start),
		"ok":         err == nil,
	})
}

func (a *Adapter) safeHandle(ctx context.Context, msg domain.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.handle(ctx, msg)
}

func (a *Adapter) handle(ctx context.Context, msg domain.InboundMessage) error {
	rt := a.runtime
	agentID := rt.AgentID()

	messageID := identity.StringToUUID(msg.ID)
	userID := identity.StringToUUID(msg.Sender.Address)
	roomID := identity.StringToUUID(msg.Group.ID)

	if err := rt.EnsureConnection(ctx, userID, roomID, msg.Sender.Address, msg.Sender.Address, domain.SourceXMTP); err != nil {
		return fmt.Errorf("ensure connection: %w", err)
	}

	userMessage := domain.UserMessage{
		Content: domain.Content{Text: msg.Content.TextOrEmpty(), Source: domain.SourceXMTP},
		UserID:  userID,
		RoomID:  roomID,
		AgentID: agentID,
	}
	inbound := domain.Memory{
		ID:        messageID,
		AgentID:   agentID,
		UserID:    userID,
		RoomID:    roomID,
		Content:   userMessage.Content,
		CreatedAt: a.now().UnixMilli(),
	}
	if err := rt.Messages().CreateMemory(ctx, inbound); err != nil {
		return fmt.Errorf("persist inbound memory: %w", err)
	}

	state, err := rt.ComposeState(ctx, userMessage, map[string]string{"agentName": rt.AgentName()})
	if err != nil {
		return fmt.Errorf("compose state: %w", err)
	}
	contextText := rt.ComposeContext(state, MessageHandlerTemplate)

	response, err := rt.GenerateMessageResponse(ctx, contextText, domain.ModelLarge)
	if err != nil {
		return fmt.Errorf("generate response: %w", err)
	}
	if response == nil {
		a.logger.Error("No response from generateMessageResponse", "message_id", msg.ID, "room", roomID)
		a.emit(bus.EventGenerationEmpty, map[string]any{"message_id": msg.ID, "room": roomID})
		return nil
	}

	reply := domain.Memory{
		ID:        outboundMemoryID(msg.ID, agentID),
		AgentID:   agentID,
		UserID:    agentID,
		RoomID:    roomID,
		Content:   *response,
		CreatedAt: a.now().UnixMilli(),
	}
	if err := rt.Messages().CreateMemory(ctx, reply); err != nil {
		return fmt.Errorf("persist response memory: %w", err)
	}

	queue := []outbound{{Content: domain.Content{
		Text:      response.Text,
		Source:    domain.SourceXMTP,
		InReplyTo: &messageID,
	}}}

	if _, err := rt.Evaluate(ctx, inbound, state); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	callback := func(_ context.Context, content domain.Content) ([]domain.Memory, error) {
		if content.Text != "" {
			queue = append(queue, outbound{Content: domain.Content{Text: content.Text, Source: domain.SourceXMTP}})
		}
		return []domain.Memory{inbound}, nil
	}
	if err := rt.ProcessActions(ctx, inbound, []domain.Memory{reply}, state, callback); err != nil {
		return fmt.Errorf("process actions: %w", err)
	}

	for i, out := range queue {
		err := a.transport.Send(ctx, domain.SendRequest{
			Message:         out.Content.Text,
			OriginalMessage: msg,
			Metadata:        map[string]any{},
		})
		if err != nil {
			return fmt.Errorf("send reply %d of %d: %w", i+1, len(queue), err)
		}
		payload := map[string]any{"message_id": msg.ID, "room": roomID, "text": out.Content.Text}
		if out.Content.InReplyTo != nil {
			payload["in_reply_to"] = *out.Content.InReplyTo
		}
		a.emit(bus.EventMessageSent, payload)
	}
	return nil
}

// outboundMemoryID is stable per inbound message and agent, so a redelivered
// message does not store a second reply.
func outboundMemoryID(messageID string, agentID uuid.UUID) uuid.UUID {
	return identity.StringToUUID(messageID + "-" + agentID.String())
}

func (a *Adapter) emit(eventType string, payload map[string]any) {
	if a.bus == nil {
		return
	}
	a.bus.Emit(bus.Event{Type: eventType, Source: "relay", Payload: payload, Timestamp: a.now()})
}
