package domain

import (
	"context"

	"github.com/google/uuid"
)

// ModelClass selects a model tier from the configured provider.
type ModelClass string

const (
	ModelSmall  ModelClass = "small"
	ModelMedium ModelClass = "medium"
	ModelLarge  ModelClass = "large"
)

// HandlerCallback receives every extra message an action wants to emit.
// The runtime expects the returned memories to acknowledge the triggering message.
type HandlerCallback func(ctx context.Context, content Content) ([]Memory, error)

// MemoryManager persists and reads back conversation memories.
type MemoryManager interface {
	CreateMemory(ctx context.Context, mem Memory) error
	GetMemories(ctx context.Context, roomID uuid.UUID, count int) ([]Memory, error)
}

// Runtime is the agent side of the relay: everything the relay needs to turn
// one inbound message into a reply.
type Runtime interface {
	AgentID() uuid.UUID
	AgentName() string

	EnsureConnection(ctx context.Context, userID, roomID uuid.UUID, userName, name, source string) error
	Messages() MemoryManager
	ComposeState(ctx context.Context, msg UserMessage, overrides map[string]string) (*State, error)
	ComposeContext(state *State, template string) string
	GenerateMessageResponse(ctx context.Context, context string, class ModelClass) (*Content, error)
	Evaluate(ctx context.Context, mem Memory, state *State) ([]string, error)
	ProcessActions(ctx context.Context, mem Memory, responses []Memory, state *State, callback HandlerCallback) error
}

// State is the composed conversational context for one message.
type State struct {
	AgentID        uuid.UUID
	RoomID         uuid.UUID
	UserID         uuid.UUID
	RecentMemories []Memory

	// Values holds the rendered template fields (agentName, bio, recentMessages, ...).
	Values map[string]string
}

// Get returns a template value, or "" when unset.
func (s *State) Get(key string) string {
	if s == nil || s.Values == nil {
		return ""
	}
	return s.Values[key]
}

// Set stores a template value.
func (s *State) Set(key, value string) {
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	s.Values[key] = value
}
