// Package agent is the conversational runtime behind the relay: it keeps
// track of accounts and rooms, composes prompt state from stored memories,
// calls the model, and runs actions and evaluators on the result.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"xmtprelay/internal/domain"
	"xmtprelay/internal/memory"
)

// ErrNoProvider is returned by generation when no LLM provider is configured.
var ErrNoProvider = errors.New("no LLM provider configured")

// GenerationOptions tune model calls.
type GenerationOptions struct {
	Temperature *float64 // nil leaves the provider default
	MaxTokens   int
	MaxAttempts int // parse attempts before giving up on a reply
}

type RuntimeConfig struct {
	Character        *Character
	Store            domain.MemoryStore
	Provider         domain.Provider
	Actions          []*Action         // nil = built-in actions
	Evaluators       []*Evaluator      // nil = built-in evaluators
	ContextProviders []ContextProvider // nil = built-in providers
	Generation       GenerationOptions
	RecentMessages   int
	Logger           *slog.Logger
}

// Runtime implements domain.Runtime.
type Runtime struct {
	character      *Character
	agentID        uuid.UUID
	store          domain.MemoryStore
	provider       domain.Provider
	actions        []*Action
	evaluators     []*Evaluator
	providers      []ContextProvider
	gen            GenerationOptions
	recentMessages int
	messages       *messageManager
	logger         *slog.Logger
}

var _ domain.Runtime = (*Runtime)(nil)

func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Character == nil {
		return nil, fmt.Errorf("runtime: character is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("runtime: memory store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	agentID, err := cfg.Character.AgentID()
	if err != nil {
		return nil, err
	}
	if cfg.Actions == nil {
		cfg.Actions = BuiltinActions()
	}
	if cfg.Evaluators == nil {
		cfg.Evaluators = BuiltinEvaluators()
	}
	if cfg.ContextProviders == nil {
		cfg.ContextProviders = BuiltinContextProviders()
	}
	if cfg.Generation.MaxAttempts < 1 {
		cfg.Generation.MaxAttempts = 3
	}
	if cfg.RecentMessages < 1 {
		cfg.RecentMessages = 32
	}

	return &Runtime{
		character:      cfg.Character,
		agentID:        agentID,
		store:          cfg.Store,
		provider:       cfg.Provider,
		actions:        cfg.Actions,
		evaluators:     cfg.Evaluators,
		providers:      cfg.ContextProviders,
		gen:            cfg.Generation,
		recentMessages: cfg.RecentMessages,
		messages:       &messageManager{store: cfg.Store, table: memory.TableMessages, logger: cfg.Logger},
		logger:         cfg.Logger,
	}, nil
}

func (r *Runtime) AgentID() uuid.UUID    { return r.agentID }
func (r *Runtime) AgentName() string     { return r.character.Name }
func (r *Runtime) Character() *Character { return r.character }

// Messages returns the manager for conversation messages.
func (r *Runtime) Messages() domain.MemoryManager { return r.messages }

// EnsureConnection makes sure the user, the agent and the room exist and
// that both are participants of the room. Safe to call repeatedly.
func (r *Runtime) EnsureConnection(ctx context.Context, userID, roomID uuid.UUID, userName, name, source string) error {
	if err := r.store.EnsureAccount(ctx, domain.Account{
		ID:       r.agentID,
		Name:     r.character.Name,
		Username: r.character.Username,
		Source:   "agent",
	}); err != nil {
		return fmt.Errorf("ensure agent account: %w", err)
	}
	if userID != r.agentID {
		if err := r.store.EnsureAccount(ctx, domain.Account{
			ID:       userID,
			Name:     name,
			Username: userName,
			Source:   source,
		}); err != nil {
			return fmt.Errorf("ensure account %s: %w", userID, err)
		}
	}
	if err := r.store.EnsureRoom(ctx, roomID); err != nil {
		return fmt.Errorf("ensure room %s: %w", roomID, err)
	}
	for _, id := range []uuid.UUID{r.agentID, userID} {
		if err := r.store.EnsureParticipant(ctx, roomID, id); err != nil {
			return fmt.Errorf("ensure participant %s in %s: %w", id, roomID, err)
		}
	}
	return nil
}

// messageManager is a domain.MemoryManager bound to one memory table.
type messageManager struct {
	store  domain.MemoryStore
	table  string
	logger *slog.Logger
}

// CreateMemory stores mem. A memory whose id is already stored is skipped.
func (m *messageManager) CreateMemory(ctx context.Context, mem domain.Memory) error {
	created, err := m.store.CreateMemory(ctx, m.table, mem)
	if err != nil {
		return fmt.Errorf("create memory %s: %w", mem.ID, err)
	}
	if !created {
		m.logger.Debug("memory already exists, skipped", "table", m.table, "id", mem.ID)
	}
	return nil
}

func (m *messageManager) GetMemories(ctx context.Context, roomID uuid.UUID, count int) ([]domain.Memory, error) {
	return m.store.GetMemories(ctx, m.table, roomID, count)
}

func (m *messageManager) CountMemories(ctx context.Context, roomID uuid.UUID) (int, error) {
	return m.store.CountMemories(ctx, m.table, roomID)
}
