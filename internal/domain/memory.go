package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MemoryStore handles persistent storage of accounts, rooms, memories, and facts.
type MemoryStore interface {
	EnsureAccount(ctx context.Context, acct Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)

	EnsureRoom(ctx context.Context, roomID uuid.UUID) error
	EnsureParticipant(ctx context.Context, roomID, userID uuid.UUID) error
	ListParticipants(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error)

	CreateMemory(ctx context.Context, table string, mem Memory) (bool, error)
	GetMemories(ctx context.Context, table string, roomID uuid.UUID, count int) ([]Memory, error)
	CountMemories(ctx context.Context, table string, roomID uuid.UUID) (int, error)

	SaveFact(ctx context.Context, fact Fact) error
	GetFacts(ctx context.Context, roomID uuid.UUID, userID uuid.UUID, limit int) ([]Fact, error)

	Close() error
}

type Account struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

type Fact struct {
	ID         int64     `json:"id"`
	RoomID     uuid.UUID `json:"room_id"`
	UserID     uuid.UUID `json:"user_id"`
	Category   string    `json:"category"`   // fact | preference
	Content    string    `json:"content"`
	Importance int       `json:"importance"` // 1-10
	CreatedAt  time.Time `json:"created_at"`
}
