package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"xmtprelay/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// TableMessages holds chat messages; other memory kinds get their own type tag.
const TableMessages = "messages"

// SQLiteStore implements domain.MemoryStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) EnsureAccount(ctx context.Context, acct domain.Account) error {
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, name, username, source, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		acct.ID.String(), acct.Name, acct.Username, acct.Source, acct.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var (
		acct  domain.Account
		rawID string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, username, source, created_at FROM accounts WHERE id = ?`, id.String(),
	).Scan(&rawID, &acct.Name, &acct.Username, &acct.Source, &acct.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if acct.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("account %q: %w", rawID, err)
	}
	return &acct, nil
}

func (s *SQLiteStore) EnsureRoom(ctx context.Context, roomID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rooms (id, created_at) VALUES (?, ?)`, roomID.String(), time.Now(),
	)
	return err
}

func (s *SQLiteStore) EnsureParticipant(ctx context.Context, roomID, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO participants (room_id, user_id, created_at) VALUES (?, ?, ?)`,
		roomID.String(), userID.String(), time.Now(),
	)
	return err
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM participants WHERE room_id = ? ORDER BY id`, roomID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("participant %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateMemory inserts mem into the given table. A memory whose id already
// exists is left untouched and reported with created=false, which makes
// replays of the same transport message harmless.
func (s *SQLiteStore) CreateMemory(ctx context.Context, table string, mem domain.Memory) (bool, error) {
	if mem.ID == uuid.Nil {
		mem.ID = uuid.New()
	}
	if mem.CreatedAt == 0 {
		mem.CreatedAt = time.Now().UnixMilli()
	}
	content, err := json.Marshal(mem.Content)
	if err != nil {
		return false, fmt.Errorf("marshal content: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memories (id, type, agent_id, user_id, room_id, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		mem.ID.String(), table, mem.AgentID.String(), mem.UserID.String(), mem.RoomID.String(),
		string(content), mem.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetMemories returns the newest count memories of a room, oldest first.
func (s *SQLiteStore) GetMemories(ctx context.Context, table string, roomID uuid.UUID, count int) ([]domain.Memory, error) {
	if count <= 0 {
		count = 32
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, user_id, room_id, content, created_at
		 FROM memories WHERE type = ? AND room_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		table, roomID.String(), count,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mems []domain.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		mems = append(mems, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(mems)-1; i < j; i, j = i+1, j-1 {
		mems[i], mems[j] = mems[j], mems[i]
	}
	return mems, nil
}

func (s *SQLiteStore) CountMemories(ctx context.Context, table string, roomID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE type = ? AND room_id = ?`, table, roomID.String(),
	).Scan(&n)
	return n, err
}

func scanMemory(rows *sql.Rows) (domain.Memory, error) {
	var (
		mem                         domain.Memory
		id, agentID, userID, roomID string
		content                     string
	)
	if err := rows.Scan(&id, &agentID, &userID, &roomID, &content, &mem.CreatedAt); err != nil {
		return mem, err
	}
	for _, f := range []struct {
		dst *uuid.UUID
		raw string
	}{{&mem.ID, id}, {&mem.AgentID, agentID}, {&mem.UserID, userID}, {&mem.RoomID, roomID}} {
		parsed, err := uuid.Parse(f.raw)
		if err != nil {
			return mem, fmt.Errorf("memory %s: %w", id, err)
		}
		*f.dst = parsed
	}
	if err := json.Unmarshal([]byte(content), &mem.Content); err != nil {
		return mem, fmt.Errorf("memory %s content: %w", id, err)
	}
	return mem, nil
}

func (s *SQLiteStore) SaveFact(ctx context.Context, fact domain.Fact) error {
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now()
	}
	if fact.Importance == 0 {
		fact.Importance = 5
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO facts (room_id, user_id, category, content, importance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fact.RoomID.String(), fact.UserID.String(), fact.Category, fact.Content, fact.Importance, fact.CreatedAt,
	)
	return err
}

// GetFacts returns facts for a room, most important first. A nil userID
// returns facts about every participant.
func (s *SQLiteStore) GetFacts(ctx context.Context, roomID, userID uuid.UUID, limit int) ([]domain.Fact, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT id, room_id, user_id, category, content, importance, created_at
		 FROM facts WHERE room_id = ?`
	args := []any{roomID.String()}
	if userID != uuid.Nil {
		query += ` AND user_id = ?`
		args = append(args, userID.String())
	}
	query += ` ORDER BY importance DESC, created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facts []domain.Fact
	for rows.Next() {
		var (
			f          domain.Fact
			room, user string
		)
		if err := rows.Scan(&f.ID, &room, &user, &f.Category, &f.Content, &f.Importance, &f.CreatedAt); err != nil {
			return nil, err
		}
		if f.RoomID, err = uuid.Parse(room); err != nil {
			return nil, err
		}
		if f.UserID, err = uuid.Parse(user); err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
