// Package channel persists conversation history. Each principal owns
// one channel; turns are append-only and are never rewritten once
// stored. Priming context is composed fresh on every run and does not
// pass through here.
package channel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/keelhq/keel-assist/internal/directory"
)

// Turn roles as persisted. The orchestrator's in-memory turn variants
// map onto these on write and back on read.
const (
	RoleUser        = "user"
	RoleModel       = "model"
	RoleToolRequest = "tool_request"
	RoleToolResult  = "tool_result"
)

// Turn is one persisted conversation entry. Payload carries the JSON
// body of tool requests and results; plain user and model turns use
// Content only.
type Turn struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SQLite-backed channel store.
type Store struct {
	db *sql.DB
}

// NewStore opens the channel database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open channel database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate channel schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id           TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL UNIQUE,
		firm_id      TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id         TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		tool_name  TEXT,
		payload    TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_turns_channel ON turns(channel_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureChannel returns the principal's channel id, creating the
// channel on first use. The mapping is one channel per principal.
func (s *Store) EnsureChannel(ctx context.Context, p directory.Principal) (string, error) {
	now := time.Now().UTC()
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("channel id: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO channels (id, principal_id, firm_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), p.ID, p.FirmID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("ensure channel: %w", err)
	}

	var channelID string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM channels WHERE principal_id = ?`, p.ID).Scan(&channelID)
	if err != nil {
		return "", fmt.Errorf("load channel: %w", err)
	}
	return channelID, nil
}

// AppendTurn appends one turn to a channel. ID and CreatedAt are
// assigned here when unset.
func (s *Store) AppendTurn(ctx context.Context, channelID string, t Turn) error {
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("turn id: %w", err)
		}
		t.ID = id.String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, channel_id, role, content, tool_name, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, channelID, t.Role, t.Content, t.ToolName, t.Payload,
		t.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE channels SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), channelID)
	if err != nil {
		return fmt.Errorf("touch channel: %w", err)
	}
	return nil
}

// RecentTurns returns the last limit turns in chronological order.
func (s *Store) RecentTurns(ctx context.Context, channelID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 30
	}

	// Select the newest window, then flip it back to chronological.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_name, payload, created_at
		FROM turns
		WHERE channel_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var newest []Turn
	for rows.Next() {
		t, err := scanTurn(rows, channelID)
		if err != nil {
			return nil, err
		}
		newest = append(newest, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}

	turns := make([]Turn, len(newest))
	for i, t := range newest {
		turns[len(newest)-1-i] = t
	}
	return turns, nil
}

// AllTurns returns the channel's full history in chronological order.
// Used by the transcript export.
func (s *Store) AllTurns(ctx context.Context, channelID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_name, payload, created_at
		FROM turns
		WHERE channel_id = ?
		ORDER BY created_at ASC, id ASC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("all turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows, channelID)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("all turns: %w", err)
	}
	return turns, nil
}

// Clear removes all turns from a channel. The channel row itself
// survives so the id stays stable for the principal.
func (s *Store) Clear(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM turns WHERE channel_id = ?`, channelID)
	if err != nil {
		return fmt.Errorf("clear channel: %w", err)
	}
	return nil
}

// TurnCount returns the number of persisted turns in a channel.
func (s *Store) TurnCount(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM turns WHERE channel_id = ?`, channelID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("turn count: %w", err)
	}
	return n, nil
}

func scanTurn(rows *sql.Rows, channelID string) (Turn, error) {
	var t Turn
	var toolName, payload sql.NullString
	var createdAt string
	if err := rows.Scan(&t.ID, &t.Role, &t.Content, &toolName, &payload, &createdAt); err != nil {
		return Turn{}, fmt.Errorf("scan turn: %w", err)
	}
	t.ChannelID = channelID
	t.ToolName = toolName.String
	t.Payload = payload.String
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return t, nil
}
