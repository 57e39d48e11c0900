// Package usage provides the persistent audit trail for assistant
// runs. Every run writes exactly one record: created before the first
// model call, finalized exactly once with the terminal outcome. The
// finalize guard lives in the store so retries and racing callers
// cannot double-write.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/keelhq/keel-assist/internal/tools"
)

// Terminal statuses for a run record.
const (
	StatusPending   = "pending"
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
	StatusExhausted = "exhausted"
)

// Record is one assistant run's audit entry.
type Record struct {
	ID              string
	PrincipalID     string
	FirmID          string
	PromptExcerpt   string
	ResponseExcerpt string
	QueryType       string
	Status          string
	LatencyMs       int64
	ToolsInvoked    []tools.Invocation
	ErrorMessage    string
	CreatedAt       time.Time
	FinalizedAt     time.Time
}

// Outcome carries the terminal fields applied by Finalize.
type Outcome struct {
	Status          string
	ResponseExcerpt string
	LatencyMs       int64
	ToolsInvoked    []tools.Invocation
	ErrorMessage    string
}

// Report is the aggregated analytics view over a time window.
type Report struct {
	TotalRuns    int            `json:"total_runs"`
	ByStatus     map[string]int `json:"by_status"`
	ByQueryType  map[string]int `json:"by_query_type"`
	AvgLatencyMs int64          `json:"avg_latency_ms"`
	ToolsInvoked int64          `json:"tools_invoked"`
}

// Store is the SQLite-backed usage recorder. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the usage database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_records (
		id               TEXT PRIMARY KEY,
		principal_id     TEXT NOT NULL,
		firm_id          TEXT NOT NULL,
		prompt_excerpt   TEXT NOT NULL,
		response_excerpt TEXT,
		query_type       TEXT NOT NULL,
		status           TEXT NOT NULL,
		latency_ms       INTEGER NOT NULL DEFAULT 0,
		tools_invoked    TEXT,
		tool_count       INTEGER NOT NULL DEFAULT 0,
		error_message    TEXT,
		created_at       TEXT NOT NULL,
		finalized_at     TEXT,
		finalized        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_run_records_created ON run_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_run_records_firm ON run_records(firm_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// excerptLimit bounds stored prompt/response text.
const excerptLimit = 500

func excerpt(text string) string {
	if len(text) <= excerptLimit {
		return text
	}
	cut := excerptLimit
	// Back off to a rune boundary so truncation never splits a
	// multi-byte character.
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// Create inserts a pending record and returns its id. Called before
// the first model call so a crash mid-run still leaves an audit row.
func (s *Store) Create(ctx context.Context, rec Record) (string, error) {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate run record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.QueryType == "" {
		rec.QueryType = "general"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records
			(id, principal_id, firm_id, prompt_excerpt, query_type, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PrincipalID, rec.FirmID,
		excerpt(rec.PromptExcerpt), rec.QueryType, rec.Status,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert run record: %w", err)
	}
	return rec.ID, nil
}

// Finalize applies the terminal outcome to a pending record. The first
// call wins; later calls for the same id are no-ops.
func (s *Store) Finalize(ctx context.Context, id string, out Outcome) error {
	if out.Status == "" || out.Status == StatusPending {
		return fmt.Errorf("finalize run record %s: terminal status required", id)
	}

	invoked, err := marshalInvocations(out.ToolsInvoked)
	if err != nil {
		return fmt.Errorf("finalize run record %s: %w", id, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE run_records
		 SET status = ?, response_excerpt = ?, latency_ms = ?, tools_invoked = ?,
		     tool_count = ?, error_message = ?, finalized_at = ?, finalized = 1
		 WHERE id = ? AND finalized = 0`,
		out.Status, excerpt(out.ResponseExcerpt), out.LatencyMs, invoked,
		len(out.ToolsInvoked), out.ErrorMessage,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("finalize run record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run record: %w", err)
	}
	if n == 0 {
		// Already finalized, or unknown id. Either way the audit row
		// keeps its first terminal write.
		return nil
	}
	return nil
}

// Get loads one record by id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, principal_id, firm_id, prompt_excerpt, COALESCE(response_excerpt, ''),
		        query_type, status, latency_ms, COALESCE(tools_invoked, ''),
		        COALESCE(error_message, ''), created_at, COALESCE(finalized_at, '')
		 FROM run_records WHERE id = ?`, id)

	var rec Record
	var invoked, createdAt, finalizedAt string
	err := row.Scan(&rec.ID, &rec.PrincipalID, &rec.FirmID, &rec.PromptExcerpt,
		&rec.ResponseExcerpt, &rec.QueryType, &rec.Status, &rec.LatencyMs,
		&invoked, &rec.ErrorMessage, &createdAt, &finalizedAt)
	if err != nil {
		return Record{}, fmt.Errorf("load run record: %w", err)
	}
	if invoked != "" {
		if err := json.Unmarshal([]byte(invoked), &rec.ToolsInvoked); err != nil {
			return Record{}, fmt.Errorf("decode run record tool invocations: %w", err)
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if finalizedAt != "" {
		rec.FinalizedAt, _ = time.Parse(time.RFC3339Nano, finalizedAt)
	}
	return rec, nil
}

// marshalInvocations encodes the invocation list for storage. An empty
// list stores NULL so unfinalized and tool-free runs look alike.
func marshalInvocations(invs []tools.Invocation) (any, error) {
	if len(invs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(invs)
	if err != nil {
		return nil, fmt.Errorf("encode tool invocations: %w", err)
	}
	return string(data), nil
}

// Analytics aggregates records for a firm created at or after since.
// A zero since means all time. Zero matching records is a valid
// all-zero report.
func (s *Store) Analytics(ctx context.Context, firmID string, since time.Time) (*Report, error) {
	from := ""
	if !since.IsZero() {
		from = since.UTC().Format(time.RFC3339Nano)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, query_type, latency_ms, tool_count
		 FROM run_records
		 WHERE firm_id = ? AND created_at >= ?`,
		firmID, from)
	if err != nil {
		return nil, fmt.Errorf("query usage analytics: %w", err)
	}
	defer rows.Close()

	report := &Report{
		ByStatus:    map[string]int{},
		ByQueryType: map[string]int{},
	}
	var latencySum int64
	for rows.Next() {
		var status, queryType string
		var latencyMs, toolsInvoked int64
		if err := rows.Scan(&status, &queryType, &latencyMs, &toolsInvoked); err != nil {
			return nil, fmt.Errorf("scan usage analytics: %w", err)
		}
		report.TotalRuns++
		report.ByStatus[status]++
		report.ByQueryType[queryType]++
		latencySum += latencyMs
		report.ToolsInvoked += toolsInvoked
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage analytics: %w", err)
	}

	if report.TotalRuns > 0 {
		report.AvgLatencyMs = latencySum / int64(report.TotalRuns)
	}
	return report, nil
}
