// Package directory is the read model over the platform's business
// entities: users, clients, tasks, and invoices. The assistant only
// needs the query shape required for scope resolution and for the
// data-retrieval tools; entity lifecycle (CRUD, uploads, billing) is
// owned by the main platform and out of scope here.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed directory reader. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the directory database at the given path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open directory database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate directory schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id        TEXT PRIMARY KEY,
		firm_id   TEXT NOT NULL,
		name      TEXT NOT NULL,
		role      TEXT NOT NULL,
		email     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_users_firm ON users(firm_id);

	CREATE TABLE IF NOT EXISTS clients (
		id                TEXT PRIMARY KEY,
		firm_id           TEXT NOT NULL,
		name              TEXT NOT NULL,
		external_ref      TEXT,
		status            TEXT NOT NULL DEFAULT 'active',
		created_by        TEXT,
		portal_contact_id TEXT,
		created_at        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_clients_firm ON clients(firm_id);
	CREATE INDEX IF NOT EXISTS idx_clients_contact ON clients(portal_contact_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		firm_id     TEXT NOT NULL,
		client_id   TEXT,
		title       TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'open',
		assignee_id TEXT,
		assigner_id TEXT,
		archived    INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_firm ON tasks(firm_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_id);

	CREATE TABLE IF NOT EXISTS task_collaborators (
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (task_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_collab_user ON task_collaborators(user_id);

	CREATE TABLE IF NOT EXISTS invoices (
		id           TEXT PRIMARY KEY,
		firm_id      TEXT NOT NULL,
		client_id    TEXT,
		task_id      TEXT,
		number       TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'draft',
		amount_cents INTEGER NOT NULL DEFAULT 0,
		created_by   TEXT,
		issued_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_firm ON invoices(firm_id);
	CREATE INDEX IF NOT EXISTS idx_invoices_number ON invoices(firm_id, number);
	CREATE INDEX IF NOT EXISTS idx_invoices_task ON invoices(task_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetUser loads a principal by user id. Returns sql.ErrNoRows wrapped
// when the user does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (Principal, error) {
	var p Principal
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, firm_id FROM users WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Role, &p.FirmID)
	if err != nil {
		return Principal{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return p, nil
}

// Firm-wide id sets, used for full-visibility scopes.

// FirmClientIDs returns all client ids in a firm.
func (s *Store) FirmClientIDs(ctx context.Context, firmID string) ([]string, error) {
	return s.idQuery(ctx, `SELECT id FROM clients WHERE firm_id = ?`, firmID)
}

// FirmTaskIDs returns all task ids in a firm, archived included; the
// archived exclusion applies only to restricted scopes.
func (s *Store) FirmTaskIDs(ctx context.Context, firmID string) ([]string, error) {
	return s.idQuery(ctx, `SELECT id FROM tasks WHERE firm_id = ?`, firmID)
}

// FirmInvoiceIDs returns all invoice ids in a firm.
func (s *Store) FirmInvoiceIDs(ctx context.Context, firmID string) ([]string, error) {
	return s.idQuery(ctx, `SELECT id FROM invoices WHERE firm_id = ?`, firmID)
}

// Employee-scoped queries, used for restricted scopes.

// EmployeeTaskIDs returns non-archived tasks where the user is the
// assignee, the assigner, or a collaborator.
func (s *Store) EmployeeTaskIDs(ctx context.Context, firmID, userID string) ([]string, error) {
	return s.idQuery(ctx, `
		SELECT DISTINCT t.id FROM tasks t
		LEFT JOIN task_collaborators c ON c.task_id = t.id
		WHERE t.firm_id = ? AND t.archived = 0
		  AND (t.assignee_id = ? OR t.assigner_id = ? OR c.user_id = ?)`,
		firmID, userID, userID, userID)
}

// ClientIDsForTasks returns the distinct client ids referenced by the
// given tasks.
func (s *Store) ClientIDsForTasks(ctx context.Context, taskIDs []string) ([]string, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT client_id FROM tasks WHERE id IN (%s) AND client_id IS NOT NULL AND client_id != ''`,
		placeholders(len(taskIDs)))
	return s.idQuery(ctx, query, toArgs(taskIDs)...)
}

// ClientIDsCreatedBy returns client ids created by the user.
func (s *Store) ClientIDsCreatedBy(ctx context.Context, firmID, userID string) ([]string, error) {
	return s.idQuery(ctx,
		`SELECT id FROM clients WHERE firm_id = ? AND created_by = ?`, firmID, userID)
}

// InvoiceIDsCreatedBy returns invoice ids created by the user.
func (s *Store) InvoiceIDsCreatedBy(ctx context.Context, firmID, userID string) ([]string, error) {
	return s.idQuery(ctx,
		`SELECT id FROM invoices WHERE firm_id = ? AND created_by = ?`, firmID, userID)
}

// InvoiceIDsForTasks returns invoice ids linked to the given tasks.
func (s *Store) InvoiceIDsForTasks(ctx context.Context, taskIDs []string) ([]string, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id FROM invoices WHERE task_id IN (%s)`, placeholders(len(taskIDs)))
	return s.idQuery(ctx, query, toArgs(taskIDs)...)
}

// ClientIDsWithPortalContact returns client ids whose portal contact is
// the given user. Used for the client role's scope.
func (s *Store) ClientIDsWithPortalContact(ctx context.Context, firmID, userID string) ([]string, error) {
	return s.idQuery(ctx,
		`SELECT id FROM clients WHERE firm_id = ? AND portal_contact_id = ?`, firmID, userID)
}

// InvoiceIDsForClients returns invoice ids belonging to the given clients.
func (s *Store) InvoiceIDsForClients(ctx context.Context, clientIDs []string) ([]string, error) {
	if len(clientIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT id FROM invoices WHERE client_id IN (%s)`, placeholders(len(clientIDs)))
	return s.idQuery(ctx, query, toArgs(clientIDs)...)
}

// Entity fetchers, used by the tool executors and the context composer.
// Each takes an explicit id list so the caller's scope is the only
// filter that ever widens or narrows results.

// ClientsByIDs loads clients by id, ordered by name.
func (s *Store) ClientsByIDs(ctx context.Context, ids []string) ([]Client, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, firm_id, name, COALESCE(external_ref, ''), status, COALESCE(created_by, ''), created_at
		FROM clients WHERE id IN (%s) ORDER BY name COLLATE NOCASE`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		var c Client
		var created string
		if err := rows.Scan(&c.ID, &c.FirmID, &c.Name, &c.ExternalRef, &c.Status, &c.CreatedBy, &created); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TasksByIDs loads tasks by id, newest first.
func (s *Store) TasksByIDs(ctx context.Context, ids []string) ([]Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, firm_id, COALESCE(client_id, ''), title, status,
		       COALESCE(assignee_id, ''), COALESCE(assigner_id, ''), archived, created_at
		FROM tasks WHERE id IN (%s) ORDER BY created_at DESC`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var created string
		if err := rows.Scan(&t.ID, &t.FirmID, &t.ClientID, &t.Title, &t.Status,
			&t.AssigneeID, &t.AssignerID, &t.Archived, &created); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.CreatedAt = parseTime(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// InvoicesByIDs loads invoices by id, newest first.
func (s *Store) InvoicesByIDs(ctx context.Context, ids []string) ([]Invoice, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, firm_id, COALESCE(client_id, ''), COALESCE(task_id, ''), number, status,
		       amount_cents, COALESCE(created_by, ''), issued_at
		FROM invoices WHERE id IN (%s) ORDER BY issued_at DESC`, placeholders(len(ids)))
	rows, err := s.db.QueryContext(ctx, query, toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		var inv Invoice
		var issued string
		if err := rows.Scan(&inv.ID, &inv.FirmID, &inv.ClientID, &inv.TaskID, &inv.Number,
			&inv.Status, &inv.AmountCents, &inv.CreatedBy, &issued); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		inv.IssuedAt = parseTime(issued)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Write helpers. The platform owns entity lifecycle; these exist for
// the seed command and for tests.

// InsertUser adds a user. A blank id gets a fresh UUID.
func (s *Store) InsertUser(ctx context.Context, p Principal) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, firm_id, name, role) VALUES (?, ?, ?, ?)`,
		p.ID, p.FirmID, p.Name, string(p.Role))
	if err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	return p.ID, nil
}

// InsertClient adds a client record. portalContact may be empty.
func (s *Store) InsertClient(ctx context.Context, c Client, portalContact string) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = "active"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, firm_id, name, external_ref, status, created_by, portal_contact_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FirmID, c.Name, c.ExternalRef, c.Status, c.CreatedBy, portalContact,
		c.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("insert client: %w", err)
	}
	return c.ID, nil
}

// InsertTask adds a task record.
func (s *Store) InsertTask(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "open"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, firm_id, client_id, title, status, assignee_id, assigner_id, archived, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.FirmID, t.ClientID, t.Title, t.Status, t.AssigneeID, t.AssignerID, t.Archived,
		t.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// AddCollaborator links a user to a task as collaborator.
func (s *Store) AddCollaborator(ctx context.Context, taskID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_collaborators (task_id, user_id) VALUES (?, ?)`,
		taskID, userID)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

// InsertInvoice adds an invoice record.
func (s *Store) InsertInvoice(ctx context.Context, inv Invoice) (string, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = "draft"
	}
	if inv.IssuedAt.IsZero() {
		inv.IssuedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (id, firm_id, client_id, task_id, number, status, amount_cents, created_by, issued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.FirmID, inv.ClientID, inv.TaskID, inv.Number, inv.Status, inv.AmountCents,
		inv.CreatedBy, inv.IssuedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("insert invoice: %w", err)
	}
	return inv.ID, nil
}

// ArchiveTask marks a task archived. Used by tests to verify that scope
// resolution picks up assignment changes between calls.
func (s *Store) ArchiveTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET archived = 1 WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("archive task: %w", err)
	}
	return nil
}

func (s *Store) idQuery(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("id query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
