package directory

import "time"

// Role is a principal's platform role. It decides visibility level
// during scope resolution and gates administrative surfaces.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
	RoleClient   Role = "client"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleEmployee, RoleClient:
		return true
	}
	return false
}

// Administrative reports whether the role carries firm-wide visibility
// and access to the usage analytics surface.
func (r Role) Administrative() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Principal is the authenticated actor issuing a request. It is
// immutable for the duration of a request.
type Principal struct {
	ID     string
	Name   string
	Role   Role
	FirmID string
}

// Client is a firm's customer record.
type Client struct {
	ID          string
	FirmID      string
	Name        string
	ExternalRef string
	Status      string // active, archived
	CreatedBy   string
	CreatedAt   time.Time
}

// Task is a unit of work for a client.
type Task struct {
	ID         string
	FirmID     string
	ClientID   string
	Title      string
	Status     string // open, in_progress, done
	AssigneeID string
	AssignerID string
	Archived   bool
	CreatedAt  time.Time
}

// Invoice is a billing record, optionally generated from a task.
type Invoice struct {
	ID          string
	FirmID      string
	ClientID    string
	TaskID      string // empty when not task-linked
	Number      string
	Status      string // draft, sent, paid, overdue
	AmountCents int64
	CreatedBy   string
	IssuedAt    time.Time
}
