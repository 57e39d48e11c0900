package scope

import (
	"context"
	"fmt"

	"github.com/keelhq/keel-assist/internal/directory"
)

// Resolver computes scopes from the firm directory.
type Resolver struct {
	dir *directory.Store
}

// NewResolver creates a resolver over the given directory.
func NewResolver(dir *directory.Store) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve computes the principal's scope from current directory state.
//
// Owner and admin get full visibility over the firm, archived tasks
// included. Employees get the restricted closure of their task
// assignments: tasks where they are
// assignee, assigner, or collaborator (never archived ones), the
// clients those tasks reference plus clients they created, and the
// invoices they created plus invoices linked to those tasks. Client
// principals see the client records they are the portal contact for
// and those clients' invoices; internal tasks stay hidden.
//
// An employee with no assignments resolves to a valid empty scope.
// Restricted scope must never silently widen.
func (r *Resolver) Resolve(ctx context.Context, p directory.Principal) (Scope, error) {
	switch p.Role {
	case directory.RoleOwner, directory.RoleAdmin:
		return r.resolveFull(ctx, p)
	case directory.RoleEmployee:
		return r.resolveEmployee(ctx, p)
	case directory.RoleClient:
		return r.resolveClient(ctx, p)
	default:
		return Scope{}, fmt.Errorf("resolve scope: unknown role %q", p.Role)
	}
}

func (r *Resolver) resolveFull(ctx context.Context, p directory.Principal) (Scope, error) {
	clients, err := r.dir.FirmClientIDs(ctx, p.FirmID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve full scope: %w", err)
	}
	tasks, err := r.dir.FirmTaskIDs(ctx, p.FirmID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve full scope: %w", err)
	}
	invoices, err := r.dir.FirmInvoiceIDs(ctx, p.FirmID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve full scope: %w", err)
	}

	return Scope{
		ClientIDs:  NewIDSet(clients...),
		TaskIDs:    NewIDSet(tasks...),
		InvoiceIDs: NewIDSet(invoices...),
		Visibility: VisibilityFull,
	}, nil
}

func (r *Resolver) resolveEmployee(ctx context.Context, p directory.Principal) (Scope, error) {
	taskIDs, err := r.dir.EmployeeTaskIDs(ctx, p.FirmID, p.ID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve employee tasks: %w", err)
	}

	clientIDs := NewIDSet()
	taskClients, err := r.dir.ClientIDsForTasks(ctx, taskIDs)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve task clients: %w", err)
	}
	clientIDs.Add(taskClients...)

	createdClients, err := r.dir.ClientIDsCreatedBy(ctx, p.FirmID, p.ID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve created clients: %w", err)
	}
	clientIDs.Add(createdClients...)

	invoiceIDs := NewIDSet()
	createdInvoices, err := r.dir.InvoiceIDsCreatedBy(ctx, p.FirmID, p.ID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve created invoices: %w", err)
	}
	invoiceIDs.Add(createdInvoices...)

	// Invoices require explicit linkage to a visible task; an invoice
	// for a visible client but unrelated to the employee's work stays
	// out of scope.
	linkedInvoices, err := r.dir.InvoiceIDsForTasks(ctx, taskIDs)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve task invoices: %w", err)
	}
	invoiceIDs.Add(linkedInvoices...)

	return Scope{
		ClientIDs:  clientIDs,
		TaskIDs:    NewIDSet(taskIDs...),
		InvoiceIDs: invoiceIDs,
		Visibility: VisibilityRestricted,
	}, nil
}

func (r *Resolver) resolveClient(ctx context.Context, p directory.Principal) (Scope, error) {
	clientIDs, err := r.dir.ClientIDsWithPortalContact(ctx, p.FirmID, p.ID)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve portal clients: %w", err)
	}

	invoiceIDs, err := r.dir.InvoiceIDsForClients(ctx, clientIDs)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve client invoices: %w", err)
	}

	return Scope{
		ClientIDs:  NewIDSet(clientIDs...),
		TaskIDs:    NewIDSet(),
		InvoiceIDs: NewIDSet(invoiceIDs...),
		Visibility: VisibilityRestricted,
	}, nil
}
