package scope

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/keelhq/keel-assist/internal/directory"
)

func testDir(t *testing.T) *directory.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "directory_test.db")
	s, err := directory.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveAdminIsFull(t *testing.T) {
	dir := testDir(t)
	ctx := context.Background()

	admin, _ := dir.InsertUser(ctx, directory.Principal{Name: "Ada", Role: directory.RoleAdmin, FirmID: "firm-1"})
	c, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Acme"}, "")
	dir.InsertTask(ctx, directory.Task{FirmID: "firm-1", ClientID: c, Title: "books"})
	dir.InsertInvoice(ctx, directory.Invoice{FirmID: "firm-1", ClientID: c, Number: "INV-2026-001"})

	// Another firm's data must never appear.
	dir.InsertClient(ctx, directory.Client{FirmID: "firm-2", Name: "Other"}, "")

	p, _ := dir.GetUser(ctx, admin)
	sc, err := NewResolver(dir).Resolve(ctx, p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if sc.Visibility != VisibilityFull {
		t.Errorf("Visibility = %s, want full", sc.Visibility)
	}
	if sc.ClientIDs.Len() != 1 || sc.TaskIDs.Len() != 1 || sc.InvoiceIDs.Len() != 1 {
		t.Errorf("scope sizes = %d/%d/%d, want 1/1/1",
			sc.ClientIDs.Len(), sc.TaskIDs.Len(), sc.InvoiceIDs.Len())
	}
}

func TestResolveEmployeeClosure(t *testing.T) {
	dir := testDir(t)
	ctx := context.Background()

	emp, _ := dir.InsertUser(ctx, directory.Principal{Name: "Erin", Role: directory.RoleEmployee, FirmID: "firm-1"})
	other, _ := dir.InsertUser(ctx, directory.Principal{Name: "Omar", Role: directory.RoleEmployee, FirmID: "firm-1"})

	taskClient, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Acme"}, "")
	createdClient, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Beta", CreatedBy: emp}, "")
	hiddenClient, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Hidden"}, "")

	task, _ := dir.InsertTask(ctx, directory.Task{FirmID: "firm-1", ClientID: taskClient, Title: "audit", AssigneeID: emp})
	dir.InsertTask(ctx, directory.Task{FirmID: "firm-1", ClientID: hiddenClient, Title: "secret", AssigneeID: other})

	linkedInv, _ := dir.InsertInvoice(ctx, directory.Invoice{FirmID: "firm-1", ClientID: taskClient, TaskID: task, Number: "INV-2026-001"})
	createdInv, _ := dir.InsertInvoice(ctx, directory.Invoice{FirmID: "firm-1", ClientID: hiddenClient, Number: "INV-2026-002", CreatedBy: emp})
	// Invoice for a visible client but without any linkage to the
	// employee's own work: explicit linkage required, stays hidden.
	dir.InsertInvoice(ctx, directory.Invoice{FirmID: "firm-1", ClientID: taskClient, Number: "INV-2026-003"})

	p, _ := dir.GetUser(ctx, emp)
	sc, err := NewResolver(dir).Resolve(ctx, p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if sc.Visibility != VisibilityRestricted {
		t.Fatalf("Visibility = %s, want restricted", sc.Visibility)
	}
	if !sc.TaskIDs.Has(task) || sc.TaskIDs.Len() != 1 {
		t.Errorf("TaskIDs = %v, want exactly [%s]", sc.TaskIDs.Values(), task)
	}
	if !sc.ClientIDs.Has(taskClient) || !sc.ClientIDs.Has(createdClient) || sc.ClientIDs.Has(hiddenClient) {
		t.Errorf("ClientIDs = %v", sc.ClientIDs.Values())
	}
	if !sc.InvoiceIDs.Has(linkedInv) || !sc.InvoiceIDs.Has(createdInv) || sc.InvoiceIDs.Len() != 2 {
		t.Errorf("InvoiceIDs = %v, want exactly linked+created", sc.InvoiceIDs.Values())
	}
}

// TestResolveEmployeeEmptyNeverWidens builds random assignment graphs
// and checks that an employee with no assignments of any kind always
// resolves to an empty restricted scope.
func TestResolveEmployeeEmptyNeverWidens(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 10; trial++ {
		dir := testDir(t)
		ctx := context.Background()

		idle, _ := dir.InsertUser(ctx, directory.Principal{Name: "Idle", Role: directory.RoleEmployee, FirmID: "firm-1"})

		// Random population of other users and fully-wired entities.
		var others []string
		for i := 0; i < 1+rng.Intn(5); i++ {
			u, _ := dir.InsertUser(ctx, directory.Principal{Name: "Worker", Role: directory.RoleEmployee, FirmID: "firm-1"})
			others = append(others, u)
		}
		for i := 0; i < rng.Intn(8); i++ {
			owner := others[rng.Intn(len(others))]
			c, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Client", CreatedBy: owner}, "")
			task, _ := dir.InsertTask(ctx, directory.Task{
				FirmID: "firm-1", ClientID: c, Title: "work",
				AssigneeID: owner, AssignerID: others[rng.Intn(len(others))],
			})
			dir.AddCollaborator(ctx, task, others[rng.Intn(len(others))])
			dir.InsertInvoice(ctx, directory.Invoice{
				FirmID: "firm-1", ClientID: c, TaskID: task,
				Number: "INV-2026-100", CreatedBy: owner,
			})
		}

		p, _ := dir.GetUser(ctx, idle)
		sc, err := NewResolver(dir).Resolve(ctx, p)
		if err != nil {
			t.Fatalf("trial %d: Resolve: %v", trial, err)
		}

		if sc.Visibility == VisibilityFull {
			t.Fatalf("trial %d: empty employee scope reported full visibility", trial)
		}
		if !sc.Empty() {
			t.Errorf("trial %d: scope not empty: clients=%v tasks=%v invoices=%v",
				trial, sc.ClientIDs.Values(), sc.TaskIDs.Values(), sc.InvoiceIDs.Values())
		}
	}
}

// TestResolveFreshAfterMutation verifies that resolution reflects
// directory changes made between two calls: idempotent at a point in
// time, never stale across a mutation.
func TestResolveFullIncludesArchivedTasks(t *testing.T) {
	dir := testDir(t)
	ctx := context.Background()

	admin, _ := dir.InsertUser(ctx, directory.Principal{Name: "Ada", Role: directory.RoleAdmin, FirmID: "firm-1"})
	emp, _ := dir.InsertUser(ctx, directory.Principal{Name: "Erin", Role: directory.RoleEmployee, FirmID: "firm-1"})
	c, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Acme"}, "")
	task, _ := dir.InsertTask(ctx, directory.Task{FirmID: "firm-1", ClientID: c, Title: "old audit", AssigneeID: emp})
	if err := dir.ArchiveTask(ctx, task); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}

	r := NewResolver(dir)

	// Archiving hides a task from the restricted assignment closure but
	// not from full visibility.
	adminP, _ := dir.GetUser(ctx, admin)
	full, err := r.Resolve(ctx, adminP)
	if err != nil {
		t.Fatalf("Resolve admin: %v", err)
	}
	if !full.TaskIDs.Has(task) {
		t.Error("archived task missing from full-visibility scope")
	}

	empP, _ := dir.GetUser(ctx, emp)
	restricted, err := r.Resolve(ctx, empP)
	if err != nil {
		t.Fatalf("Resolve employee: %v", err)
	}
	if restricted.TaskIDs.Has(task) {
		t.Error("archived task visible in restricted scope")
	}
}

func TestResolveFreshAfterMutation(t *testing.T) {
	dir := testDir(t)
	ctx := context.Background()

	emp, _ := dir.InsertUser(ctx, directory.Principal{Name: "Erin", Role: directory.RoleEmployee, FirmID: "firm-1"})
	c, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Acme"}, "")
	task, _ := dir.InsertTask(ctx, directory.Task{FirmID: "firm-1", ClientID: c, Title: "audit", AssigneeID: emp})

	r := NewResolver(dir)
	p, _ := dir.GetUser(ctx, emp)

	first, err := r.Resolve(ctx, p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	again, err := r.Resolve(ctx, p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.TaskIDs.Len() != again.TaskIDs.Len() || !again.TaskIDs.Has(task) {
		t.Errorf("resolution not idempotent: %v vs %v", first.TaskIDs.Values(), again.TaskIDs.Values())
	}

	if err := dir.ArchiveTask(ctx, task); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}

	after, err := r.Resolve(ctx, p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if after.TaskIDs.Has(task) {
		t.Error("archived task still visible; scope was cached across mutation")
	}
}

func TestResolveClientRole(t *testing.T) {
	dir := testDir(t)
	ctx := context.Background()

	contact, _ := dir.InsertUser(ctx, directory.Principal{Name: "Pat", Role: directory.RoleClient, FirmID: "firm-1"})
	mine, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Acme"}, contact)
	other, _ := dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Beta"}, "")

	inv, _ := dir.InsertInvoice(ctx, directory.Invoice{FirmID: "firm-1", ClientID: mine, Number: "INV-2026-001"})
	dir.InsertInvoice(ctx, directory.Invoice{FirmID: "firm-1", ClientID: other, Number: "INV-2026-002"})
	dir.InsertTask(ctx, directory.Task{FirmID: "firm-1", ClientID: mine, Title: "internal work"})

	p, _ := dir.GetUser(ctx, contact)
	sc, err := NewResolver(dir).Resolve(ctx, p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if sc.Visibility != VisibilityRestricted {
		t.Errorf("Visibility = %s, want restricted", sc.Visibility)
	}
	if !sc.ClientIDs.Has(mine) || sc.ClientIDs.Has(other) {
		t.Errorf("ClientIDs = %v", sc.ClientIDs.Values())
	}
	if !sc.InvoiceIDs.Has(inv) || sc.InvoiceIDs.Len() != 1 {
		t.Errorf("InvoiceIDs = %v", sc.InvoiceIDs.Values())
	}
	if sc.TaskIDs.Len() != 0 {
		t.Errorf("client role must not see internal tasks, got %v", sc.TaskIDs.Values())
	}
}

func TestIDSetValuesSorted(t *testing.T) {
	s := NewIDSet("c", "a", "b", "")
	got := s.Values()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Values() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Values() = %v, want %v", got, want)
		}
	}
}
