package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/keelhq/keel-assist/internal/directory"
	"github.com/keelhq/keel-assist/internal/scope"
)

// fixture seeds a firm with an admin, an employee who can see one
// client through two tasks, and 50 firm-wide clients the employee has
// no linkage to.
type fixture struct {
	dir      *directory.Store
	registry *Registry
	admin    directory.Principal
	employee directory.Principal

	visibleClient string
	task1, task2  string
	linkedInvoice string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "directory_test.db")
	dir, err := directory.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { dir.Close() })

	ctx := context.Background()

	adminID, _ := dir.InsertUser(ctx, directory.Principal{Name: "Ada", Role: directory.RoleAdmin, FirmID: "firm-1"})
	empID, _ := dir.InsertUser(ctx, directory.Principal{Name: "Erin", Role: directory.RoleEmployee, FirmID: "firm-1"})

	f := &fixture{dir: dir}
	f.admin, _ = dir.GetUser(ctx, adminID)
	f.employee, _ = dir.GetUser(ctx, empID)

	f.visibleClient, _ = dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: "Acme Consulting"}, "")
	f.task1, _ = dir.InsertTask(ctx, directory.Task{FirmID: "firm-1", ClientID: f.visibleClient, Title: "quarterly audit", AssigneeID: empID})
	f.task2, _ = dir.InsertTask(ctx, directory.Task{FirmID: "firm-1", ClientID: f.visibleClient, Title: "tax filing", AssigneeID: empID})
	f.linkedInvoice, _ = dir.InsertInvoice(ctx, directory.Invoice{
		FirmID: "firm-1", ClientID: f.visibleClient, TaskID: f.task1,
		Number: "INV-2026-0042", AmountCents: 125000, Status: "sent",
	})

	// Firm-wide noise the employee must never see.
	for i := 0; i < 49; i++ {
		dir.InsertClient(ctx, directory.Client{FirmID: "firm-1", Name: fmt.Sprintf("Client %02d", i)}, "")
	}
	dir.InsertInvoice(ctx, directory.Invoice{FirmID: "firm-1", Number: "INV-2026-0099", Status: "paid"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.registry = NewRegistry(dir, scope.NewResolver(dir), logger)
	return f
}

func decodeOutput(t *testing.T, inv Invocation, v any) {
	t.Helper()
	if inv.Failed() {
		t.Fatalf("invocation failed: %s: %s", inv.ErrorKind, inv.Message)
	}
	if err := json.Unmarshal([]byte(inv.Output), v); err != nil {
		t.Fatalf("decode output %q: %v", inv.Output, err)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	f := newFixture(t)

	inv := f.registry.Execute(context.Background(), f.admin, "delete_everything", nil)
	if inv.ErrorKind != ErrUnknownTool {
		t.Errorf("ErrorKind = %q, want %q", inv.ErrorKind, ErrUnknownTool)
	}
	if inv.ToolName != "delete_everything" {
		t.Errorf("ToolName = %q", inv.ToolName)
	}
	if inv.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestCatalogStable(t *testing.T) {
	f := newFixture(t)

	catalog := f.registry.Catalog()
	if len(catalog) != 4 {
		t.Fatalf("catalog size = %d, want 4", len(catalog))
	}

	want := []string{"lookup_invoice", "find_record", "aggregate_stats", "list_records"}
	for i, entry := range catalog {
		fn := entry["function"].(map[string]any)
		if fn["name"] != want[i] {
			t.Errorf("catalog[%d] = %v, want %s", i, fn["name"], want[i])
		}
	}
}

func TestLookupInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("invalid format", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.employee, "lookup_invoice",
			map[string]any{"invoice_number": "42"})
		if inv.ErrorKind != ErrInvalidFormat {
			t.Errorf("ErrorKind = %q, want %q", inv.ErrorKind, ErrInvalidFormat)
		}
	})

	t.Run("found in scope", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.employee, "lookup_invoice",
			map[string]any{"invoice_number": "INV-2026-0042"})
		var out map[string]any
		decodeOutput(t, inv, &out)
		if out["invoice_id"] != f.linkedInvoice {
			t.Errorf("invoice_id = %v, want %s", out["invoice_id"], f.linkedInvoice)
		}
	})

	t.Run("valid format outside scope", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.employee, "lookup_invoice",
			map[string]any{"invoice_number": "INV-2026-0099"})
		if inv.ErrorKind != ErrNotFound {
			t.Errorf("ErrorKind = %q, want %q (out-of-scope must look nonexistent)", inv.ErrorKind, ErrNotFound)
		}
	})

	t.Run("admin sees firm-wide", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.admin, "lookup_invoice",
			map[string]any{"invoice_number": "INV-2026-0099"})
		if inv.Failed() {
			t.Errorf("admin lookup failed: %s", inv.ErrorKind)
		}
	})
}

func TestFindRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("exact id", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.employee, "find_record",
			map[string]any{"entity": "task", "query": f.task2})
		var out map[string]any
		decodeOutput(t, inv, &out)
		if out["task_id"] != f.task2 {
			t.Errorf("task_id = %v", out["task_id"])
		}
	})

	t.Run("partial name case-insensitive", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.employee, "find_record",
			map[string]any{"entity": "client", "query": "aCmE"})
		var out map[string]any
		decodeOutput(t, inv, &out)
		if out["client_id"] != f.visibleClient {
			t.Errorf("client_id = %v", out["client_id"])
		}
	})

	t.Run("outside scope", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.employee, "find_record",
			map[string]any{"entity": "client", "query": "Client 01"})
		if inv.ErrorKind != ErrNotFound {
			t.Errorf("ErrorKind = %q, want %q", inv.ErrorKind, ErrNotFound)
		}
	})

	t.Run("bad entity", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.employee, "find_record",
			map[string]any{"entity": "payroll", "query": "x"})
		if inv.ErrorKind != ErrInvalidArgs {
			t.Errorf("ErrorKind = %q, want %q", inv.ErrorKind, ErrInvalidArgs)
		}
	})
}

func TestAggregateStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("employee invoice stats are scoped", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.employee, "aggregate_stats",
			map[string]any{"entity": "invoice", "window": "week"})
		var out struct {
			Total            int            `json:"total"`
			ByStatus         map[string]int `json:"by_status"`
			TotalAmountCents int64          `json:"total_amount_cents"`
		}
		decodeOutput(t, inv, &out)
		if out.Total != 1 || out.ByStatus["sent"] != 1 {
			t.Errorf("stats = %+v, want exactly the one linked invoice", out)
		}
	})

	t.Run("zero invoices in range yields zeros", func(t *testing.T) {
		// A brand-new employee with no assignments: everything zero,
		// no error.
		idleID, _ := f.dir.InsertUser(ctx, directory.Principal{Name: "Idle", Role: directory.RoleEmployee, FirmID: "firm-1"})
		idle, _ := f.dir.GetUser(ctx, idleID)

		inv := f.registry.Execute(ctx, idle, "aggregate_stats",
			map[string]any{"entity": "invoice", "window": "week"})
		var out struct {
			Total          int   `json:"total"`
			AvgAmountCents int64 `json:"avg_amount_cents"`
		}
		decodeOutput(t, inv, &out)
		if out.Total != 0 || out.AvgAmountCents != 0 {
			t.Errorf("stats = %+v, want all zeros", out)
		}
	})

	t.Run("bad window", func(t *testing.T) {
		inv := f.registry.Execute(ctx, f.employee, "aggregate_stats",
			map[string]any{"entity": "invoice", "window": "fortnight"})
		if inv.ErrorKind != ErrInvalidArgs {
			t.Errorf("ErrorKind = %q, want %q", inv.ErrorKind, ErrInvalidArgs)
		}
	})
}

// TestListRecordsScopedTotal is the canonical scoping scenario: an
// employee with 2 tasks referencing 1 client lists clients and gets
// exactly that client with total_in_scope=1, while the firm holds 50.
func TestListRecordsScopedTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.registry.Execute(ctx, f.employee, "list_records",
		map[string]any{"entity": "client"})

	var page ListPage
	decodeOutput(t, inv, &page)

	if page.TotalInScope != 1 {
		t.Errorf("TotalInScope = %d, want 1 (firm-wide count must not leak)", page.TotalInScope)
	}
	if len(page.Items) != 1 || page.Items[0]["client_id"] != f.visibleClient {
		t.Errorf("Items = %v", page.Items)
	}
	if page.HasMore {
		t.Error("HasMore = true, want false")
	}

	// Admin sees the full firm.
	inv = f.registry.Execute(ctx, f.admin, "list_records",
		map[string]any{"entity": "client", "limit": 10})
	decodeOutput(t, inv, &page)
	if page.TotalInScope != 50 {
		t.Errorf("admin TotalInScope = %d, want 50", page.TotalInScope)
	}
	if !page.HasMore {
		t.Error("admin HasMore = false, want true")
	}
}

func TestListRecordsStatusFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.registry.Execute(ctx, f.employee, "list_records",
		map[string]any{"entity": "invoice", "status": "paid"})
	var page ListPage
	decodeOutput(t, inv, &page)
	if page.TotalInScope != 0 || len(page.Items) != 0 {
		t.Errorf("page = %+v, want empty (only invoice in scope is 'sent')", page)
	}
}

// TestResultsSubsetOfScope checks that listed entity ids are always a
// subset of the invoking principal's freshly resolved scope.
func TestResultsSubsetOfScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sc, err := scope.NewResolver(f.dir).Resolve(ctx, f.employee)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	for _, entity := range []string{"client", "task", "invoice"} {
		inv := f.registry.Execute(ctx, f.employee, "list_records",
			map[string]any{"entity": entity, "limit": 50})
		var page ListPage
		decodeOutput(t, inv, &page)

		for _, item := range page.Items {
			switch entity {
			case "client":
				if !sc.ClientIDs.Has(item["client_id"].(string)) {
					t.Errorf("client %v outside scope", item["client_id"])
				}
			case "task":
				if !sc.TaskIDs.Has(item["task_id"].(string)) {
					t.Errorf("task %v outside scope", item["task_id"])
				}
			case "invoice":
				if !sc.InvoiceIDs.Has(item["invoice_id"].(string)) {
					t.Errorf("invoice %v outside scope", item["invoice_id"])
				}
			}
		}
	}
}

// TestPaginateHasMore exercises the has_more invariant across
// skip/limit/total combinations: has_more iff skip+returned < total.
func TestPaginateHasMore(t *testing.T) {
	for total := 0; total <= 7; total++ {
		views := make([]map[string]any, total)
		for i := range views {
			views[i] = map[string]any{"i": i}
		}

		for skip := 0; skip <= 9; skip++ {
			for limit := 1; limit <= 9; limit++ {
				page := paginate(views, skip, limit)

				if page.TotalInScope != total {
					t.Fatalf("total=%d skip=%d limit=%d: TotalInScope = %d",
						total, skip, limit, page.TotalInScope)
				}
				wantMore := skip+len(page.Items) < total
				if page.HasMore != wantMore {
					t.Errorf("total=%d skip=%d limit=%d returned=%d: HasMore = %v, want %v",
						total, skip, limit, len(page.Items), page.HasMore, wantMore)
				}
			}
		}
	}
}

func TestInvocationConversationText(t *testing.T) {
	ok := Invocation{ToolName: "list_records", Output: `{"items":[]}`}
	if got := ok.ConversationText(); got != `{"items":[]}` {
		t.Errorf("ConversationText = %q", got)
	}

	bad := Invocation{ToolName: "lookup_invoice", ErrorKind: ErrInvalidFormat, Message: "bad number"}
	if got := bad.ConversationText(); got != "tool error (invalid_format): bad number" {
		t.Errorf("ConversationText = %q", got)
	}
}
