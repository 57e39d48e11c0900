package usage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/keelhq/keel-assist/internal/tools"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "usage_test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func invocation(name string, args map[string]any) tools.Invocation {
	return tools.Invocation{
		ToolName:  name,
		Arguments: args,
		Output:    "ok",
		Timestamp: time.Now(),
	}
}

func TestCreateThenFinalize(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, Record{
		PrincipalID:   "user-1",
		FirmID:        "firm-1",
		PromptExcerpt: "list my open tasks",
		QueryType:     "tasks",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("Status = %q before finalize, want %q", rec.Status, StatusPending)
	}

	err = s.Finalize(ctx, id, Outcome{
		Status:          StatusSuccess,
		ResponseExcerpt: "You have 3 open tasks.",
		LatencyMs:       842,
		ToolsInvoked:    []tools.Invocation{invocation("list_records", map[string]any{"entity": "task"})},
	})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	rec, _ = s.Get(ctx, id)
	if rec.Status != StatusSuccess || len(rec.ToolsInvoked) != 1 || rec.LatencyMs != 842 {
		t.Errorf("record = %+v", rec)
	}
	if rec.ToolsInvoked[0].ToolName != "list_records" {
		t.Errorf("ToolsInvoked[0] = %+v", rec.ToolsInvoked[0])
	}
	if rec.FinalizedAt.IsZero() {
		t.Error("FinalizedAt not set")
	}
}

func TestFinalizeOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, Record{PrincipalID: "user-1", FirmID: "firm-1", PromptExcerpt: "hi"})

	if err := s.Finalize(ctx, id, Outcome{Status: StatusCancelled, ResponseExcerpt: "partial"}); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	// The second write must not overwrite the first.
	if err := s.Finalize(ctx, id, Outcome{Status: StatusSuccess, ResponseExcerpt: "full"}); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}

	rec, _ := s.Get(ctx, id)
	if rec.Status != StatusCancelled || rec.ResponseExcerpt != "partial" {
		t.Errorf("second finalize overwrote terminal state: %+v", rec)
	}
}

func TestFinalizeRequiresTerminalStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, Record{PrincipalID: "user-1", FirmID: "firm-1", PromptExcerpt: "hi"})

	if err := s.Finalize(ctx, id, Outcome{Status: StatusPending}); err == nil {
		t.Error("Finalize accepted pending status")
	}
	if err := s.Finalize(ctx, id, Outcome{}); err == nil {
		t.Error("Finalize accepted empty status")
	}
}

func TestToolInvocationsPersisted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, Record{PrincipalID: "user-1", FirmID: "firm-1", PromptExcerpt: "compare"})

	// Same tool twice in one run; both executions must survive with
	// their distinct arguments, in order.
	invs := []tools.Invocation{
		invocation("list_records", map[string]any{"entity": "client"}),
		invocation("list_records", map[string]any{"entity": "task"}),
	}
	invs[1].Output = ""
	invs[1].ErrorKind = "invalid_arguments"
	invs[1].Message = "limit must be positive"

	if err := s.Finalize(ctx, id, Outcome{Status: StatusSuccess, ToolsInvoked: invs}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rec.ToolsInvoked) != 2 {
		t.Fatalf("len(ToolsInvoked) = %d, want 2", len(rec.ToolsInvoked))
	}
	if rec.ToolsInvoked[0].Arguments["entity"] != "client" || rec.ToolsInvoked[1].Arguments["entity"] != "task" {
		t.Errorf("invocation order or arguments lost: %+v", rec.ToolsInvoked)
	}
	if rec.ToolsInvoked[1].ErrorKind != "invalid_arguments" {
		t.Errorf("failed invocation detail lost: %+v", rec.ToolsInvoked[1])
	}
}

func TestNoToolsStoresEmptyList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, Record{PrincipalID: "user-1", FirmID: "firm-1", PromptExcerpt: "hi"})
	if err := s.Finalize(ctx, id, Outcome{Status: StatusSuccess}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	rec, _ := s.Get(ctx, id)
	if len(rec.ToolsInvoked) != 0 {
		t.Errorf("ToolsInvoked = %+v, want empty", rec.ToolsInvoked)
	}
}

func TestExcerptTruncation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", 2000)

	id, _ := s.Create(ctx, Record{PrincipalID: "user-1", FirmID: "firm-1", PromptExcerpt: long})
	rec, _ := s.Get(ctx, id)
	if len(rec.PromptExcerpt) != excerptLimit {
		t.Errorf("prompt excerpt length = %d, want %d", len(rec.PromptExcerpt), excerptLimit)
	}
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	// Three-byte runes put the byte-500 cut mid-rune.
	long := strings.Repeat("€", excerptLimit)

	got := excerpt(long)
	if !utf8.ValidString(got) {
		t.Errorf("excerpt split a rune: %q ends with invalid bytes", got[len(got)-4:])
	}
	if len(got) > excerptLimit {
		t.Errorf("excerpt length = %d, want <= %d", len(got), excerptLimit)
	}
	if !strings.HasSuffix(got, "€") {
		t.Errorf("excerpt does not end on a whole rune: %q", got[len(got)-4:])
	}
}

func TestAnalytics(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	finalize := func(firm, queryType, status string, latency int64, toolRuns int) {
		id, err := s.Create(ctx, Record{PrincipalID: "u", FirmID: firm, PromptExcerpt: "q", QueryType: queryType})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		invs := make([]tools.Invocation, toolRuns)
		for i := range invs {
			invs[i] = invocation("find_record", nil)
		}
		if err := s.Finalize(ctx, id, Outcome{Status: status, LatencyMs: latency, ToolsInvoked: invs}); err != nil {
			t.Fatalf("Finalize: %v", err)
		}
	}

	finalize("firm-1", "invoices", StatusSuccess, 100, 2)
	finalize("firm-1", "invoices", StatusError, 300, 0)
	finalize("firm-1", "general", StatusExhausted, 500, 5)
	finalize("firm-2", "clients", StatusSuccess, 50, 1)

	report, err := s.Analytics(ctx, "firm-1", time.Time{})
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}

	if report.TotalRuns != 3 {
		t.Errorf("TotalRuns = %d, want 3 (firm-2 must not leak in)", report.TotalRuns)
	}
	if report.ByStatus[StatusSuccess] != 1 || report.ByStatus[StatusError] != 1 || report.ByStatus[StatusExhausted] != 1 {
		t.Errorf("ByStatus = %v", report.ByStatus)
	}
	if report.ByQueryType["invoices"] != 2 {
		t.Errorf("ByQueryType = %v", report.ByQueryType)
	}
	if report.AvgLatencyMs != 300 {
		t.Errorf("AvgLatencyMs = %d, want 300", report.AvgLatencyMs)
	}
	if report.ToolsInvoked != 7 {
		t.Errorf("ToolsInvoked = %d, want 7", report.ToolsInvoked)
	}
}

func TestAnalyticsEmptyWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, _ := s.Create(ctx, Record{PrincipalID: "u", FirmID: "firm-1", PromptExcerpt: "q"})
	s.Finalize(ctx, id, Outcome{Status: StatusSuccess})

	// A window in the future matches nothing; that is a zero report,
	// not an error.
	report, err := s.Analytics(ctx, "firm-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if report.TotalRuns != 0 || report.AvgLatencyMs != 0 {
		t.Errorf("report = %+v, want zeros", report)
	}
}
