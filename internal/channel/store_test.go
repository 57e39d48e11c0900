package channel

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/keelhq/keel-assist/internal/directory"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "channel_test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var alice = directory.Principal{ID: "user-alice", FirmID: "firm-1", Role: directory.RoleEmployee}

func TestEnsureChannelStable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.EnsureChannel(ctx, alice)
	if err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}
	second, err := s.EnsureChannel(ctx, alice)
	if err != nil {
		t.Fatalf("EnsureChannel again: %v", err)
	}
	if first != second {
		t.Errorf("channel id changed across calls: %s vs %s", first, second)
	}

	other, _ := s.EnsureChannel(ctx, directory.Principal{ID: "user-bob", FirmID: "firm-1"})
	if other == first {
		t.Error("distinct principals share a channel")
	}
}

func TestAppendAndRecentTurns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ch, _ := s.EnsureChannel(ctx, alice)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleModel
		}
		err := s.AppendTurn(ctx, ch, Turn{
			Role:      role,
			Content:   fmt.Sprintf("turn %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	turns, err := s.RecentTurns(ctx, ch, 3)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("len = %d, want 3", len(turns))
	}
	// Newest window, returned oldest-first.
	for i, want := range []string{"turn 2", "turn 3", "turn 4"} {
		if turns[i].Content != want {
			t.Errorf("turns[%d].Content = %q, want %q", i, turns[i].Content, want)
		}
	}
}

func TestToolTurnRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ch, _ := s.EnsureChannel(ctx, alice)

	err := s.AppendTurn(ctx, ch, Turn{
		Role:     RoleToolResult,
		Content:  `{"items":[]}`,
		ToolName: "list_records",
		Payload:  `{"tool_name":"list_records","arguments":{"entity":"client"}}`,
	})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	turns, err := s.RecentTurns(ctx, ch, 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("len = %d, want 1", len(turns))
	}
	got := turns[0]
	if got.Role != RoleToolResult || got.ToolName != "list_records" || got.Payload == "" {
		t.Errorf("turn = %+v", got)
	}
	if got.ID == "" || got.CreatedAt.IsZero() {
		t.Error("ID and CreatedAt should be assigned on append")
	}
}

func TestChannelsIsolated(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	chA, _ := s.EnsureChannel(ctx, alice)
	chB, _ := s.EnsureChannel(ctx, directory.Principal{ID: "user-bob", FirmID: "firm-1"})

	s.AppendTurn(ctx, chA, Turn{Role: RoleUser, Content: "alice only"})

	turns, _ := s.RecentTurns(ctx, chB, 10)
	if len(turns) != 0 {
		t.Errorf("bob sees %d turns, want 0", len(turns))
	}
}

func TestClearKeepsChannelID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ch, _ := s.EnsureChannel(ctx, alice)
	s.AppendTurn(ctx, ch, Turn{Role: RoleUser, Content: "to be cleared"})

	if err := s.Clear(ctx, ch); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	n, err := s.TurnCount(ctx, ch)
	if err != nil {
		t.Fatalf("TurnCount: %v", err)
	}
	if n != 0 {
		t.Errorf("TurnCount = %d after Clear", n)
	}

	again, _ := s.EnsureChannel(ctx, alice)
	if again != ch {
		t.Errorf("channel id changed after Clear: %s vs %s", again, ch)
	}
}

func TestAllTurnsChronological(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ch, _ := s.EnsureChannel(ctx, alice)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 40; i++ {
		s.AppendTurn(ctx, ch, Turn{
			Role:      RoleUser,
			Content:   fmt.Sprintf("t%02d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	turns, err := s.AllTurns(ctx, ch)
	if err != nil {
		t.Fatalf("AllTurns: %v", err)
	}
	if len(turns) != 40 {
		t.Fatalf("len = %d, want 40", len(turns))
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].CreatedAt.Before(turns[i-1].CreatedAt) {
			t.Fatalf("turns out of order at %d", i)
		}
	}
}
