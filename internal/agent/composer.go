package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/keelhq/keel-assist/internal/directory"
	"github.com/keelhq/keel-assist/internal/scope"
)

// Composer builds the priming turns that open every run: one data
// snapshot shaped by the caller's visibility, and one fixed model
// acknowledgment. Always exactly two turns, composed fresh per run.
type Composer struct {
	dir         *directory.Store
	snapshotCap int
}

// NewComposer builds a composer. snapshotCap bounds each listed
// section in the snapshot; zero or negative selects the default of 20.
func NewComposer(dir *directory.Store, snapshotCap int) *Composer {
	if snapshotCap <= 0 {
		snapshotCap = 20
	}
	return &Composer{dir: dir, snapshotCap: snapshotCap}
}

// acknowledgment is the fixed second priming turn. The model restates
// its ground rules before the conversation proper begins.
const acknowledgment = "Understood. I will answer using only the data listed above, " +
	"use the provided tools when I need details, and say so when something " +
	"is not in my visible data."

// snapshotStrategy renders the visibility-specific snapshot header and
// body. Keyed on the scope's visibility level.
type snapshotStrategy struct {
	header string
	render func(c *Composer, ctx context.Context, p directory.Principal, sc scope.Scope) (string, error)
}

var snapshotStrategies = map[scope.Visibility]snapshotStrategy{
	scope.VisibilityFull: {
		header: "You are Keel Assist, the firm's data assistant. The current user has full visibility over the firm's records.",
		render: (*Composer).renderFull,
	},
	scope.VisibilityRestricted: {
		header: "You are Keel Assist, the firm's data assistant. The current user sees a restricted subset of the firm's records; the listing below is everything they may access, not the whole firm.",
		render: (*Composer).renderRestricted,
	},
}

// Compose returns the two priming turns for a run.
func (c *Composer) Compose(ctx context.Context, p directory.Principal, sc scope.Scope) ([]Turn, error) {
	strategy, ok := snapshotStrategies[sc.Visibility]
	if !ok {
		return nil, runErrf(KindConfiguration, "no snapshot strategy for visibility %q", sc.Visibility)
	}

	body, err := strategy.render(c, ctx, p, sc)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(strategy.header)
	b.WriteString("\n\nUser: ")
	b.WriteString(p.Name)
	b.WriteString(" (")
	b.WriteString(string(p.Role))
	b.WriteString(")\n\n")
	b.WriteString(body)

	return []Turn{
		TextTurn(TurnContext, b.String()),
		TextTurn(TurnModel, acknowledgment),
	}, nil
}

func (c *Composer) renderFull(ctx context.Context, p directory.Principal, sc scope.Scope) (string, error) {
	// Full visibility gets counts plus a capped client listing; dumping
	// every firm record into the prompt helps nobody.
	clients, err := c.dir.ClientsByIDs(ctx, sc.ClientIDs.Values())
	if err != nil {
		return "", runErr(KindUpstreamFailure, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Firm records: %d clients, %d tasks, %d invoices.\n\n",
		sc.ClientIDs.Len(), sc.TaskIDs.Len(), sc.InvoiceIDs.Len())

	names := make([]string, 0, len(clients))
	for _, cl := range clients {
		names = append(names, cl.Name)
	}
	b.WriteString("Clients: ")
	b.WriteString(c.cappedList(names))
	return b.String(), nil
}

func (c *Composer) renderRestricted(ctx context.Context, p directory.Principal, sc scope.Scope) (string, error) {
	clients, err := c.dir.ClientsByIDs(ctx, sc.ClientIDs.Values())
	if err != nil {
		return "", runErr(KindUpstreamFailure, err)
	}
	tasks, err := c.dir.TasksByIDs(ctx, sc.TaskIDs.Values())
	if err != nil {
		return "", runErr(KindUpstreamFailure, err)
	}

	var b strings.Builder

	if sc.Empty() {
		b.WriteString("The user currently has no visible clients, tasks, or invoices.")
		return b.String(), nil
	}

	clientNames := make([]string, 0, len(clients))
	for _, cl := range clients {
		clientNames = append(clientNames, cl.Name)
	}
	taskTitles := make([]string, 0, len(tasks))
	for _, t := range tasks {
		taskTitles = append(taskTitles, t.Title)
	}

	b.WriteString("Visible clients: ")
	b.WriteString(c.cappedList(clientNames))
	b.WriteString("\nVisible tasks: ")
	b.WriteString(c.cappedList(taskTitles))
	fmt.Fprintf(&b, "\nVisible invoices: %d (use tools for details).", sc.InvoiceIDs.Len())
	return b.String(), nil
}

// cappedList joins items, truncating at the snapshot cap with a
// remainder marker.
func (c *Composer) cappedList(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	if len(items) <= c.snapshotCap {
		return strings.Join(items, ", ")
	}
	shown := items[:c.snapshotCap]
	return fmt.Sprintf("%s … and %d more", strings.Join(shown, ", "), len(items)-c.snapshotCap)
}
