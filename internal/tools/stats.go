package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/keelhq/keel-assist/internal/directory"
)

// windowStart maps a named window onto its start time. A zero return
// means unbounded ("all").
func windowStart(window string, now time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(window)) {
	case "", "all":
		return time.Time{}, nil
	case "week":
		return now.AddDate(0, 0, -7), nil
	case "month":
		return now.AddDate(0, -1, 0), nil
	case "quarter":
		return now.AddDate(0, -3, 0), nil
	case "year":
		return now.AddDate(-1, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("unknown window %q (expected week, month, quarter, year, or all)", window)
}

func (r *Registry) aggregateStatsTool() *Tool {
	return &Tool{
		Name:        "aggregate_stats",
		Description: "Aggregate counts and totals over the caller's visible clients, tasks, or invoices, optionally limited to a time window.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": map[string]any{
					"type":        "string",
					"description": "Entity kind: client, task, or invoice",
				},
				"window": map[string]any{
					"type":        "string",
					"description": "Optional time window: week, month, quarter, year, or all (default all)",
				},
			},
			"required": []string{"entity"},
		},
		Handler: r.handleAggregateStats,
	}
}

func (r *Registry) handleAggregateStats(ctx context.Context, p directory.Principal, args map[string]any) Result {
	entity := strings.ToLower(strings.TrimSpace(argString(args, "entity")))
	if entity == "" {
		return errResult(ErrInvalidArgs, "entity is required")
	}

	since, err := windowStart(argString(args, "window"), time.Now())
	if err != nil {
		return errResult(ErrInvalidArgs, err.Error())
	}

	sc, fail := r.resolveScope(ctx, p)
	if fail != nil {
		return *fail
	}

	switch entity {
	case "client":
		clients, err := r.dir.ClientsByIDs(ctx, sc.ClientIDs.Values())
		if err != nil {
			return errResult(ErrScopeResolution, "client stats unavailable")
		}
		byStatus := map[string]int{}
		total := 0
		for _, c := range clients {
			if !since.IsZero() && c.CreatedAt.Before(since) {
				continue
			}
			byStatus[c.Status]++
			total++
		}
		return marshalOutput(map[string]any{"entity": "client", "total": total, "by_status": byStatus})

	case "task":
		tasks, err := r.dir.TasksByIDs(ctx, sc.TaskIDs.Values())
		if err != nil {
			return errResult(ErrScopeResolution, "task stats unavailable")
		}
		byStatus := map[string]int{}
		total := 0
		for _, t := range tasks {
			if !since.IsZero() && t.CreatedAt.Before(since) {
				continue
			}
			byStatus[t.Status]++
			total++
		}
		return marshalOutput(map[string]any{"entity": "task", "total": total, "by_status": byStatus})

	case "invoice":
		invoices, err := r.dir.InvoicesByIDs(ctx, sc.InvoiceIDs.Values())
		if err != nil {
			return errResult(ErrScopeResolution, "invoice stats unavailable")
		}
		byStatus := map[string]int{}
		var total int
		var amountCents int64
		for _, inv := range invoices {
			if !since.IsZero() && inv.IssuedAt.Before(since) {
				continue
			}
			byStatus[inv.Status]++
			total++
			amountCents += inv.AmountCents
		}
		// Zero invoices in range is a valid all-zero report.
		var avgCents int64
		if total > 0 {
			avgCents = amountCents / int64(total)
		}
		return marshalOutput(map[string]any{
			"entity":             "invoice",
			"total":              total,
			"by_status":          byStatus,
			"total_amount_cents": amountCents,
			"avg_amount_cents":   avgCents,
		})
	}

	return errResult(ErrInvalidArgs, fmt.Sprintf("unknown entity %q (expected client, task, or invoice)", entity))
}
