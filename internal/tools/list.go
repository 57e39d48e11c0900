package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/keelhq/keel-assist/internal/directory"
)

const (
	defaultListLimit = 10
	maxListLimit     = 50
)

// ListPage is the paginated-list result shape. TotalInScope counts the
// caller's visible matches, never the firm-wide total.
type ListPage struct {
	Items        []map[string]any `json:"items"`
	TotalInScope int              `json:"total_in_scope"`
	HasMore      bool             `json:"has_more"`
}

func (r *Registry) listRecordsTool() *Tool {
	return &Tool{
		Name:        "list_records",
		Description: "List the caller's visible clients, tasks, or invoices with pagination and an optional status filter. Use for 'show me my X' requests.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": map[string]any{
					"type":        "string",
					"description": "Entity kind: client, task, or invoice",
				},
				"skip": map[string]any{
					"type":        "integer",
					"description": "Number of records to skip (default 0)",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum records to return (default 10, max 50)",
				},
				"status": map[string]any{
					"type":        "string",
					"description": "Optional status filter, e.g. open, paid, active",
				},
			},
			"required": []string{"entity"},
		},
		Handler: r.handleListRecords,
	}
}

func (r *Registry) handleListRecords(ctx context.Context, p directory.Principal, args map[string]any) Result {
	entity := strings.ToLower(strings.TrimSpace(argString(args, "entity")))
	if entity == "" {
		return errResult(ErrInvalidArgs, "entity is required")
	}

	skip := argInt(args, "skip", 0)
	if skip < 0 {
		skip = 0
	}
	limit := argInt(args, "limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	status := strings.ToLower(strings.TrimSpace(argString(args, "status")))

	sc, fail := r.resolveScope(ctx, p)
	if fail != nil {
		return *fail
	}

	var views []map[string]any
	switch entity {
	case "client":
		clients, err := r.dir.ClientsByIDs(ctx, sc.ClientIDs.Values())
		if err != nil {
			return errResult(ErrScopeResolution, "client listing unavailable")
		}
		for _, c := range clients {
			if status != "" && c.Status != status {
				continue
			}
			views = append(views, clientView(c))
		}

	case "task":
		tasks, err := r.dir.TasksByIDs(ctx, sc.TaskIDs.Values())
		if err != nil {
			return errResult(ErrScopeResolution, "task listing unavailable")
		}
		for _, t := range tasks {
			if status != "" && t.Status != status {
				continue
			}
			views = append(views, taskView(t))
		}

	case "invoice":
		invoices, err := r.dir.InvoicesByIDs(ctx, sc.InvoiceIDs.Values())
		if err != nil {
			return errResult(ErrScopeResolution, "invoice listing unavailable")
		}
		for _, inv := range invoices {
			if status != "" && inv.Status != status {
				continue
			}
			views = append(views, invoiceView(inv))
		}

	default:
		return errResult(ErrInvalidArgs, fmt.Sprintf("unknown entity %q (expected client, task, or invoice)", entity))
	}

	return marshalOutput(paginate(views, skip, limit))
}

// paginate slices views into a page. has_more holds exactly when
// skip + returned < total.
func paginate(views []map[string]any, skip, limit int) ListPage {
	total := len(views)

	if skip >= total {
		return ListPage{Items: []map[string]any{}, TotalInScope: total, HasMore: false}
	}

	end := skip + limit
	if end > total {
		end = total
	}

	return ListPage{
		Items:        views[skip:end],
		TotalInScope: total,
		HasMore:      end < total,
	}
}
