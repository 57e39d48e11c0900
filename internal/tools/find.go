package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/keelhq/keel-assist/internal/directory"
)

func (r *Registry) findRecordTool() *Tool {
	return &Tool{
		Name:        "find_record",
		Description: "Find a client, task, or invoice by id or by (partial) name. Exact id match wins; otherwise a case-insensitive name search within the caller's visible data.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": map[string]any{
					"type":        "string",
					"description": "Entity kind: client, task, or invoice",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "An entity id, or part of a client name / task title / invoice number",
				},
			},
			"required": []string{"entity", "query"},
		},
		Handler: r.handleFindRecord,
	}
}

func (r *Registry) handleFindRecord(ctx context.Context, p directory.Principal, args map[string]any) Result {
	entity := strings.ToLower(strings.TrimSpace(argString(args, "entity")))
	query := strings.TrimSpace(argString(args, "query"))
	if entity == "" || query == "" {
		return errResult(ErrInvalidArgs, "entity and query are required")
	}

	sc, fail := r.resolveScope(ctx, p)
	if fail != nil {
		return *fail
	}

	switch entity {
	case "client":
		clients, err := r.dir.ClientsByIDs(ctx, sc.ClientIDs.Values())
		if err != nil {
			return errResult(ErrScopeResolution, "client search unavailable")
		}
		for _, c := range clients {
			if c.ID == query {
				return marshalOutput(clientView(c))
			}
		}
		for _, c := range clients {
			if strings.Contains(strings.ToLower(c.Name), strings.ToLower(query)) {
				return marshalOutput(clientView(c))
			}
		}

	case "task":
		tasks, err := r.dir.TasksByIDs(ctx, sc.TaskIDs.Values())
		if err != nil {
			return errResult(ErrScopeResolution, "task search unavailable")
		}
		for _, t := range tasks {
			if t.ID == query {
				return marshalOutput(taskView(t))
			}
		}
		for _, t := range tasks {
			if strings.Contains(strings.ToLower(t.Title), strings.ToLower(query)) {
				return marshalOutput(taskView(t))
			}
		}

	case "invoice":
		invoices, err := r.dir.InvoicesByIDs(ctx, sc.InvoiceIDs.Values())
		if err != nil {
			return errResult(ErrScopeResolution, "invoice search unavailable")
		}
		for _, inv := range invoices {
			if inv.ID == query {
				return marshalOutput(invoiceView(inv))
			}
		}
		for _, inv := range invoices {
			if strings.Contains(strings.ToLower(inv.Number), strings.ToLower(query)) {
				return marshalOutput(invoiceView(inv))
			}
		}

	default:
		return errResult(ErrInvalidArgs, fmt.Sprintf("unknown entity %q (expected client, task, or invoice)", entity))
	}

	return errResult(ErrNotFound, fmt.Sprintf("no %s matching %q in your visible data", entity, query))
}

func clientView(c directory.Client) map[string]any {
	return map[string]any{
		"client_id":    c.ID,
		"name":         c.Name,
		"external_ref": c.ExternalRef,
		"status":       c.Status,
	}
}

func taskView(t directory.Task) map[string]any {
	return map[string]any{
		"task_id":   t.ID,
		"title":     t.Title,
		"status":    t.Status,
		"client_id": t.ClientID,
	}
}

func invoiceView(inv directory.Invoice) map[string]any {
	return map[string]any{
		"invoice_id":   inv.ID,
		"number":       inv.Number,
		"status":       inv.Status,
		"client_id":    inv.ClientID,
		"amount_cents": inv.AmountCents,
	}
}
