package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/keelhq/keel-assist/internal/directory"
)

// invoiceNumberPattern is the platform's external invoice identifier:
// INV-<year>-<sequence>.
var invoiceNumberPattern = regexp.MustCompile(`^INV-\d{4}-\d{3,6}$`)

func (r *Registry) lookupInvoiceTool() *Tool {
	return &Tool{
		Name:        "lookup_invoice",
		Description: "Look up a single invoice by its external invoice number (format INV-YYYY-NNN). Use when the user references a specific invoice number.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"invoice_number": map[string]any{
					"type":        "string",
					"description": "The invoice number, e.g. INV-2026-0042",
				},
			},
			"required": []string{"invoice_number"},
		},
		Handler: r.handleLookupInvoice,
	}
}

func (r *Registry) handleLookupInvoice(ctx context.Context, p directory.Principal, args map[string]any) Result {
	number := strings.TrimSpace(strings.ToUpper(argString(args, "invoice_number")))
	if number == "" {
		return errResult(ErrInvalidArgs, "invoice_number is required")
	}

	// Validate the identifier format before touching any data.
	if !invoiceNumberPattern.MatchString(number) {
		return errResult(ErrInvalidFormat,
			fmt.Sprintf("%q is not a valid invoice number (expected INV-YYYY-NNN)", number))
	}

	sc, fail := r.resolveScope(ctx, p)
	if fail != nil {
		return *fail
	}

	invoices, err := r.dir.InvoicesByIDs(ctx, sc.InvoiceIDs.Values())
	if err != nil {
		return errResult(ErrScopeResolution, "invoice lookup unavailable")
	}

	for _, inv := range invoices {
		if inv.Number == number {
			return marshalOutput(map[string]any{
				"invoice_id":   inv.ID,
				"number":       inv.Number,
				"client_id":    inv.ClientID,
				"status":       inv.Status,
				"amount_cents": inv.AmountCents,
				"issued_at":    inv.IssuedAt.UTC().Format("2006-01-02"),
			})
		}
	}

	// Outside scope and nonexistent look identical on purpose.
	return errResult(ErrNotFound, fmt.Sprintf("no invoice %s in your visible data", number))
}
