package agent

import "strings"

// Query types recorded on the usage audit trail.
const (
	QueryClients   = "clients"
	QueryTasks     = "tasks"
	QueryInvoices  = "invoices"
	QueryAnalytics = "analytics"
	QueryGeneral   = "general"
)

var queryKeywords = []struct {
	queryType string
	words     []string
}{
	{QueryAnalytics, []string{"how many", "total", "average", "stats", "statistics", "summary", "breakdown", "report"}},
	{QueryInvoices, []string{"invoice", "billing", "bill", "payment", "paid", "unpaid", "overdue", "inv-"}},
	{QueryTasks, []string{"task", "assignment", "assigned", "deadline", "to-do", "todo", "work item"}},
	{QueryClients, []string{"client", "customer", "account", "company"}},
}

// classifyQuery buckets a user message for the audit trail. First
// matching category wins; analytics phrasing outranks entity words so
// "how many invoices" counts as analytics.
func classifyQuery(message string) string {
	lower := strings.ToLower(message)
	for _, entry := range queryKeywords {
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				return entry.queryType
			}
		}
	}
	return QueryGeneral
}
