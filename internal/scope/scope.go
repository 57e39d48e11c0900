// Package scope computes the data-visibility boundary for a principal:
// the exact set of client, task, and invoice ids a request may read.
// Scopes are resolved fresh on every request and on every individual
// tool call, never cached, so a permission change takes effect on the
// very next call.
package scope

import "sort"

// Visibility is the scope's breadth.
type Visibility string

const (
	// VisibilityFull covers the whole firm (owner and admin roles).
	VisibilityFull Visibility = "full"
	// VisibilityRestricted covers only explicitly linked entities.
	VisibilityRestricted Visibility = "restricted"
)

// IDSet is a set of entity ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	s.Add(ids...)
	return s
}

// Add inserts ids into the set.
func (s IDSet) Add(ids ...string) {
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
}

// Has reports membership.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Len returns the set size.
func (s IDSet) Len() int { return len(s) }

// Values returns the ids in sorted order, for deterministic queries
// and output.
func (s IDSet) Values() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Scope is the visibility boundary computed for one principal at one
// point in time.
type Scope struct {
	ClientIDs  IDSet
	TaskIDs    IDSet
	InvoiceIDs IDSet
	Visibility Visibility
}

// Empty reports whether the scope contains no entities at all. An
// empty restricted scope is a valid "nothing visible" state, not an
// error.
func (s Scope) Empty() bool {
	return s.ClientIDs.Len() == 0 && s.TaskIDs.Len() == 0 && s.InvoiceIDs.Len() == 0
}
