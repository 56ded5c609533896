package crawler

import "sync"

// AdmitResult explains the outcome of Visited.Admit.
type AdmitResult int

const (
	Admitted AdmitResult = iota
	AlreadyVisited
	BudgetExhausted
)

func (r AdmitResult) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case AlreadyVisited:
		return "already visited"
	case BudgetExhausted:
		return "page budget exhausted"
	default:
		return "unknown"
	}
}

// Visited records every URL dispatched for fetching and enforces the page
// budget. Admit is the single test-and-insert step that guarantees a URL is
// fetched at most once and that no more than limit URLs are ever admitted.
type Visited struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

// NewVisited creates a set admitting at most limit URLs; limit <= 0 means unbounded.
func NewVisited(limit int) *Visited {
	return &Visited{
		seen:  make(map[string]struct{}),
		limit: limit,
	}
}

// Admit atomically checks membership and the budget, then inserts u.
func (v *Visited) Admit(u string) AdmitResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[u]; ok {
		return AlreadyVisited
	}
	if v.limit > 0 && len(v.seen) >= v.limit {
		return BudgetExhausted
	}
	v.seen[u] = struct{}{}
	v.order = append(v.order, u)
	return Admitted
}

// Contains reports whether u was already admitted.
func (v *Visited) Contains(u string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.seen[u]
	return ok
}

// Exhausted reports whether the budget is spent.
func (v *Visited) Exhausted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.limit > 0 && len(v.seen) >= v.limit
}

// Len returns the number of admitted URLs.
func (v *Visited) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}

// List returns admitted URLs in admission order.
func (v *Visited) List() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.order...)
}
