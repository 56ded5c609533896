package crawler

import (
	"sort"
	"sync"

	"github.com/Dachhu7/DevScan/pkg/types"
)

// Report accumulates issue tags per URL. It only ever grows during a scan.
type Report struct {
	mu      sync.Mutex
	entries map[string]map[string]struct{}
	issues  int
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{entries: make(map[string]map[string]struct{})}
}

// Record merges tags into the entry for u. Empty tag lists leave no entry.
func (r *Report) Record(u string, tags []string) {
	if len(tags) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.entries[u]
	if !ok {
		set = make(map[string]struct{}, len(tags))
		r.entries[u] = set
	}
	for _, tag := range tags {
		if _, dup := set[tag]; dup {
			continue
		}
		set[tag] = struct{}{}
		r.issues++
	}
}

// Len returns the number of URLs with at least one tag.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Issues returns the total number of distinct (url, tag) pairs.
func (r *Report) Issues() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.issues
}

// Snapshot copies the report with tags sorted per URL.
func (r *Report) Snapshot() types.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(types.Report, len(r.entries))
	for u, set := range r.entries {
		tags := make([]string, 0, len(set))
		for tag := range set {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		out[u] = tags
	}
	return out
}
