package crawler

import "sync"

type frontierItem struct {
	url  string
	stop bool
}

// Frontier is an unbounded multi-producer, multi-consumer URL queue with a
// join barrier on outstanding work. Producers never block, so a worker can
// push the links it discovers without waiting on its peers.
type Frontier struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []frontierItem
	outstanding int
}

// NewFrontier creates an empty frontier; sizeHint pre-allocates the backing slice.
func NewFrontier(sizeHint int) *Frontier {
	if sizeHint < 0 {
		sizeHint = 0
	}
	f := &Frontier{items: make([]frontierItem, 0, sizeHint)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push enqueues a URL and counts it as outstanding until Done is called for it.
func (f *Frontier) Push(u string) {
	f.mu.Lock()
	f.items = append(f.items, frontierItem{url: u})
	f.outstanding++
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Pop blocks until an item is available. ok is false when the item is a stop
// token, after which the caller must exit.
func (f *Frontier) Pop() (u string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.items) == 0 {
		f.cond.Wait()
	}
	item := f.items[0]
	f.items[0] = frontierItem{}
	f.items = f.items[1:]
	return item.url, !item.stop
}

// Done marks one popped URL as fully handled.
func (f *Frontier) Done() {
	f.mu.Lock()
	f.outstanding--
	if f.outstanding < 0 {
		f.mu.Unlock()
		panic("crawler: Frontier.Done called more times than Push")
	}
	zero := f.outstanding == 0
	f.mu.Unlock()
	if zero {
		f.cond.Broadcast()
	}
}

// Join blocks until every pushed URL has been marked Done.
func (f *Frontier) Join() {
	f.mu.Lock()
	for f.outstanding > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

// Stop enqueues n stop tokens, one per worker. Stop tokens are not counted
// as outstanding work.
func (f *Frontier) Stop(n int) {
	f.mu.Lock()
	for i := 0; i < n; i++ {
		f.items = append(f.items, frontierItem{stop: true})
	}
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Pending reports the number of queued items, stop tokens included.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
