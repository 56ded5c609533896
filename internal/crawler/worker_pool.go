package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// HandleFunc processes one URL taken off the frontier.
type HandleFunc func(ctx context.Context, u string)

// WorkerPool runs a fixed number of workers draining a Frontier. Workers only
// talk to each other through the frontier.
type WorkerPool struct {
	frontier    *Frontier
	concurrency int
	logger      *slog.Logger
	wg          sync.WaitGroup
	started     bool
}

// NewWorkerPool creates a pool bound to frontier.
func NewWorkerPool(frontier *Frontier, concurrency int, logger *slog.Logger) (*WorkerPool, error) {
	if concurrency <= 0 {
		return nil, errors.New("worker pool requires positive concurrency")
	}
	if frontier == nil {
		return nil, errors.New("worker pool requires a frontier")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{frontier: frontier, concurrency: concurrency, logger: logger}, nil
}

// Start launches the workers. It must be called once.
func (p *WorkerPool) Start(ctx context.Context, handle HandleFunc) {
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				u, ok := p.frontier.Pop()
				if !ok {
					return
				}
				p.run(ctx, id, u, handle)
			}
		}(i)
	}
}

// run handles one URL. A panic is logged and the URL is marked done.
func (p *WorkerPool) run(ctx context.Context, id int, u string, handle HandleFunc) {
	defer p.frontier.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("url handler panicked", "worker", id, "url", u, "error", fmt.Sprint(r))
		}
	}()
	handle(ctx, u)
}

// Drain waits for the frontier to empty with no work in flight, then sends
// one stop token per worker and waits for every worker to exit.
func (p *WorkerPool) Drain() {
	if !p.started {
		return
	}
	p.frontier.Join()
	p.frontier.Stop(p.concurrency)
	p.wg.Wait()
}
