package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/outlook-mcp/pkg/types"
)

const (
	prefetchWorkers = 2
	prefetchQueue   = 32
	prefetchBudget  = 10 * time.Second
)

// prefetcher warms the full-email cache for the top results of a listing,
// on the theory that callers who list tend to drill in. It is a bounded
// worker pool; when the queue is full, candidates are simply dropped.
type prefetcher struct {
	registry *Registry
	topN     int
	logger   *logrus.Logger

	queue   chan string
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func newPrefetcher(r *Registry, topN int, logger *logrus.Logger) *prefetcher {
	p := &prefetcher{
		registry: r,
		topN:     topN,
		logger:   logger,
		queue:    make(chan string, prefetchQueue),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < prefetchWorkers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *prefetcher) schedule(emails []types.EmailSummary) {
	n := p.topN
	if n > len(emails) {
		n = len(emails)
	}
	for i := 0; i < n; i++ {
		select {
		case p.queue <- emails[i].ID:
		default:
			return // queue full; prefetch is best effort
		}
	}
}

func (p *prefetcher) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case emailID := <-p.queue:
			ctx, cancel := context.WithTimeout(context.Background(), prefetchBudget)
			if _, f := p.registry.loadEmail(ctx, emailID); f != nil {
				p.logger.WithField("code", f.Code()).Debug("Prefetch failed")
			}
			cancel()
		}
	}
}

func (p *prefetcher) close() {
	p.stopped.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}
