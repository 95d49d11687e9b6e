package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/config"
	"github.com/brandon/outlook-mcp/internal/fault"
)

// Outcome describes how a borrowed handle was used. Transport-level failures
// and timeouts retire the handle; OutcomeOK returns it to the idle set.
type Outcome int

const (
	// OutcomeOK: the operation completed (including application-level
	// failures like not-found, which say nothing about the connection).
	OutcomeOK Outcome = iota
	// OutcomeFailure: the adapter reported unavailable/transient; the
	// connection is suspect.
	OutcomeFailure
	// OutcomeTimeout: the per-call deadline fired while the adapter call
	// was still running; the handle may be stuck mid-protocol.
	OutcomeTimeout
)

// Handle wraps one live adapter connection. The pool owns every handle;
// callers borrow one for the duration of a single operation.
type Handle struct {
	ID      string
	Adapter adapter.MailAdapter

	createdAt     time.Time
	lastUsedAt    time.Time
	probeFailures int
}

// Age returns the handle's lifetime so far.
func (h *Handle) Age() time.Duration { return time.Since(h.createdAt) }

// IdleFor returns the time since the handle was last used.
func (h *Handle) IdleFor() time.Duration { return time.Since(h.lastUsedAt) }

type waiter struct {
	ch       chan *Handle
	canceled bool
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Size    int `json:"size"`
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Waiters int `json:"waiters"`
	Max     int `json:"max"`
}

// Pool maintains a bounded set of live adapter handles with borrow/return
// semantics, idle eviction, max-age recycling and periodic health probes.
type Pool struct {
	cfg            config.PoolConfig
	factory        adapter.Factory
	connectTimeout time.Duration
	logger         *logrus.Logger

	mu      sync.Mutex
	idle    []*Handle
	probed  []*Handle
	waiters []*waiter
	size    int // idle + in-use + under construction; never exceeds cfg.MaxConnections
	inUse   int
	closed  bool

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New constructs a pool around the adapter factory. Call Start to open the
// initial connections and begin maintenance.
func New(cfg config.PoolConfig, factory adapter.Factory, connectTimeout time.Duration, logger *logrus.Logger) *Pool {
	return &Pool{
		cfg:            cfg,
		factory:        factory,
		connectTimeout: connectTimeout,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

// Start opens min_connections handles and launches the maintenance loop.
// With strict set, the first connection failure aborts startup.
func (p *Pool) Start(ctx context.Context, strict bool) error {
	for i := 0; i < p.cfg.MinConnections; i++ {
		h, err := p.build(ctx)
		if err != nil {
			if strict {
				return err
			}
			p.logger.WithError(err).Warn("Initial pool connection failed")
			break
		}
		p.mu.Lock()
		p.size++
		p.idle = append(p.idle, h)
		p.mu.Unlock()
	}

	p.wg.Add(1)
	go p.maintain()
	return nil
}

// Acquire borrows a handle, waiting in FIFO order when the pool is at
// capacity. The context deadline bounds the wait.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fault.New(fault.KindUnavailable, "connection pool is closed")
	}

	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		p.logger.WithField("handle", h.ID).Debug("Pool handle acquired")
		return h, nil
	}

	if p.size < p.cfg.MaxConnections {
		p.size++ // reserve the slot before unlocking
		p.mu.Unlock()

		h, err := p.build(ctx)
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		p.inUse++
		p.mu.Unlock()
		return h, nil
	}

	w := &waiter{ch: make(chan *Handle, 1)}
	p.waiters = append(p.waiters, w)
	waiting := len(p.waiters)
	p.mu.Unlock()
	p.logger.WithField("queue_depth", waiting).Debug("Waiting for pool handle")

	select {
	case h := <-w.ch:
		return h, nil
	case <-ctx.Done():
		p.mu.Lock()
		w.canceled = true
		// A handle may have been delivered concurrently with cancellation;
		// recover it so the slot is not leaked.
		select {
		case h := <-w.ch:
			p.handBackLocked(h)
		default:
		}
		p.mu.Unlock()
		return nil, fault.Timeout("pool acquire", 0)
	case <-p.stopCh:
		return nil, fault.New(fault.KindUnavailable, "connection pool is closed")
	}
}

// Release returns a borrowed handle. Failure outcomes retire the handle and
// trigger an asynchronous replacement toward min_connections.
func (p *Pool) Release(h *Handle, outcome Outcome) {
	p.mu.Lock()
	p.inUse--
	if outcome != OutcomeOK || p.closed {
		p.mu.Unlock()
		reason := "pool closed"
		switch outcome {
		case OutcomeFailure:
			reason = "transport failure"
		case OutcomeTimeout:
			reason = "operation timeout"
		}
		p.retire(h, reason)
		return
	}

	h.lastUsedAt = time.Now()
	p.handBackLocked(h)
	p.mu.Unlock()
	p.logger.WithField("handle", h.ID).Debug("Pool handle released")
}

// handBackLocked gives the handle to the oldest live waiter or parks it idle.
func (p *Pool) handBackLocked(h *Handle) {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.canceled {
			continue
		}
		p.inUse++
		w.ch <- h
		return
	}
	p.idle = append(p.idle, h)
}

// retire closes a handle asynchronously. The slot is freed only after the
// underlying connection is fully closed.
func (p *Pool) retire(h *Handle, reason string) {
	p.logger.WithFields(logrus.Fields{
		"handle": h.ID,
		"reason": reason,
		"age":    h.Age().Round(time.Millisecond).String(),
	}).Info("Retiring pool handle")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := h.Adapter.Close(); err != nil {
			p.logger.WithError(err).WithField("handle", h.ID).Debug("Handle close failed")
		}
		p.mu.Lock()
		p.size--
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.replenish()
		}
	}()
}

// replenish rebuilds handles toward min_connections, serving waiters first.
func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		need := !p.closed && p.size < p.cfg.MaxConnections &&
			(p.size < p.cfg.MinConnections || len(p.waiters) > 0)
		if !need {
			p.mu.Unlock()
			return
		}
		p.size++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
		h, err := p.build(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			p.logger.WithError(err).Warn("Pool replacement connection failed")
			return
		}

		p.mu.Lock()
		p.handBackLocked(h)
		p.mu.Unlock()
	}
}

// build constructs and probes a new handle.
func (p *Pool) build(ctx context.Context) (*Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	a, err := p.factory(ctx)
	if err != nil {
		return nil, fault.From(err)
	}
	if err := a.Probe(ctx); err != nil {
		a.Close() //nolint:errcheck
		return nil, fault.From(err)
	}

	h := &Handle{
		ID:         uuid.NewString(),
		Adapter:    a,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}
	p.logger.WithField("handle", h.ID).Info("Pool handle created")
	return h, nil
}

// maintain runs the periodic idle/age sweep and probe cycle.
func (p *Pool) maintain() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var keep, drop []*Handle
	for _, h := range p.idle {
		expired := h.Age() > p.cfg.MaxAge
		idleTooLong := h.IdleFor() > p.cfg.MaxIdle && p.size-len(drop) > p.cfg.MinConnections
		if expired || idleTooLong {
			drop = append(drop, h)
		} else {
			keep = append(keep, h)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, h := range drop {
		p.retire(h, "idle/age sweep")
	}

	// Probe survivors one at a time; a failing probe retires the handle.
	for {
		p.mu.Lock()
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		h := p.idle[0]
		p.idle = p.idle[1:]
		p.inUse++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.connectTimeout)
		err := h.Adapter.Probe(ctx)
		cancel()

		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		if err != nil {
			h.probeFailures++
			p.logger.WithError(err).WithField("handle", h.ID).Warn("Handle probe failed")
			p.retire(h, "probe failure")
			continue
		}
		p.mu.Lock()
		p.probed = append(p.probed, h)
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.idle = append(p.idle, p.probed...)
	p.probed = nil
	p.mu.Unlock()

	p.replenish()
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.size,
		Idle:    len(p.idle),
		InUse:   p.inUse,
		Waiters: len(p.waiters),
		Max:     p.cfg.MaxConnections,
	}
}

// Close drains the pool: maintenance stops, idle handles close, and the call
// waits (bounded by ctx) for retirements to finish. Handles still borrowed
// are retired by their Release.
func (p *Pool) Close(ctx context.Context) error {
	p.stopped.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, w := range p.waiters {
		w.canceled = true
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, h := range idle {
		p.retire(h, "pool shutdown")
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
