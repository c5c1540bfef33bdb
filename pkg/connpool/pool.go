// Package connpool implements the per-peer, fixed-capacity connection
// pool described in spec §4.1. It generalizes the original C++
// ConnectionPool<ConnectionType> template
// (_examples/original_source/common/network/connection_pool.h) into a
// Go generic-free interface-based pool, using the teacher's
// ticker-driven background-loop idiom (see pkg/reconciler in the
// teacher repo) for the maintenance loop in place of the original's
// dedicated condition-variable thread.
package connpool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/metrics"
	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
)

// Connection is the interface pooled values must implement.
type Connection interface {
	// ID returns a unique identifier for logging/metrics.
	ID() string
	// Validate performs a liveness check (e.g. C-ECHO). Returning false
	// marks the connection for destruction.
	Validate(ctx context.Context) bool
	// Reset clears application-level state before the connection is
	// requeued for reuse.
	Reset()
	// Close releases any underlying resources (socket, TLS session).
	Close() error
}

// Factory creates new connections to a single peer.
type Factory interface {
	Create(ctx context.Context) (Connection, error)
}

// Config controls pool sizing and validation policy (spec §4.1).
type Config struct {
	MinSize            int
	MaxSize            int
	MaxIdleTime        time.Duration
	ValidationInterval time.Duration
	ValidateOnBorrow   bool
	ValidateOnReturn   bool
	ShutdownGrace      time.Duration
	// BorrowTimeout is the default deadline callers should use for
	// Borrow when they have no more specific per-operation timeout
	// (spec §5 "connection borrow has a borrow timeout").
	BorrowTimeout time.Duration
}

// entry pairs a connection with the time it was last returned to the
// pool, mirroring the original's PooledConnection.lastActivity_ field.
type entry struct {
	conn       Connection
	lastActive time.Time
}

// Stats is a point-in-time snapshot of pool counters (spec §4.1
// Statistics).
type Stats struct {
	TotalSize      int
	AvailableSize  int
	ActiveSize     int
	MaxSize        int
	TotalBorrowed  uint64
	TotalCreated   uint64
	TotalDestroyed uint64
}

// Pool is a fixed-capacity pool of connections to one peer. A single
// mutex guards the queue, size counters, and the waiter notification
// channel (spec §4.1 Thread-safety).
type Pool struct {
	peer    string
	factory Factory
	cfg     Config
	logger  zerolog.Logger

	mu        sync.Mutex
	notify    chan struct{} // closed and replaced whenever a slot may have opened up
	available []*entry
	size      int
	active    int

	initialized bool
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	totalBorrowed  uint64
	totalCreated   uint64
	totalDestroyed uint64
}

// New constructs a pool for the named peer. Call Initialize before
// Borrow.
func New(peer string, factory Factory, cfg Config) *Pool {
	return &Pool{
		peer:    peer,
		factory: factory,
		cfg:     cfg,
		logger:  log.WithNodeID(peer),
		stopCh:  make(chan struct{}),
		notify:  make(chan struct{}),
	}
}

// Initialize eagerly creates MinSize connections. Failure rolls back
// any connections already created (spec §4.1 initialize()).
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return pacserrors.New(pacserrors.TypeValidation, "connection pool already initialized")
	}

	for i := 0; i < p.cfg.MinSize; i++ {
		conn, err := p.factory.Create(ctx)
		if err != nil {
			p.clearLocked()
			return pacserrors.Wrapf(err, pacserrors.TypeLocalResource,
				"connection pool %s: failed to create initial connections", p.peer)
		}
		p.available = append(p.available, &entry{conn: conn, lastActive: time.Now()})
		p.size++
		p.totalCreated++
	}

	p.initialized = true
	p.running = true
	p.wg.Add(1)
	go p.maintenanceLoop()

	p.logger.Info().Int("min_size", p.cfg.MinSize).Msg("connection pool initialized")
	return nil
}

// Shutdown drains active connections up to ShutdownGrace, then closes
// everything (spec §4.1 shutdown()).
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.initialized = false
	p.mu.Unlock()

	close(p.stopCh)
	p.broadcast()
	p.wg.Wait()

	deadline := time.Now().Add(p.cfg.ShutdownGrace)
	for {
		p.mu.Lock()
		active := p.active
		p.mu.Unlock()
		if active == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	p.mu.Lock()
	p.clearLocked()
	p.mu.Unlock()
	p.logger.Info().Msg("connection pool shut down")
}

// Borrow waits up to timeout for a connection, creating one if the pool
// is below MaxSize and none is idle. Spec §4.1 borrow(timeout).
func (p *Pool) Borrow(ctx context.Context, timeout time.Duration) (Connection, error) {
	deadline := time.Now().Add(timeout)

	for {
		p.mu.Lock()
		if !p.initialized {
			p.mu.Unlock()
			return nil, pacserrors.New(pacserrors.TypeValidation, "connection pool not initialized")
		}
		if !p.running {
			p.mu.Unlock()
			return nil, pacserrors.New(pacserrors.TypeCancellation, "connection pool is shutting down")
		}

		if len(p.available) > 0 {
			e := p.available[len(p.available)-1]
			p.available = p.available[:len(p.available)-1]

			if p.cfg.ValidateOnBorrow && !e.conn.Validate(ctx) {
				e.conn.Close()
				p.size--
				p.totalDestroyed++
				if p.size >= p.cfg.MaxSize {
					p.mu.Unlock()
					continue
				}
				conn, err := p.factory.Create(ctx)
				if err != nil {
					p.mu.Unlock()
					continue
				}
				p.size++
				p.totalCreated++
				e = &entry{conn: conn, lastActive: time.Now()}
			}

			p.active++
			p.totalBorrowed++
			p.recordSizeLocked()
			p.mu.Unlock()
			return e.conn, nil
		}

		if p.size < p.cfg.MaxSize {
			conn, err := p.factory.Create(ctx)
			if err == nil {
				p.size++
				p.totalCreated++
				p.active++
				p.totalBorrowed++
				p.recordSizeLocked()
				p.mu.Unlock()
				return conn, nil
			}
		}

		wait := p.notify
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, pacserrors.New(pacserrors.TypeLocalResource, "connection pool timeout")
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, pacserrors.New(pacserrors.TypeLocalResource, "connection pool timeout")
		case <-ctx.Done():
			timer.Stop()
			return nil, pacserrors.Wrap(ctx.Err(), pacserrors.TypeCancellation, "connection pool borrow canceled")
		}
	}
}

// Return returns a connection to the pool, validating and/or destroying
// it per config (spec §4.1 "Returned connections are reset...").
func (p *Pool) Return(ctx context.Context, conn Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.active--

	if !p.running {
		conn.Close()
		p.size--
		p.recordSizeLocked()
		return
	}

	if p.cfg.ValidateOnReturn && !conn.Validate(ctx) {
		conn.Close()
		p.size--
		p.totalDestroyed++
		p.recordSizeLocked()
		p.broadcastLocked()
		return
	}

	conn.Reset()
	p.available = append(p.available, &entry{conn: conn, lastActive: time.Now()})
	p.recordSizeLocked()
	p.broadcastLocked()
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalSize:      p.size,
		AvailableSize:  len(p.available),
		ActiveSize:     p.active,
		MaxSize:        p.cfg.MaxSize,
		TotalBorrowed:  p.totalBorrowed,
		TotalCreated:   p.totalCreated,
		TotalDestroyed: p.totalDestroyed,
	}
}

// maintenanceLoop evicts idle/invalid connections and tops the pool
// back up to MinSize, every ValidationInterval (spec §4.1 Maintenance
// loop).
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ValidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.runMaintenance()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.available[:0]
	for _, e := range p.available {
		if now.Sub(e.lastActive) > p.cfg.MaxIdleTime && p.size > p.cfg.MinSize {
			e.conn.Close()
			p.size--
			p.totalDestroyed++
			continue
		}
		if !e.conn.Validate(ctx) {
			e.conn.Close()
			p.size--
			p.totalDestroyed++
			continue
		}
		kept = append(kept, e)
	}
	p.available = kept

	for p.size < p.cfg.MinSize {
		conn, err := p.factory.Create(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("maintenance: failed to top up pool")
			break
		}
		p.available = append(p.available, &entry{conn: conn, lastActive: now})
		p.size++
		p.totalCreated++
	}

	p.recordSizeLocked()
	p.broadcastLocked()
}

func (p *Pool) clearLocked() {
	for _, e := range p.available {
		e.conn.Close()
	}
	p.available = nil
	p.size = 0
	p.active = 0
}

// broadcastLocked wakes every Borrow waiter by closing and replacing
// the notify channel. Must be called with p.mu held.
func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pool) broadcast() {
	p.mu.Lock()
	p.broadcastLocked()
	p.mu.Unlock()
}

func (p *Pool) recordSizeLocked() {
	metrics.PoolSize.WithLabelValues(p.peer, "total").Set(float64(p.size))
	metrics.PoolSize.WithLabelValues(p.peer, "available").Set(float64(len(p.available)))
	metrics.PoolSize.WithLabelValues(p.peer, "active").Set(float64(p.active))
}
