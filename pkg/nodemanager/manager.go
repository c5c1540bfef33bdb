// Package nodemanager implements the Remote Node Manager (spec §4.4):
// the registry of remote PACS peers, their per-node connection pools,
// and the background C-ECHO health loop that keeps each node's status
// current.
//
// The health loop is a single goroutine: on each tick it sweeps every
// registered node with one C-ECHO per node, running at most
// VerifyConcurrency probes at a time. There is no per-node goroutine
// and no per-node cancel function.
package nodemanager

import (
	"context"
	"sync"
	"time"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
	"github.com/kcenon/pacs-system-sub002/pkg/events"
	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/metrics"
	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/types"

	"github.com/rs/zerolog"
)

// NodeStore is the persistence surface Manager needs. Satisfied by
// *repository.NodeRepository.
type NodeStore interface {
	FindByID(ctx context.Context, nodeID string) (*types.Node, error)
	FindAll(ctx context.Context) ([]*types.Node, error)
	Save(ctx context.Context, n *types.Node) error
	Remove(ctx context.Context, pk int64) error
	UpdateStatus(ctx context.Context, nodeID string, status types.NodeStatus, lastError string) error
}

// JobReferenceChecker lets Unregister refuse while jobs still reference
// a node (spec §4.4). Satisfied by *jobmanager.Manager.
type JobReferenceChecker interface {
	HasActiveJobsForNode(ctx context.Context, nodeID string) (bool, error)
}

// ConnFactoryBuilder builds the connpool.Factory used to dial a given
// node. The DICOM association/transport itself is out of scope (spec
// §1); this is the seam the (out-of-scope) transport layer plugs into.
type ConnFactoryBuilder interface {
	Build(node *types.Node) connpool.Factory
}

// Manager is the Remote Node Manager.
type Manager struct {
	cfg       config.NodeManagerConfig
	poolCfg   connpool.Config
	repo      NodeStore
	jobs      JobReferenceChecker
	factories ConnFactoryBuilder
	scu       peer.SCU

	events *events.Broker[types.NodeStatusChange]
	logger zerolog.Logger

	mu    sync.Mutex
	pools map[string]*connpool.Pool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New constructs a Manager.
func New(cfg config.NodeManagerConfig, poolCfg connpool.Config, repo NodeStore, jobs JobReferenceChecker,
	factories ConnFactoryBuilder, scu peer.SCU) *Manager {
	return &Manager{
		cfg:       cfg,
		poolCfg:   poolCfg,
		repo:      repo,
		jobs:      jobs,
		factories: factories,
		scu:       scu,
		events:    events.NewBroker[types.NodeStatusChange](),
		logger:    log.WithComponent("node_manager"),
		pools:     make(map[string]*connpool.Pool),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the periodic health loop (spec §4.4 health monitoring).
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.healthLoop(ctx)
}

// Stop halts the health loop and shuts down every per-node pool.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.Shutdown()
	}
	m.pools = make(map[string]*connpool.Pool)
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.VerifyAll(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// Register validates and persists a new node, then initializes its
// connection pool (spec §4.4 register()).
func (m *Manager) Register(ctx context.Context, node *types.Node) error {
	if node.ID == "" {
		return pacserrors.NewValidationError("node_id is required")
	}
	if node.AETitle == "" {
		return pacserrors.NewValidationError("ae_title is required")
	}
	if node.Host == "" || node.Port <= 0 {
		return pacserrors.NewValidationError("host and port are required")
	}

	node.Status = types.NodeStatusUnknown
	node.CreatedAt = time.Now()
	node.UpdatedAt = node.CreatedAt
	if err := m.repo.Save(ctx, node); err != nil {
		return err
	}

	pool := connpool.New(node.ID, m.factories.Build(node), m.poolCfg)
	if err := pool.Initialize(ctx); err != nil {
		return pacserrors.Wrapf(err, pacserrors.TypeLocalResource, "initializing connection pool for node %s", node.ID)
	}

	m.mu.Lock()
	m.pools[node.ID] = pool
	m.mu.Unlock()

	metrics.NodesTotal.WithLabelValues(string(node.Status)).Inc()
	return nil
}

// Update persists changes to an already-registered node's
// configuration (AE title, host, port, capability flags).
func (m *Manager) Update(ctx context.Context, node *types.Node) error {
	existing, err := m.repo.FindByID(ctx, node.ID)
	if err != nil {
		return err
	}
	node.PK = existing.PK
	node.Status = existing.Status
	node.LastVerified = existing.LastVerified
	node.LastError = existing.LastError
	node.CreatedAt = existing.CreatedAt
	node.UpdatedAt = time.Now()
	return m.repo.Save(ctx, node)
}

// Unregister removes a node, refusing while any job still references it
// (spec §4.4 "unregister forbidden while jobs reference the node").
func (m *Manager) Unregister(ctx context.Context, nodeID string) error {
	active, err := m.jobs.HasActiveJobsForNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if active {
		return pacserrors.NewConflictError("node " + nodeID + " has active job references")
	}

	node, err := m.repo.FindByID(ctx, nodeID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	pool, ok := m.pools[nodeID]
	delete(m.pools, nodeID)
	m.mu.Unlock()
	if ok {
		pool.Shutdown()
	}

	return m.repo.Remove(ctx, node.PK)
}

// Get returns a single registered node.
func (m *Manager) Get(ctx context.Context, nodeID string) (*types.Node, error) {
	return m.repo.FindByID(ctx, nodeID)
}

// List returns every registered node.
func (m *Manager) List(ctx context.Context) ([]*types.Node, error) {
	return m.repo.FindAll(ctx)
}

// Verify issues a C-ECHO against nodeID and records the resulting
// status, publishing a NodeStatusChange only when the status actually
// changed (spec §8 "suppressed when unchanged").
func (m *Manager) Verify(ctx context.Context, nodeID string) error {
	node, err := m.repo.FindByID(ctx, nodeID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	pool, ok := m.pools[nodeID]
	m.mu.Unlock()
	if !ok {
		return pacserrors.NewConflictError("node " + nodeID + " has no connection pool; register it first")
	}

	timer := metrics.NewTimer()
	newStatus, lastError := m.probe(ctx, pool)
	timer.ObserveDuration(metrics.NodeVerifyDuration)

	if err := m.repo.UpdateStatus(ctx, nodeID, newStatus, lastError); err != nil {
		return err
	}

	if newStatus != node.Status {
		m.events.Publish(types.NodeStatusChange{NodeID: nodeID, OldStatus: node.Status, NewStatus: newStatus, At: time.Now()})
		metrics.NodesTotal.WithLabelValues(string(node.Status)).Dec()
		metrics.NodesTotal.WithLabelValues(string(newStatus)).Inc()
	}
	return nil
}

func (m *Manager) probe(ctx context.Context, pool *connpool.Pool) (types.NodeStatus, string) {
	conn, err := pool.Borrow(ctx, m.poolCfg.BorrowTimeout)
	if err != nil {
		return types.NodeStatusUnreachable, err.Error()
	}
	defer pool.Return(ctx, conn)

	if err := m.scu.Echo(ctx, conn); err != nil {
		return types.NodeStatusError, err.Error()
	}
	return types.NodeStatusReachable, ""
}

// VerifyAll verifies every registered node with bounded parallelism
// (spec §4.4 verify_concurrency).
func (m *Manager) VerifyAll(ctx context.Context) {
	nodes, err := m.repo.FindAll(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list nodes for health check")
		return
	}

	limit := m.cfg.VerifyConcurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, node := range nodes {
		node := node
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.Verify(ctx, node.ID); err != nil {
				m.logger.Warn().Err(err).Str("node_id", node.ID).Msg("node verification failed")
			}
		}()
	}
	wg.Wait()
}

// Subscribe returns a channel of node status transitions.
func (m *Manager) Subscribe() events.Subscriber[types.NodeStatusChange] {
	return m.events.Subscribe()
}

// Unsubscribe releases a subscription returned by Subscribe.
func (m *Manager) Unsubscribe(sub events.Subscriber[types.NodeStatusChange]) {
	m.events.Unsubscribe(sub)
}

// Borrow implements jobmanager.ConnectionProvider: job handlers borrow
// pooled connections to a destination node through the node manager
// rather than managing pools themselves.
func (m *Manager) Borrow(ctx context.Context, nodeID string, timeout time.Duration) (connpool.Connection, error) {
	m.mu.Lock()
	pool, ok := m.pools[nodeID]
	m.mu.Unlock()
	if !ok {
		return nil, pacserrors.NewConflictError("node " + nodeID + " has no connection pool; register it first")
	}
	return pool.Borrow(ctx, timeout)
}

// Return implements jobmanager.ConnectionProvider.
func (m *Manager) Return(ctx context.Context, nodeID string, conn connpool.Connection) {
	m.mu.Lock()
	pool, ok := m.pools[nodeID]
	m.mu.Unlock()
	if ok {
		pool.Return(ctx, conn)
	}
}
