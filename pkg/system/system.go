// Package system is the composition root: it owns the database handle,
// every per-entity repository, and every subsystem manager, wiring them
// together in dependency order and exposing a single Start/Stop.
//
// Grounded on the teacher's pkg/manager.NewManager constructor pattern
// (build the store, then each subsystem in dependency order, return one
// struct that owns the lot), trimmed of the raft/TLS/cluster-membership
// concerns that don't apply to a single PACS client subsystem instance.
package system

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
	"github.com/kcenon/pacs-system-sub002/pkg/jobmanager"
	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/nodemanager"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/prefetch"
	"github.com/kcenon/pacs-system-sub002/pkg/repository"
	"github.com/kcenon/pacs-system-sub002/pkg/resilience"
	"github.com/kcenon/pacs-system-sub002/pkg/routing"
	"github.com/kcenon/pacs-system-sub002/pkg/syncmgr"
)

// System owns the database connection and every manager that makes up
// the PACS client subsystem.
type System struct {
	cfg *config.Config
	db  *sqlx.DB

	Jobs     *jobmanager.Manager
	Nodes    *nodemanager.Manager
	Routing  *routing.Manager
	Prefetch *prefetch.Manager
	Sync     *syncmgr.Manager

	logger zerolog.Logger
}

// ConnFactoryBuilder lets callers plug in the (out-of-scope, spec §1)
// DICOM transport layer that actually dials remote peers.
type ConnFactoryBuilder = nodemanager.ConnFactoryBuilder

// New opens the database, constructs every repository, wires the five
// managers together (breaking the jobmanager<->nodemanager cycle
// through the narrow ConnectionProvider/JobReferenceChecker interfaces,
// spec §4.4/§4.5), and returns a System ready for Start.
func New(cfg *config.Config, scu peer.SCU, factories ConnFactoryBuilder) (*System, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("system: connect database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.Database.ConnMaxIdleTime)

	jobRepo := repository.NewJobRepository(db)
	nodeRepo := repository.NewNodeRepository(db)
	routingRepo := repository.NewRoutingRuleRepository(db)
	prefetchRuleRepo := repository.NewPrefetchRuleRepository(db)
	prefetchHistoryRepo := repository.NewPrefetchHistoryRepository(db)
	recentStudyRepo := repository.NewRecentStudyRepository(db, 0)
	syncConfigRepo := repository.NewSyncConfigRepository(db)
	syncConflictRepo := repository.NewSyncConflictRepository(db)
	syncHistoryRepo := repository.NewSyncHistoryRepository(db)

	retryCfg := resilience.RetryConfig{
		Strategy:     resilience.Strategy(cfg.Retry.Strategy),
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       cfg.Retry.Jitter,
		MaxAttempts:  cfg.Retry.MaxAttempts,
	}
	breakerCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		OpenDuration:     cfg.CircuitBreaker.OpenDuration,
	}
	poolCfg := connpool.Config{
		MinSize:            cfg.ConnectionPool.MinSize,
		MaxSize:            cfg.ConnectionPool.MaxSize,
		MaxIdleTime:        cfg.ConnectionPool.MaxIdleTime,
		ValidationInterval: cfg.ConnectionPool.ValidationInterval,
		ValidateOnBorrow:   cfg.ConnectionPool.ValidateOnBorrow,
		ValidateOnReturn:   cfg.ConnectionPool.ValidateOnReturn,
		ShutdownGrace:      cfg.ConnectionPool.ShutdownGrace,
		BorrowTimeout:      cfg.ConnectionPool.BorrowTimeout,
	}

	// jobmanager and nodemanager each depend on the other through a
	// narrow interface; construct nodes first with a forwarding shim for
	// the job-reference check, then bind the real job manager once built.
	jobRef := &jobRefForwarder{}

	nodes := nodemanager.New(cfg.NodeManager, poolCfg, nodeRepo, jobRef, factories, scu)
	jobs := jobmanager.New(cfg.JobManager, jobRepo, nodes, retryCfg, breakerCfg)
	jobRef.target = jobs
	registerHandlers(jobs, scu, cfg.ConnectionPool.BorrowTimeout)

	routingMgr := routing.New(cfg.Routing, routingRepo, jobs)
	prefetchMgr := prefetch.New(cfg.Prefetch, prefetchRuleRepo, prefetchHistoryRepo, recentStudyRepo, jobs)
	syncMgr := syncmgr.New(cfg.SyncManager, syncConfigRepo, syncConflictRepo, syncHistoryRepo, jobs, &nodeEndpointResolver{nodes: nodes, scu: scu})

	return &System{
		cfg:      cfg,
		db:       db,
		Jobs:     jobs,
		Nodes:    nodes,
		Routing:  routingMgr,
		Prefetch: prefetchMgr,
		Sync:     syncMgr,
		logger:   log.WithComponent("system"),
	}, nil
}

// jobRefForwarder breaks the nodemanager<->jobmanager construction
// cycle: nodemanager.New needs a JobReferenceChecker before
// jobmanager.Manager exists, so this shim is handed to nodemanager
// first and pointed at the real manager immediately after.
type jobRefForwarder struct {
	target *jobmanager.Manager
}

func (f *jobRefForwarder) HasActiveJobsForNode(ctx context.Context, nodeID string) (bool, error) {
	return f.target.HasActiveJobsForNode(ctx, nodeID)
}

// nodeEndpointResolver adapts the node manager's per-node connection
// pools into syncmgr.EndpointResolver, treating the reserved id "local"
// as the local archive (out of scope, spec §1) and every other id as a
// remote node reachable through its pool.
type nodeEndpointResolver struct {
	nodes *nodemanager.Manager
	scu   peer.SCU
}

func (r *nodeEndpointResolver) Resolve(nodeID string) (syncmgr.EndpointQuerier, error) {
	if nodeID == "local" || nodeID == "" {
		return syncmgr.NewStaticQuerier(nil), nil
	}
	if _, err := r.nodes.Get(context.Background(), nodeID); err != nil {
		return nil, err
	}
	return syncmgr.NewPeerQuerier(r.scu, r.nodes, nodeID), nil
}

// Start launches every manager's background loop.
func (s *System) Start(ctx context.Context) error {
	if err := s.Jobs.Start(ctx); err != nil {
		return fmt.Errorf("system: start job manager: %w", err)
	}
	s.Nodes.Start(ctx)
	if err := s.Routing.Start(ctx); err != nil {
		return fmt.Errorf("system: start routing manager: %w", err)
	}
	s.Prefetch.Start(ctx)
	s.Sync.Start(ctx)
	s.logger.Info().Msg("system started")
	return nil
}

// Stop halts every manager's background loop in reverse dependency
// order, then closes the database handle.
func (s *System) Stop() {
	s.Sync.Stop()
	s.Prefetch.Stop()
	s.Routing.Stop()
	s.Nodes.Stop()
	s.Jobs.Stop()
	if err := s.db.Close(); err != nil {
		s.logger.Error().Err(err).Msg("failed to close database handle")
	}
	s.logger.Info().Msg("system stopped")
}

// DB exposes the underlying database handle, primarily for migrations.
func (s *System) DB() *sqlx.DB {
	return s.db
}
