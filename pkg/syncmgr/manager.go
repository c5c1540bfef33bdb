// Package syncmgr implements the Sync Manager (spec §4.8): a
// per-config scheduled cycle that queries both endpoints, diffs their
// study sets, classifies divergences, applies the configured conflict
// resolution, and submits corrective jobs.
//
// Grounded on the original C++ sync_manager
// (_examples/original_source/include/pacs/client/sync_manager.hpp,
// sync_types.hpp) for the config/conflict/diff-then-classify-then-
// resolve flow, and the teacher's pkg/reconciler.go reconcile-cycle
// idiom (ticker + per-cycle metrics.Timer) for the scheduled-cycle
// loop.
package syncmgr

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
	"github.com/kcenon/pacs-system-sub002/pkg/events"
	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/metrics"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// ConfigStore is the persistence surface Manager needs for sync
// configs. Satisfied by *repository.SyncConfigRepository.
type ConfigStore interface {
	FindEnabled(ctx context.Context) ([]*types.SyncConfig, error)
}

// ConflictStore is the persistence surface Manager needs for
// conflicts. Satisfied by *repository.SyncConflictRepository.
type ConflictStore interface {
	FindByStudyUID(ctx context.Context, configID, studyUID string) (*types.SyncConflict, error)
	FindUnresolved(ctx context.Context, configID string) ([]*types.SyncConflict, error)
	Save(ctx context.Context, c *types.SyncConflict) error
	Resolve(ctx context.Context, pk int64, resolution types.ConflictResolution) error
}

// HistoryStore is the persistence surface Manager needs for cycle
// history. Satisfied by *repository.SyncHistoryRepository.
type HistoryStore interface {
	Save(ctx context.Context, h *types.SyncHistory) error
}

// JobSubmitter lets Manager hand pull/push jobs to the job manager
// without importing it. Satisfied by *jobmanager.Manager.
type JobSubmitter interface {
	Submit(ctx context.Context, job *types.Job) (string, error)
	Wait(ctx context.Context, jobID string) (*types.Job, error)
}

// StudySnapshot is one study's comparable state as seen from an
// endpoint (local archive or remote node), the unit the diff operates
// over (spec §4.8 step 4 "instance_count, last_modified").
type StudySnapshot struct {
	StudyUID      string
	InstanceCount int
	LastModified  time.Time
}

// EndpointQuerier is the consumed surface for listing a filtered study
// set from one endpoint (local or remote). The real implementation
// wraps peer.SCU.Find for remote endpoints and a local archive index
// for the local one; both are out of scope here (spec §1).
type EndpointQuerier interface {
	QueryStudies(ctx context.Context, filter string) ([]StudySnapshot, error)
}

// Manager is the Sync Manager.
type Manager struct {
	cfg config.SyncManagerConfig

	configs   ConfigStore
	conflicts ConflictStore
	history   HistoryStore
	jobs      JobSubmitter
	endpoints EndpointResolver

	events *events.Broker[types.ConflictEvent]
	logger zerolog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// EndpointResolver resolves a SyncConfig's source/destination node IDs
// to the EndpointQuerier that can list their study sets. "local" is a
// reserved node ID meaning the local archive.
type EndpointResolver interface {
	Resolve(nodeID string) (EndpointQuerier, error)
}

// New constructs a Manager.
func New(cfg config.SyncManagerConfig, configs ConfigStore, conflicts ConflictStore, history HistoryStore,
	jobs JobSubmitter, endpoints EndpointResolver) *Manager {
	return &Manager{
		cfg:       cfg,
		configs:   configs,
		conflicts: conflicts,
		history:   history,
		jobs:      jobs,
		endpoints: endpoints,
		events:    events.NewBroker[types.ConflictEvent](),
		logger:    log.WithComponent("sync_manager"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the per-config scheduled-cycle loop (spec §4.8.1).
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.cycleLoop(ctx)
}

// Stop halts the scheduled-cycle loop.
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
}

func (m *Manager) cycleLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.DefaultCycleInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)
	for {
		select {
		case <-ticker.C:
			m.evaluateDue(ctx, lastRun)
		case <-m.stopCh:
			return
		}
	}
}

// evaluateDue runs a cycle for every enabled config whose
// schedule_cron is due, falling back to DefaultCycleInterval spacing
// when a config has no cron expression.
func (m *Manager) evaluateDue(ctx context.Context, lastRun map[string]time.Time) {
	cfgs, err := m.configs.FindEnabled(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to load enabled sync configs")
		return
	}

	now := time.Now()
	for _, cfg := range cfgs {
		due := true
		if cfg.ScheduleCron != "" {
			if sched, err := cron.ParseStandard(cfg.ScheduleCron); err == nil {
				last, ok := lastRun[cfg.ID]
				if ok && sched.Next(last).After(now) {
					due = false
				}
			}
		}
		if !due {
			continue
		}
		lastRun[cfg.ID] = now
		if _, err := m.RunCycle(ctx, cfg); err != nil {
			m.logger.Error().Err(err).Str("config_id", cfg.ID).Msg("sync cycle failed")
		}
	}
}

// RunCycle executes one full sync cycle for cfg: query both endpoints,
// diff, classify, resolve, and record history (spec §4.8 steps 1-8).
func (m *Manager) RunCycle(ctx context.Context, cfg *types.SyncConfig) (*types.SyncHistory, error) {
	timer := metrics.NewTimer()
	hist := &types.SyncHistory{ConfigID: cfg.ID, StartedAt: time.Now()}

	localQ, err := m.endpoints.Resolve(localEndpointID(cfg))
	if err != nil {
		return m.finishCycle(ctx, hist, timer, cfg, err)
	}
	remoteQ, err := m.endpoints.Resolve(remoteEndpointID(cfg))
	if err != nil {
		return m.finishCycle(ctx, hist, timer, cfg, err)
	}

	local, err := localQ.QueryStudies(ctx, cfg.FilterExpression)
	if err != nil {
		return m.finishCycle(ctx, hist, timer, cfg, err)
	}
	remote, err := remoteQ.QueryStudies(ctx, cfg.FilterExpression)
	if err != nil {
		return m.finishCycle(ctx, hist, timer, cfg, err)
	}

	hist.StudiesChecked = int64(len(local) + len(remote))

	divergences := diff(local, remote)
	for _, d := range divergences {
		if err := m.handleDivergence(ctx, cfg, d); err != nil {
			hist.Errors = append(hist.Errors, err.Error())
			continue
		}
		hist.StudiesSynced++
	}
	hist.ConflictsFound = int64(len(divergences))

	return m.finishCycle(ctx, hist, timer, cfg, nil)
}

func (m *Manager) finishCycle(ctx context.Context, hist *types.SyncHistory, timer *metrics.Timer, cfg *types.SyncConfig, cycleErr error) (*types.SyncHistory, error) {
	hist.CompletedAt = time.Now()
	hist.Success = cycleErr == nil && len(hist.Errors) == 0
	if cycleErr != nil {
		hist.Errors = append(hist.Errors, cycleErr.Error())
	}
	timer.ObserveDurationVec(metrics.SyncCycleDuration, cfg.ID)
	if err := m.history.Save(ctx, hist); err != nil {
		m.logger.Error().Err(err).Str("config_id", cfg.ID).Msg("failed to persist sync history row")
	}
	return hist, cycleErr
}

// divergence is one classified study-level difference found by diff.
type divergence struct {
	StudyUID string
	Type     types.ConflictType
	Local    *StudySnapshot
	Remote   *StudySnapshot
}

// diff computes the symmetric diff of local and remote study sets and
// classifies each divergence (spec §4.8 steps 4-5).
func diff(local, remote []StudySnapshot) []divergence {
	localByUID := make(map[string]StudySnapshot, len(local))
	for _, s := range local {
		localByUID[s.StudyUID] = s
	}
	remoteByUID := make(map[string]StudySnapshot, len(remote))
	for _, s := range remote {
		remoteByUID[s.StudyUID] = s
	}

	var out []divergence
	for uid, l := range localByUID {
		r, ok := remoteByUID[uid]
		if !ok {
			lCopy := l
			out = append(out, divergence{StudyUID: uid, Type: types.ConflictTypeMissingRemote, Local: &lCopy})
			continue
		}
		if l.InstanceCount != r.InstanceCount {
			lCopy, rCopy := l, r
			out = append(out, divergence{StudyUID: uid, Type: types.ConflictTypeCountMismatch, Local: &lCopy, Remote: &rCopy})
		} else if !l.LastModified.Equal(r.LastModified) {
			lCopy, rCopy := l, r
			out = append(out, divergence{StudyUID: uid, Type: types.ConflictTypeModifiedBoth, Local: &lCopy, Remote: &rCopy})
		}
	}
	for uid, r := range remoteByUID {
		if _, ok := localByUID[uid]; !ok {
			rCopy := r
			out = append(out, divergence{StudyUID: uid, Type: types.ConflictTypeMissingLocal, Remote: &rCopy})
		}
	}
	return out
}

// handleDivergence applies cfg's conflict resolution policy to d (spec
// §4.8 step 6): prefer_local/prefer_remote/newest_wins submit and await
// a corrective job; manual records a conflict row only.
func (m *Manager) handleDivergence(ctx context.Context, cfg *types.SyncConfig, d divergence) error {
	if existing, err := m.conflicts.FindByStudyUID(ctx, cfg.ID, d.StudyUID); err == nil && existing != nil {
		return nil // already recorded and unresolved; don't duplicate or re-resolve automatically
	}

	conflict := &types.SyncConflict{
		ConfigID: cfg.ID,
		StudyUID: d.StudyUID,
		Type:     d.Type,
	}
	if d.Local != nil {
		conflict.LocalTimestamp = d.Local.LastModified
		conflict.LocalInstances = d.Local.InstanceCount
	}
	if d.Remote != nil {
		conflict.RemoteTimestamp = d.Remote.LastModified
		conflict.RemoteInstances = d.Remote.InstanceCount
	}

	resolution := cfg.ConflictResolution
	if resolution == types.ConflictResolutionManual {
		if err := m.conflicts.Save(ctx, conflict); err != nil {
			return err
		}
		metrics.SyncConflictsTotal.WithLabelValues(string(d.Type)).Inc()
		m.events.Publish(types.ConflictEvent{ConfigID: cfg.ID, StudyUID: d.StudyUID, Type: d.Type, At: time.Now()})
		return nil
	}

	if resolution == types.ConflictResolutionNewestWins {
		if d.Local != nil && d.Remote != nil && d.Local.LastModified.After(d.Remote.LastModified) {
			resolution = types.ConflictResolutionPreferLocal
		} else {
			resolution = types.ConflictResolutionPreferRemote
		}
	}

	if err := m.conflicts.Save(ctx, conflict); err != nil {
		return err
	}
	metrics.SyncConflictsTotal.WithLabelValues(string(d.Type)).Inc()
	m.events.Publish(types.ConflictEvent{ConfigID: cfg.ID, StudyUID: d.StudyUID, Type: d.Type, At: time.Now()})

	return m.resolve(ctx, cfg, conflict, resolution)
}

// resolve submits and awaits the corrective job for resolution, then
// marks conflict resolved (spec §4.8 step 7, resolve()).
func (m *Manager) resolve(ctx context.Context, cfg *types.SyncConfig, conflict *types.SyncConflict, resolution types.ConflictResolution) error {
	job := &types.Job{
		StudyUID: conflict.StudyUID,
		Priority: types.JobPriorityNormal,
		MaxRetries: 3,
	}
	switch resolution {
	case types.ConflictResolutionPreferLocal:
		job.Type = types.JobTypeSyncPush
		job.SourceNodeID = localEndpointID(cfg)
		job.DestinationNodeID = remoteEndpointID(cfg)
	case types.ConflictResolutionPreferRemote:
		job.Type = types.JobTypeSyncPull
		job.SourceNodeID = remoteEndpointID(cfg)
		job.DestinationNodeID = localEndpointID(cfg)
	default:
		return nil
	}

	jobID, err := m.jobs.Submit(ctx, job)
	if err != nil {
		return err
	}
	if _, err := m.jobs.Wait(ctx, jobID); err != nil {
		return err
	}

	if err := m.conflicts.Resolve(ctx, conflict.PK, resolution); err != nil {
		return err
	}
	conflict.Resolved = true
	conflict.ResolutionUsed = resolution
	return nil
}

// Resolve implements the operator-facing resolve(study_uid,
// resolution) API (spec §4.8 "resolving a conflict ... updates the row
// and, if necessary, submits the corrective job").
func (m *Manager) Resolve(ctx context.Context, cfg *types.SyncConfig, studyUID string, resolution types.ConflictResolution) error {
	conflict, err := m.conflicts.FindByStudyUID(ctx, cfg.ID, studyUID)
	if err != nil {
		return err
	}
	return m.resolve(ctx, cfg, conflict, resolution)
}

func localEndpointID(cfg *types.SyncConfig) string  { return cfg.SourceNodeID }
func remoteEndpointID(cfg *types.SyncConfig) string { return cfg.DestinationNodeID }

// ConnectionProvider is the narrow surface peerQuerier needs from the
// node manager: borrowing and returning pooled peer connections by node
// id. Satisfied by *nodemanager.Manager.
type ConnectionProvider interface {
	Borrow(ctx context.Context, nodeID string, timeout time.Duration) (connpool.Connection, error)
	Return(ctx context.Context, nodeID string, conn connpool.Connection)
}

// peerQuerier adapts a peer.SCU and a node's pooled connection into an
// EndpointQuerier for remote endpoints, translating each matching
// dataset from a C-FIND stream into a StudySnapshot (spec §6.1 dataset
// inspection, §4.8 step 4).
type peerQuerier struct {
	scu    peer.SCU
	conns  ConnectionProvider
	nodeID string
}

// NewPeerQuerier constructs an EndpointQuerier over the remote node
// nodeID, borrowing connections through conns and issuing the C-FIND
// with scu.
func NewPeerQuerier(scu peer.SCU, conns ConnectionProvider, nodeID string) EndpointQuerier {
	return &peerQuerier{scu: scu, conns: conns, nodeID: nodeID}
}

func (q *peerQuerier) QueryStudies(ctx context.Context, filter string) ([]StudySnapshot, error) {
	conn, err := q.conns.Borrow(ctx, q.nodeID, 10*time.Second)
	if err != nil {
		return nil, err
	}
	defer q.conns.Return(ctx, q.nodeID, conn)

	results, err := q.scu.Find(ctx, conn, queryFilter{expr: filter})
	if err != nil {
		return nil, err
	}

	var out []StudySnapshot
	for ds := range results {
		snap := StudySnapshot{}
		if uid, ok := ds.Get("StudyInstanceUID"); ok {
			snap.StudyUID = uid
		}
		if n, ok := ds.InstanceCount(); ok {
			snap.InstanceCount = n
		}
		if t, ok := ds.LastModified(); ok {
			snap.LastModified = t
		}
		if snap.StudyUID != "" {
			out = append(out, snap)
		}
	}
	return out, nil
}

// queryFilter is a minimal peer.Dataset carrying only the
// filter_expression as a "Filter" tag, passed through to Find's query
// argument.
type queryFilter struct {
	expr string
}

func (d queryFilter) Get(tag string) (string, bool) {
	if tag == "Filter" {
		return d.expr, true
	}
	return "", false
}
func (d queryFilter) LastModified() (time.Time, bool) { return time.Time{}, false }
func (d queryFilter) InstanceCount() (int, bool)      { return 0, false }

var _ peer.Dataset = queryFilter{}
var _ EndpointQuerier = (*staticQuerier)(nil)

// staticQuerier is a minimal EndpointQuerier backed by a precomputed
// snapshot set, used to adapt a local archive index (out of scope)
// into the same interface remote queries use.
type staticQuerier struct {
	Snapshots []StudySnapshot
}

func (q *staticQuerier) QueryStudies(ctx context.Context, filter string) ([]StudySnapshot, error) {
	return q.Snapshots, nil
}

// NewStaticQuerier constructs an EndpointQuerier over a fixed snapshot
// set, primarily for tests and for local-archive adapters that already
// hold their study index in memory.
func NewStaticQuerier(snapshots []StudySnapshot) EndpointQuerier {
	return &staticQuerier{Snapshots: snapshots}
}
