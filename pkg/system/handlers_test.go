package system

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
	"github.com/kcenon/pacs-system-sub002/pkg/jobmanager"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/resilience"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*types.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*types.Job)}
}

func (s *memJobStore) FindByID(ctx context.Context, jobID string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.jobs[jobID]
	return &cp, nil
}

func (s *memJobStore) Save(ctx context.Context, j *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *memJobStore) FindPending(ctx context.Context, limit int) ([]*types.Job, error) { return nil, nil }
func (s *memJobStore) FindRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	return nil, nil
}
func (s *memJobStore) FindActiveByNode(ctx context.Context, nodeID string) ([]*types.Job, error) {
	return nil, nil
}
func (s *memJobStore) Stats(ctx context.Context) (*types.JobStats, error) {
	return &types.JobStats{CountByStatus: map[types.JobStatus]int64{}}, nil
}
func (s *memJobStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) { return 0, nil }

type fakeConns struct{}

func (fakeConns) Borrow(ctx context.Context, nodeID string, timeout time.Duration) (connpool.Connection, error) {
	return peer.NewFakeConnection(nodeID), nil
}

func (fakeConns) Return(ctx context.Context, nodeID string, conn connpool.Connection) {}

func testJobManager(t *testing.T) *jobmanager.Manager {
	t.Helper()
	cfg := config.JobManagerConfig{
		Workers:               2,
		QueueCapacity:         10,
		ProgressFlushInterval: time.Millisecond,
		MaxConcurrentPerNode:  2,
	}
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Strategy:     resilience.StrategyFixed,
	}
	breakerCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenDuration:     10 * time.Millisecond,
	}
	mgr := jobmanager.New(cfg, newMemJobStore(), fakeConns{}, retryCfg, breakerCfg)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Stop)
	return mgr
}

// TestRegisterHandlers_StoreJobCallsSCU covers a store job dispatched
// through the registered handler reaching the fake SCU's Store call.
func TestRegisterHandlers_StoreJobCallsSCU(t *testing.T) {
	mgr := testJobManager(t)
	scu := peer.NewFakeSCU()
	registerHandlers(mgr, scu, 5*time.Second)

	jobID, err := mgr.Submit(context.Background(), &types.Job{
		Type:              types.JobTypeStore,
		DestinationNodeID: "node-a",
		StudyUID:          "1.2.840.1",
		MaxRetries:        2,
	})
	require.NoError(t, err)

	job, err := mgr.Wait(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, scu.StoreCallCount())
}

// TestRegisterHandlers_RetrieveRequiresSourceNode covers a retrieve job
// submitted without a source node failing fast instead of borrowing a
// nonexistent connection.
func TestRegisterHandlers_RetrieveRequiresSourceNode(t *testing.T) {
	mgr := testJobManager(t)
	scu := peer.NewFakeSCU()
	registerHandlers(mgr, scu, 5*time.Second)

	jobID, err := mgr.Submit(context.Background(), &types.Job{
		Type:       types.JobTypeRetrieve,
		StudyUID:   "1.2.840.2",
		MaxRetries: 0,
	})
	require.NoError(t, err)

	job, err := mgr.Wait(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status)
}

// TestRegisterHandlers_EchoUsesConfiguredDestination covers an echo job
// round-tripping through the fake connection provider to the fake SCU.
func TestRegisterHandlers_EchoUsesConfiguredDestination(t *testing.T) {
	mgr := testJobManager(t)
	scu := peer.NewFakeSCU()
	registerHandlers(mgr, scu, 5*time.Second)

	jobID, err := mgr.Submit(context.Background(), &types.Job{
		Type:              types.JobTypeEcho,
		DestinationNodeID: "node-a",
		MaxRetries:        0,
	})
	require.NoError(t, err)

	job, err := mgr.Wait(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}
