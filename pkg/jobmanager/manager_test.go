package jobmanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/resilience"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// memStore is an in-memory JobStore used by every test in this file so
// the state machine can be exercised without a database.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*types.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*types.Job)}
}

func (s *memStore) FindByID(ctx context.Context, jobID string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) Save(ctx context.Context, j *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *memStore) FindPending(ctx context.Context, limit int) ([]*types.Job, error) {
	return nil, nil
}

func (s *memStore) FindRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	return nil, nil
}

func (s *memStore) FindActiveByNode(ctx context.Context, nodeID string) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Job
	for _, j := range s.jobs {
		if (j.SourceNodeID == nodeID || j.DestinationNodeID == nodeID) && !j.Status.IsTerminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) Stats(ctx context.Context) (*types.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &types.JobStats{CountByStatus: make(map[types.JobStatus]int64)}
	for _, j := range s.jobs {
		stats.CountByStatus[j.Status]++
	}
	return stats, nil
}

func (s *memStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// fakeConns is a ConnectionProvider always handing out a FakeConnection.
type fakeConns struct{}

func (fakeConns) Borrow(ctx context.Context, nodeID string, timeout time.Duration) (connpool.Connection, error) {
	return peer.NewFakeConnection(nodeID), nil
}

func (fakeConns) Return(ctx context.Context, nodeID string, conn connpool.Connection) {}

func testManager(t *testing.T) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	cfg := config.JobManagerConfig{
		Workers:               2,
		QueueCapacity:         100,
		ProgressFlushInterval: time.Millisecond,
		MaxConcurrentPerNode:  2,
	}
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  3,
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
	mgr := New(cfg, store, fakeConns{}, retryCfg, breakerCfg)
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(mgr.Stop)
	return mgr, store
}

// TestSubmitAndCompleteStoreJob covers spec §8 scenario 1: a store job
// dispatched to a handler that succeeds on the first attempt reaches
// completed after exactly one Store call.
func TestSubmitAndCompleteStoreJob(t *testing.T) {
	mgr, _ := testManager(t)
	scu := peer.NewFakeSCU()

	mgr.RegisterHandler(types.JobTypeStore, func(ctx context.Context, job *types.Job, hctx *HandlerContext) error {
		ds := &peer.MapDataset{Tags: map[string]string{"StudyInstanceUID": job.StudyUID, "SOPInstanceUID": "1.2.3.1"}}
		return hctx.Call(job.DestinationNodeID, func(ctx context.Context) error {
			return scu.Store(ctx, nil, ds, func(itemsDone, bytesDone int64, currentItem string) {
				hctx.ReportProgress(itemsDone, bytesDone, currentItem)
			})
		})
	})

	jobID, err := mgr.Submit(context.Background(), &types.Job{
		Type:              types.JobTypeStore,
		DestinationNodeID: "node-a",
		StudyUID:          "1.2.840.1",
		MaxRetries:        3,
	})
	require.NoError(t, err)

	job, err := mgr.Wait(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, scu.StoreCallCount())
}

// TestRetryThenSuccess covers spec §8 scenario 2: the peer fails the
// first two attempts and succeeds the third; the job still completes,
// with retry_count reflecting the two failed attempts.
func TestRetryThenSuccess(t *testing.T) {
	mgr, _ := testManager(t)
	scu := peer.NewFakeSCU()
	scu.StoreFailuresBeforeSuccess = 2

	mgr.RegisterHandler(types.JobTypeStore, func(ctx context.Context, job *types.Job, hctx *HandlerContext) error {
		ds := &peer.MapDataset{Tags: map[string]string{"StudyInstanceUID": job.StudyUID, "SOPInstanceUID": "1.2.3.1"}}
		return hctx.Call(job.DestinationNodeID, func(ctx context.Context) error {
			return scu.Store(ctx, nil, ds, nil)
		})
	})

	jobID, err := mgr.Submit(context.Background(), &types.Job{
		Type:              types.JobTypeStore,
		DestinationNodeID: "node-a",
		StudyUID:          "1.2.840.2",
		MaxRetries:        3,
	})
	require.NoError(t, err)

	job, err := mgr.Wait(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.RetryCount)
}

// TestCancelQueuedJob covers spec §8 scenario 4's queued-side case: a
// job canceled before any worker claims it must never run.
func TestCancelQueuedJob(t *testing.T) {
	cfg := config.JobManagerConfig{
		Workers:               0,
		QueueCapacity:         100,
		ProgressFlushInterval: time.Millisecond,
		MaxConcurrentPerNode:  1,
	}
	store := newMemStore()
	mgr := New(cfg, store, fakeConns{},
		resilience.RetryConfig{MaxAttempts: 1, Strategy: resilience.StrategyFixed},
		resilience.CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, OpenDuration: time.Millisecond})
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	jobID, err := mgr.Submit(context.Background(), &types.Job{Type: types.JobTypeEcho, MaxRetries: 0})
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(context.Background(), jobID))

	job, err := store.FindByID(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCanceled, job.Status)
}

// TestPauseResumeRunningJob covers the cooperative pause/resume path: a
// handler blocked on CheckPoint resumes once Resume is called.
func TestPauseResumeRunningJob(t *testing.T) {
	mgr, store := testManager(t)
	resumed := make(chan struct{})
	started := make(chan struct{})

	mgr.RegisterHandler(types.JobTypeEcho, func(ctx context.Context, job *types.Job, hctx *HandlerContext) error {
		close(started)
		// Checkpoint repeatedly with small gaps so the test has a wide
		// window to call Pause before the handler would otherwise finish.
		for i := 0; i < 20; i++ {
			if err := hctx.CheckPoint(); err != nil {
				return err
			}
			time.Sleep(5 * time.Millisecond)
		}
		close(resumed)
		return nil
	})

	jobID, err := mgr.Submit(context.Background(), &types.Job{Type: types.JobTypeEcho, MaxRetries: 0})
	require.NoError(t, err)

	<-started
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, mgr.Pause(context.Background(), jobID))
	// the paused status is persisted only when the handler reaches its
	// next CheckPoint; Resume is valid only from paused
	require.Eventually(t, func() bool {
		j, err := store.FindByID(context.Background(), jobID)
		return err == nil && j.Status == types.JobStatusPaused
	}, time.Second, time.Millisecond)
	require.NoError(t, mgr.Resume(context.Background(), jobID))

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("handler never resumed")
	}

	job, err := mgr.Wait(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
}

// TestCancelDuringExecutionStopsHandler covers spec §8 scenario 4: a
// long-running Move is canceled mid-stream and the job ends canceled,
// not completed.
func TestCancelDuringExecutionStopsHandler(t *testing.T) {
	mgr, _ := testManager(t)
	scu := peer.NewFakeSCU()
	scu.StreamItems = 20
	scu.StreamDelay = 20 * time.Millisecond

	mgr.RegisterHandler(types.JobTypeRetrieve, func(ctx context.Context, job *types.Job, hctx *HandlerContext) error {
		return scu.Move(hctx.Context(), nil, "DEST_AE", &peer.MapDataset{}, func(itemsDone, bytesDone int64, currentItem string) {
			hctx.ReportProgress(itemsDone, bytesDone, currentItem)
		})
	})

	jobID, err := mgr.Submit(context.Background(), &types.Job{
		Type:              types.JobTypeRetrieve,
		DestinationNodeID: "node-b",
		MaxRetries:        0,
	})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, mgr.Cancel(context.Background(), jobID))

	job, err := mgr.Wait(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCanceled, job.Status)
}
