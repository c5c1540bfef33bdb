// Package jobmanager implements the job queue, worker pool, and state
// machine at the center of the PACS client subsystem (spec §4.5). Every
// asynchronous DICOM operation (echo, query, retrieve, store, forward,
// sync pull/push, prefetch) is submitted here as a types.Job and
// dispatched to a registered Handler by one of a fixed pool of worker
// goroutines.
//
// Grounded on the teacher's pkg/scheduler (ticker+mutex+stopCh
// controller idiom) and pkg/reconciler (metrics.Timer-wrapped work
// cycles), generalized from a fixed reconcile tick to a heap-ordered,
// continuously-fed work queue since jobs arrive by submission, not on a
// schedule.
package jobmanager

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/events"
	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/metrics"
	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/resilience"
	"github.com/kcenon/pacs-system-sub002/pkg/types"

	"github.com/rs/zerolog"
)

// JobStore is the persistence surface Manager needs. Satisfied by
// *repository.JobRepository; tests substitute an in-memory fake so the
// state machine can be exercised without a database.
type JobStore interface {
	FindByID(ctx context.Context, jobID string) (*types.Job, error)
	Save(ctx context.Context, j *types.Job) error
	FindPending(ctx context.Context, limit int) ([]*types.Job, error)
	FindRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Job, error)
	FindActiveByNode(ctx context.Context, nodeID string) ([]*types.Job, error)
	Stats(ctx context.Context) (*types.JobStats, error)
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
}

// Manager owns the job queue, the worker pool, and every in-flight
// job's control state.
type Manager struct {
	cfg   config.JobManagerConfig
	repo  JobStore
	conns ConnectionProvider

	retryCfg   resilience.RetryConfig
	breakerCfg resilience.CircuitBreakerConfig

	events *events.Broker[types.JobEvent]
	logger zerolog.Logger

	handlersMu sync.RWMutex
	handlers   map[types.JobType]Handler

	mu      sync.Mutex
	queue   *jobQueue
	wake    chan struct{}
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	controlsMu sync.Mutex
	controls   map[string]*jobControl

	semMu      sync.Mutex
	semaphores map[string]chan struct{}

	executorsMu sync.Mutex
	executors   map[string]*resilience.Executor
}

// New constructs a Manager. Call RegisterHandler for every types.JobType
// the deployment dispatches, then Start.
func New(cfg config.JobManagerConfig, repo JobStore, conns ConnectionProvider,
	retryCfg resilience.RetryConfig, breakerCfg resilience.CircuitBreakerConfig) *Manager {
	return &Manager{
		cfg:        cfg,
		repo:       repo,
		conns:      conns,
		retryCfg:   retryCfg,
		breakerCfg: breakerCfg,
		events:     events.NewBroker[types.JobEvent](),
		logger:     log.WithComponent("job_manager"),
		handlers:   make(map[types.JobType]Handler),
		queue:      &jobQueue{},
		wake:       make(chan struct{}),
		stopCh:     make(chan struct{}),
		controls:   make(map[string]*jobControl),
		semaphores: make(map[string]chan struct{}),
		executors:  make(map[string]*resilience.Executor),
	}
}

// RegisterHandler binds jobType to handler. Must be called before Start.
func (m *Manager) RegisterHandler(jobType types.JobType, handler Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[jobType] = handler
}

// Start recovers crashed jobs, loads pending work, and launches the
// worker pool (spec §4.5.8 crash recovery).
func (m *Manager) Start(ctx context.Context) error {
	if err := m.recover(ctx); err != nil {
		return err
	}

	pending, err := m.repo.FindPending(ctx, m.cfg.QueueCapacity)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.running = true
	for _, job := range pending {
		if job.Status == types.JobStatusPending {
			job.Status = types.JobStatusQueued
		}
		heap.Push(m.queue, job)
	}
	metrics.JobQueueDepth.Set(float64(m.queue.Len()))
	m.mu.Unlock()

	m.wg.Add(m.cfg.Workers)
	for i := 0; i < m.cfg.Workers; i++ {
		go m.workerLoop(i)
	}

	m.logger.Info().Int("workers", m.cfg.Workers).Int("recovered", len(pending)).Msg("job manager started")
	return nil
}

// recover resets jobs left running by an unclean shutdown back to
// queued (spec §4.5.8).
func (m *Manager) recover(ctx context.Context) error {
	stuck, err := m.repo.FindRunningOlderThan(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, job := range stuck {
		job.Status = types.JobStatusQueued
		if err := m.repo.Save(ctx, job); err != nil {
			return err
		}
		m.logger.Warn().Str("job_id", job.ID).Msg("recovered running job to queued after restart")
	}
	return nil
}

// Stop signals every worker to finish its current job and exit, then
// waits for them.
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
	m.logger.Info().Msg("job manager stopped")
}

// Submit validates and persists a new job as pending, then immediately
// enqueues it as queued (spec §4.5.3 submit()).
func (m *Manager) Submit(ctx context.Context, job *types.Job) (string, error) {
	if job.Type == "" {
		return "", pacserrors.NewValidationError("job type is required")
	}
	if job.Priority == "" {
		job.Priority = types.JobPriorityNormal
	}
	if job.MaxRetries < 0 {
		return "", pacserrors.NewValidationError("max_retries must be non-negative")
	}

	job.ID = uuid.New().String()
	job.Status = types.JobStatusPending
	job.CreatedAt = time.Now()

	if err := m.repo.Save(ctx, job); err != nil {
		return "", err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(string(job.Type)).Inc()

	prev := job.Status
	job.Status = types.JobStatusQueued
	if err := m.repo.Save(ctx, job); err != nil {
		return "", err
	}
	m.events.Publish(types.JobEvent{JobID: job.ID, OldStatus: prev, NewStatus: job.Status, At: time.Now()})

	m.mu.Lock()
	if m.queue.Len() >= m.cfg.QueueCapacity {
		m.mu.Unlock()
		return "", pacserrors.New(pacserrors.TypeLocalResource, "job queue is at capacity")
	}
	heap.Push(m.queue, job)
	metrics.JobQueueDepth.Set(float64(m.queue.Len()))
	m.wakeLocked()
	m.mu.Unlock()

	return job.ID, nil
}

// Cancel requests cancellation of jobID. Pending/queued jobs are
// canceled immediately; a running job's handler observes cancellation
// at its next checkpoint (spec §4.5.4 cancel()).
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return pacserrors.NewConflictError("job " + jobID + " is already terminal")
	}

	if ctrl := m.getControl(jobID); ctrl != nil {
		ctrl.requestCancel()
		return nil
	}

	prev := job.Status
	job.Status = types.JobStatusCanceled
	job.CompletedAt = time.Now()
	if err := m.repo.Save(ctx, job); err != nil {
		return err
	}
	m.events.Publish(types.JobEvent{JobID: job.ID, OldStatus: prev, NewStatus: job.Status, At: time.Now()})
	return nil
}

// Pause requests a running job suspend at its next checkpoint (spec
// §4.5.4 pause()). Only valid for running jobs.
func (m *Manager) Pause(ctx context.Context, jobID string) error {
	job, err := m.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobStatusRunning {
		return pacserrors.NewConflictError("job " + jobID + " is not running")
	}
	ctrl := m.getControl(jobID)
	if ctrl == nil {
		return pacserrors.NewConflictError("job " + jobID + " has no active worker")
	}
	ctrl.requestPause()
	return nil
}

// Resume wakes a paused job so its handler continues from its last
// checkpoint (spec §4.5.4 resume()).
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	job, err := m.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobStatusPaused {
		return pacserrors.NewConflictError("job " + jobID + " is not paused")
	}
	ctrl := m.getControl(jobID)
	if ctrl == nil {
		return pacserrors.NewConflictError("job " + jobID + " has no active worker")
	}
	ctrl.requestResume()
	return nil
}

// Retry re-queues a failed job, provided it has not exhausted
// max_retries (spec §4.5.4 retry()).
func (m *Manager) Retry(ctx context.Context, jobID string) error {
	job, err := m.repo.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobStatusFailed {
		return pacserrors.NewConflictError("job " + jobID + " is not failed")
	}
	if job.RetryCount >= job.MaxRetries {
		return pacserrors.NewConflictError("job " + jobID + " has exhausted its retries")
	}

	prev := job.Status
	job.Status = types.JobStatusQueued
	job.ErrorMessage = ""
	job.ErrorDetails = ""
	if err := m.repo.Save(ctx, job); err != nil {
		return err
	}
	m.events.Publish(types.JobEvent{JobID: job.ID, OldStatus: prev, NewStatus: job.Status, At: time.Now()})

	m.mu.Lock()
	heap.Push(m.queue, job)
	metrics.JobQueueDepth.Set(float64(m.queue.Len()))
	m.wakeLocked()
	m.mu.Unlock()
	return nil
}

// Subscribe returns a channel of job state transitions (spec §4.5.4
// subscribe()).
func (m *Manager) Subscribe() events.Subscriber[types.JobEvent] {
	return m.events.Subscribe()
}

// Unsubscribe releases a subscription returned by Subscribe.
func (m *Manager) Unsubscribe(sub events.Subscriber[types.JobEvent]) {
	m.events.Unsubscribe(sub)
}

// Wait blocks until jobID reaches a terminal status or failed, or ctx
// is done, returning the final job.
func (m *Manager) Wait(ctx context.Context, jobID string) (*types.Job, error) {
	sub := m.Subscribe()
	defer m.Unsubscribe(sub)

	job, err := m.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() || job.Status == types.JobStatusFailed {
		return job, nil
	}

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return m.repo.FindByID(ctx, jobID)
			}
			if ev.JobID != jobID {
				continue
			}
			if ev.NewStatus.IsTerminal() || ev.NewStatus == types.JobStatusFailed {
				return m.repo.FindByID(ctx, jobID)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats returns the job repository's current status breakdown (spec
// §4.5.7 stats()).
func (m *Manager) Stats(ctx context.Context) (*types.JobStats, error) {
	return m.repo.Stats(ctx)
}

// Cleanup removes terminal jobs older than retention (spec §4.5.6
// cleanup retention).
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return m.repo.Cleanup(ctx, time.Now().Add(-retention))
}

// HasActiveJobsForNode implements the node manager's
// JobReferenceChecker dependency: reports whether nodeID still has any
// non-terminal job referencing it, so Unregister can refuse while jobs
// are outstanding (spec §4.4).
func (m *Manager) HasActiveJobsForNode(ctx context.Context, nodeID string) (bool, error) {
	jobs, err := m.repo.FindActiveByNode(ctx, nodeID)
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

func (m *Manager) wakeLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Manager) dequeue() (*types.Job, bool) {
	for {
		m.mu.Lock()
		if m.queue.Len() > 0 {
			job := heap.Pop(m.queue).(*types.Job)
			metrics.JobQueueDepth.Set(float64(m.queue.Len()))
			m.mu.Unlock()
			return job, true
		}
		if !m.running {
			m.mu.Unlock()
			return nil, false
		}
		wait := m.wake
		m.mu.Unlock()

		select {
		case <-wait:
		case <-m.stopCh:
			return nil, false
		}
	}
}

func (m *Manager) workerLoop(id int) {
	defer m.wg.Done()
	for {
		job, ok := m.dequeue()
		if !ok {
			return
		}
		m.runJob(job)
	}
}

func (m *Manager) runJob(job *types.Job) {
	// A job canceled while still queued (no worker had claimed it, so no
	// jobControl exists yet) was marked canceled directly in the
	// repository by Cancel. Re-read before dispatching so that path is
	// honored instead of silently resurrected into running.
	if current, err := m.repo.FindByID(context.Background(), job.ID); err == nil {
		job = current
	}
	if job.Status == types.JobStatusCanceled {
		return
	}

	ctrl := newJobControl(context.Background())
	m.setControl(job.ID, ctrl)
	defer m.clearControl(job.ID)

	if ctrl.cancelRequested.Load() {
		m.finishCanceled(job)
		return
	}

	release := m.acquireSlot(ctrl.ctx, job.DestinationNodeID)
	defer release()

	metrics.JobWorkersBusy.Inc()
	defer metrics.JobWorkersBusy.Dec()

	prevStatus := job.Status
	job.Status = types.JobStatusRunning
	job.StartedAt = time.Now()
	if err := m.repo.Save(context.Background(), job); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist running transition")
	}
	m.events.Publish(types.JobEvent{JobID: job.ID, OldStatus: prevStatus, NewStatus: job.Status, At: time.Now()})

	m.handlersMu.RLock()
	handler, ok := m.handlers[job.Type]
	m.handlersMu.RUnlock()
	if !ok {
		m.finishFailed(job, pacserrors.Newf(pacserrors.TypeValidation, "no handler registered for job type %q", job.Type))
		return
	}

	hctx := &HandlerContext{mgr: m, job: job, ctrl: ctrl}
	timer := metrics.NewTimer()
	err := handler(ctrl.ctx, job, hctx)
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Type))

	switch {
	case err == nil:
		m.finishCompleted(job)
	case ctrl.cancelRequested.Load():
		m.finishCanceled(job)
	default:
		m.finishFailed(job, err)
	}
}

func (m *Manager) finishCompleted(job *types.Job) {
	prev := job.Status
	job.Status = types.JobStatusCompleted
	job.CompletedAt = time.Now()
	if job.ItemsTotal > 0 {
		job.ItemsDone = job.ItemsTotal
	}
	if job.BytesTotal > 0 {
		job.BytesDone = job.BytesTotal
	}
	if err := m.repo.Save(context.Background(), job); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist completed transition")
	}
	m.events.Publish(types.JobEvent{JobID: job.ID, OldStatus: prev, NewStatus: job.Status, At: time.Now()})
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Type), "success").Inc()
}

func (m *Manager) finishCanceled(job *types.Job) {
	prev := job.Status
	job.Status = types.JobStatusCanceled
	job.CompletedAt = time.Now()
	if err := m.repo.Save(context.Background(), job); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist canceled transition")
	}
	m.events.Publish(types.JobEvent{JobID: job.ID, OldStatus: prev, NewStatus: job.Status, At: time.Now()})
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Type), "canceled").Inc()
}

func (m *Manager) finishFailed(job *types.Job, err error) {
	prev := job.Status
	job.Status = types.JobStatusFailed
	job.ErrorMessage = err.Error()
	if ae, ok := err.(*pacserrors.AppError); ok {
		job.ErrorDetails = ae.Details
	}
	job.CompletedAt = time.Now()
	if err := m.repo.Save(context.Background(), job); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist failed transition")
	}
	m.events.Publish(types.JobEvent{JobID: job.ID, OldStatus: prev, NewStatus: job.Status, At: time.Now()})
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Type), "failure").Inc()
}

// checkpoint blocks the calling handler goroutine while its job is
// paused, persisting the paused/running transitions, and returns an
// error if the job is canceled before or during the wait.
func (m *Manager) checkpoint(job *types.Job, ctrl *jobControl) error {
	if err := ctrl.ctx.Err(); err != nil {
		return err
	}
	if !ctrl.pauseRequested.Load() {
		return nil
	}

	prev := job.Status
	job.Status = types.JobStatusPaused
	if err := m.repo.Save(context.Background(), job); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist paused transition")
	}
	m.events.Publish(types.JobEvent{JobID: job.ID, OldStatus: prev, NewStatus: job.Status, At: time.Now()})

	for {
		resumeCh := ctrl.resumeChan()
		select {
		case <-resumeCh:
			if err := ctrl.ctx.Err(); err != nil {
				return err
			}
			if ctrl.pauseRequested.Load() {
				continue
			}
			prev := job.Status
			job.Status = types.JobStatusRunning
			if err := m.repo.Save(context.Background(), job); err != nil {
				m.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist running transition after resume")
			}
			m.events.Publish(types.JobEvent{JobID: job.ID, OldStatus: prev, NewStatus: job.Status, At: time.Now()})
			return nil
		case <-ctrl.ctx.Done():
			return ctrl.ctx.Err()
		}
	}
}

// reportProgress updates job's in-memory progress fields and persists
// them at most once per ProgressFlushInterval (spec §4.5.6).
func (m *Manager) reportProgress(job *types.Job, ctrl *jobControl, itemsDone, bytesDone int64, currentItem string) {
	job.ItemsDone = itemsDone
	job.BytesDone = bytesDone
	job.CurrentItem = currentItem

	now := time.Now()
	ctrl.mu.Lock()
	flush := now.Sub(ctrl.lastFlush) >= m.cfg.ProgressFlushInterval
	if flush {
		ctrl.lastFlush = now
	}
	ctrl.mu.Unlock()
	if !flush {
		return
	}
	if err := m.repo.Save(context.Background(), job); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist progress")
	}
}

// recordAttemptFailure bumps retry_count and records the latest error
// without transitioning the job's status; called between wire-level
// retry attempts inside HandlerContext.Call (spec §4.5.6).
func (m *Manager) recordAttemptFailure(job *types.Job, err error) {
	job.RetryCount++
	job.ErrorMessage = err.Error()
	if ae, ok := err.(*pacserrors.AppError); ok {
		job.ErrorDetails = ae.Details
	}
	metrics.RetryAttemptsTotal.WithLabelValues(string(job.Type)).Inc()
	if saveErr := m.repo.Save(context.Background(), job); saveErr != nil {
		m.logger.Warn().Err(saveErr).Str("job_id", job.ID).Msg("failed to persist retry attempt")
	}
}

func (m *Manager) acquireSlot(ctx context.Context, nodeID string) func() {
	if nodeID == "" || m.cfg.MaxConcurrentPerNode <= 0 {
		return func() {}
	}
	sem := m.semaphoreFor(nodeID)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }
	case <-ctx.Done():
		return func() {}
	}
}

func (m *Manager) semaphoreFor(nodeID string) chan struct{} {
	m.semMu.Lock()
	defer m.semMu.Unlock()
	sem, ok := m.semaphores[nodeID]
	if !ok {
		sem = make(chan struct{}, m.cfg.MaxConcurrentPerNode)
		m.semaphores[nodeID] = sem
	}
	return sem
}

func (m *Manager) executorFor(serviceName string) *resilience.Executor {
	m.executorsMu.Lock()
	defer m.executorsMu.Unlock()
	if ex, ok := m.executors[serviceName]; ok {
		return ex
	}
	breakerCfg := m.breakerCfg
	breakerCfg.Name = fmt.Sprintf("job_manager.%s", serviceName)
	ex := resilience.NewExecutor(resilience.NewRetryPolicy(m.retryCfg), resilience.NewCircuitBreaker(breakerCfg))
	m.executors[serviceName] = ex
	return ex
}

func (m *Manager) getControl(jobID string) *jobControl {
	m.controlsMu.Lock()
	defer m.controlsMu.Unlock()
	return m.controls[jobID]
}

func (m *Manager) setControl(jobID string, ctrl *jobControl) {
	m.controlsMu.Lock()
	defer m.controlsMu.Unlock()
	m.controls[jobID] = ctrl
}

func (m *Manager) clearControl(jobID string) {
	m.controlsMu.Lock()
	defer m.controlsMu.Unlock()
	delete(m.controls, jobID)
}
