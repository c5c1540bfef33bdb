package jobmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kcenon/pacs-system-sub002/pkg/connpool"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// Handler dispatches one job. It must check hctx.CheckPoint periodically
// between units of work so cancellation and pause are honored promptly
// (spec §4.5.4), and should route every wire call through hctx.Call so
// retry/circuit-breaker behavior and retry_count bookkeeping apply
// uniformly (spec §4.5.5, §4.5.6).
type Handler func(ctx context.Context, job *types.Job, hctx *HandlerContext) error

// ConnectionProvider is the narrow surface jobmanager needs from the
// node manager: borrowing and returning pooled peer connections by
// node id. Depending on this interface instead of importing
// pkg/nodemanager directly avoids a jobmanager<->nodemanager import
// cycle (nodemanager needs to ask the job manager whether a node has
// outstanding job references before allowing Unregister).
type ConnectionProvider interface {
	Borrow(ctx context.Context, nodeID string, timeout time.Duration) (connpool.Connection, error)
	Return(ctx context.Context, nodeID string, conn connpool.Connection)
}

// jobControl is the in-memory control-plane counterpart to a running or
// paused job: a cancelable context plus a replaceable resume signal,
// following the same close-and-replace broadcast idiom as
// pkg/connpool.Pool's notify channel.
type jobControl struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	resumeCh  chan struct{}
	lastFlush time.Time

	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool
}

func newJobControl(parent context.Context) *jobControl {
	ctx, cancel := context.WithCancel(parent)
	return &jobControl{ctx: ctx, cancel: cancel, resumeCh: make(chan struct{})}
}

func (c *jobControl) resumeChan() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeCh
}

func (c *jobControl) wakeLocked() {
	close(c.resumeCh)
	c.resumeCh = make(chan struct{})
}

func (c *jobControl) requestPause() {
	c.pauseRequested.Store(true)
}

func (c *jobControl) requestResume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseRequested.Store(false)
	c.wakeLocked()
}

func (c *jobControl) requestCancel() {
	c.cancelRequested.Store(true)
	c.cancel()
	c.mu.Lock()
	c.wakeLocked()
	c.mu.Unlock()
}

// HandlerContext is the per-invocation surface a Handler uses to
// cooperate with the job manager: checkpointing for cancel/pause,
// coalesced progress reporting, connection borrowing, and resilient
// wire calls.
type HandlerContext struct {
	mgr  *Manager
	job  *types.Job
	ctrl *jobControl
}

// Context returns the job's cancellation context; canceled when the
// job is canceled.
func (h *HandlerContext) Context() context.Context {
	return h.ctrl.ctx
}

// CheckPoint blocks while the job is paused, and returns ctx.Err() if
// the job has been (or becomes, while paused) canceled. Handlers should
// call this between discrete units of work (e.g. once per SOP instance).
func (h *HandlerContext) CheckPoint() error {
	return h.mgr.checkpoint(h.job, h.ctrl)
}

// ReportProgress updates the job's progress counters, persisting at
// most once per ProgressFlushInterval (spec §4.5.6).
func (h *HandlerContext) ReportProgress(itemsDone, bytesDone int64, currentItem string) {
	h.mgr.reportProgress(h.job, h.ctrl, itemsDone, bytesDone, currentItem)
}

// Borrow acquires a pooled connection to nodeID through the manager's
// ConnectionProvider.
func (h *HandlerContext) Borrow(ctx context.Context, nodeID string, timeout time.Duration) (connpool.Connection, error) {
	return h.mgr.conns.Borrow(ctx, nodeID, timeout)
}

// Return releases a connection acquired via Borrow.
func (h *HandlerContext) Return(ctx context.Context, nodeID string, conn connpool.Connection) {
	h.mgr.conns.Return(ctx, nodeID, conn)
}

// Call runs fn through the resilient executor scoped to serviceName
// (typically the destination node id), reporting every retried attempt
// failure against the job's retry_count and error fields (spec §4.5.6).
func (h *HandlerContext) Call(serviceName string, fn func(ctx context.Context) error) error {
	executor := h.mgr.executorFor(serviceName)
	return executor.ExecuteWithObserver(h.ctrl.ctx, fn, func(err error) {
		h.mgr.recordAttemptFailure(h.job, err)
	})
}
