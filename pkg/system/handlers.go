package system

import (
	"context"
	"fmt"
	"time"

	"github.com/kcenon/pacs-system-sub002/pkg/jobmanager"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// registerHandlers binds every types.JobType the system can dispatch to
// a Handler built over the peer.SCU surface (spec §6.1), routing each
// wire call through hctx.Call so retry/circuit-breaker accounting
// applies uniformly (spec §4.5.5, §4.5.6) and reporting progress as
// C-MOVE/C-STORE streams report it.
func registerHandlers(jobs *jobmanager.Manager, scu peer.SCU, borrowTimeout time.Duration) {
	jobs.RegisterHandler(types.JobTypeEcho, echoHandler(scu, borrowTimeout))
	jobs.RegisterHandler(types.JobTypeQuery, queryHandler(scu, borrowTimeout))
	jobs.RegisterHandler(types.JobTypeRetrieve, retrieveHandler(scu, borrowTimeout))
	jobs.RegisterHandler(types.JobTypeStore, storeHandler(scu, borrowTimeout))
	jobs.RegisterHandler(types.JobTypeForward, storeHandler(scu, borrowTimeout))
	jobs.RegisterHandler(types.JobTypeSyncPull, retrieveHandler(scu, borrowTimeout))
	jobs.RegisterHandler(types.JobTypeSyncPush, storeHandler(scu, borrowTimeout))
	jobs.RegisterHandler(types.JobTypePrefetch, retrieveHandler(scu, borrowTimeout))
}

func echoHandler(scu peer.SCU, borrowTimeout time.Duration) jobmanager.Handler {
	return func(ctx context.Context, job *types.Job, hctx *jobmanager.HandlerContext) error {
		return hctx.Call(job.DestinationNodeID, func(ctx context.Context) error {
			conn, err := hctx.Borrow(ctx, job.DestinationNodeID, borrowTimeout)
			if err != nil {
				return err
			}
			defer hctx.Return(ctx, job.DestinationNodeID, conn)
			return scu.Echo(ctx, conn)
		})
	}
}

// studyQuery is the peer.Dataset a query/retrieve/prefetch job builds
// from its own StudyUID/SeriesUID, since jobs don't carry an arbitrary
// query dataset of their own.
type studyQuery struct {
	studyUID  string
	seriesUID string
}

func (q *studyQuery) Get(tag string) (string, bool) {
	switch tag {
	case "StudyInstanceUID":
		return q.studyUID, q.studyUID != ""
	case "SeriesInstanceUID":
		return q.seriesUID, q.seriesUID != ""
	default:
		return "", false
	}
}

func (q *studyQuery) LastModified() (t time.Time, ok bool) { return t, false }
func (q *studyQuery) InstanceCount() (int, bool)           { return 0, false }

func queryHandler(scu peer.SCU, borrowTimeout time.Duration) jobmanager.Handler {
	return func(ctx context.Context, job *types.Job, hctx *jobmanager.HandlerContext) error {
		return hctx.Call(job.DestinationNodeID, func(ctx context.Context) error {
			conn, err := hctx.Borrow(ctx, job.DestinationNodeID, borrowTimeout)
			if err != nil {
				return err
			}
			defer hctx.Return(ctx, job.DestinationNodeID, conn)

			results, err := scu.Find(ctx, conn, &studyQuery{studyUID: job.StudyUID, seriesUID: job.SeriesUID})
			if err != nil {
				return err
			}
			var found int64
			for range results {
				found++
				hctx.ReportProgress(found, 0, job.StudyUID)
				if err := hctx.CheckPoint(); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func retrieveHandler(scu peer.SCU, borrowTimeout time.Duration) jobmanager.Handler {
	return func(ctx context.Context, job *types.Job, hctx *jobmanager.HandlerContext) error {
		if job.SourceNodeID == "" {
			return fmt.Errorf("system: job %s has no source node to retrieve from", job.ID)
		}
		return hctx.Call(job.SourceNodeID, func(ctx context.Context) error {
			conn, err := hctx.Borrow(ctx, job.SourceNodeID, borrowTimeout)
			if err != nil {
				return err
			}
			defer hctx.Return(ctx, job.SourceNodeID, conn)

			destinationAE := job.DestinationNodeID
			query := &studyQuery{studyUID: job.StudyUID, seriesUID: job.SeriesUID}
			return scu.Move(ctx, conn, destinationAE, query, func(itemsDone, bytesDone int64, currentItem string) {
				hctx.ReportProgress(itemsDone, bytesDone, currentItem)
				_ = hctx.CheckPoint()
			})
		})
	}
}

func storeHandler(scu peer.SCU, borrowTimeout time.Duration) jobmanager.Handler {
	return func(ctx context.Context, job *types.Job, hctx *jobmanager.HandlerContext) error {
		if job.DestinationNodeID == "" {
			return fmt.Errorf("system: job %s has no destination node to store to", job.ID)
		}
		return hctx.Call(job.DestinationNodeID, func(ctx context.Context) error {
			conn, err := hctx.Borrow(ctx, job.DestinationNodeID, borrowTimeout)
			if err != nil {
				return err
			}
			defer hctx.Return(ctx, job.DestinationNodeID, conn)

			dataset := &studyQuery{studyUID: job.StudyUID, seriesUID: job.SeriesUID}
			return scu.Store(ctx, conn, dataset, func(itemsDone, bytesDone int64, currentItem string) {
				hctx.ReportProgress(itemsDone, bytesDone, currentItem)
				_ = hctx.CheckPoint()
			})
		})
	}
}
