package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// jobRow is the wire shape of the jobs table; sop_instance_uids and
// metadata are JSON text columns per spec §6.3.
type jobRow struct {
	PK                int64     `db:"pk"`
	JobID             string    `db:"job_id"`
	Type              string    `db:"type"`
	SourceNodeID      string    `db:"source_node_id"`
	DestinationNodeID string    `db:"destination_node_id"`
	StudyUID          string    `db:"study_uid"`
	SeriesUID         string    `db:"series_uid"`
	SOPInstanceUIDs   string    `db:"sop_instance_uids"`
	Metadata          string    `db:"metadata"`
	Priority          string    `db:"priority"`
	MaxRetries        int       `db:"max_retries"`
	RetryCount        int       `db:"retry_count"`
	Status            string    `db:"status"`
	ItemsTotal        int64     `db:"items_total"`
	ItemsDone         int64     `db:"items_done"`
	BytesTotal        int64     `db:"bytes_total"`
	BytesDone         int64     `db:"bytes_done"`
	CurrentItem       string    `db:"current_item"`
	ErrorMessage      string    `db:"error_message"`
	ErrorDetails      string    `db:"error_details"`
	CreatedBy         string    `db:"created_by"`
	ParentRuleID      string    `db:"parent_rule_id"`
	CancelRequested   bool      `db:"cancel_requested"`
	PauseRequested    bool      `db:"pause_requested"`
	CreatedAt         time.Time `db:"created_at"`
	StartedAt         time.Time `db:"started_at"`
	CompletedAt       time.Time `db:"completed_at"`
}

// JobRepository persists types.Job rows (spec §3.2, §6.3 "jobs").
type JobRepository struct {
	repo *Repository[jobRow, int64]
	db   *sqlx.DB
}

// NewJobRepository constructs a JobRepository over db.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	mapper := Mapper[jobRow, int64]{
		Table:    "jobs",
		PKColumn: "pk",
		GetPK:    func(r *jobRow) int64 { return r.PK },
		SetPK:    func(r *jobRow, pk int64) { r.PK = pk },
		HasPK:    func(r *jobRow) bool { return r.PK != 0 },
		InsertColumns: func(r *jobRow) map[string]any {
			return jobColumns(r, true)
		},
		UpdateColumns: func(r *jobRow) map[string]any {
			return jobColumns(r, false)
		},
	}
	return &JobRepository{repo: New(db, mapper), db: db}
}

func jobColumns(r *jobRow, includeCreated bool) map[string]any {
	cols := map[string]any{
		"job_id": r.JobID, "type": r.Type, "source_node_id": r.SourceNodeID,
		"destination_node_id": r.DestinationNodeID, "study_uid": r.StudyUID, "series_uid": r.SeriesUID,
		"sop_instance_uids": r.SOPInstanceUIDs, "metadata": r.Metadata, "priority": r.Priority,
		"max_retries": r.MaxRetries, "retry_count": r.RetryCount, "status": r.Status,
		"items_total": r.ItemsTotal, "items_done": r.ItemsDone, "bytes_total": r.BytesTotal, "bytes_done": r.BytesDone,
		"current_item": r.CurrentItem, "error_message": r.ErrorMessage, "error_details": r.ErrorDetails,
		"created_by": r.CreatedBy, "parent_rule_id": r.ParentRuleID,
		"cancel_requested": r.CancelRequested, "pause_requested": r.PauseRequested,
		"started_at": r.StartedAt, "completed_at": r.CompletedAt,
	}
	if includeCreated {
		cols["created_at"] = r.CreatedAt
	}
	return cols
}

func rowFromJob(j *types.Job) *jobRow {
	uids, _ := json.Marshal(j.SOPInstanceUIDs)
	meta, _ := json.Marshal(j.Metadata)
	return &jobRow{
		PK: j.PK, JobID: j.ID, Type: string(j.Type), SourceNodeID: j.SourceNodeID, DestinationNodeID: j.DestinationNodeID,
		StudyUID: j.StudyUID, SeriesUID: j.SeriesUID, SOPInstanceUIDs: string(uids), Metadata: string(meta),
		Priority: string(j.Priority), MaxRetries: j.MaxRetries, RetryCount: j.RetryCount, Status: string(j.Status),
		ItemsTotal: j.ItemsTotal, ItemsDone: j.ItemsDone, BytesTotal: j.BytesTotal, BytesDone: j.BytesDone,
		CurrentItem: j.CurrentItem, ErrorMessage: j.ErrorMessage, ErrorDetails: j.ErrorDetails,
		CreatedBy: j.CreatedBy, ParentRuleID: j.ParentRuleID,
		CancelRequested: j.CancelRequested, PauseRequested: j.PauseRequested,
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt,
	}
}

func jobFromRow(r *jobRow) *types.Job {
	var uids []string
	_ = json.Unmarshal([]byte(r.SOPInstanceUIDs), &uids)
	meta := map[string]string{}
	_ = json.Unmarshal([]byte(r.Metadata), &meta)
	return &types.Job{
		PK: r.PK, ID: r.JobID, Type: types.JobType(r.Type), SourceNodeID: r.SourceNodeID, DestinationNodeID: r.DestinationNodeID,
		StudyUID: r.StudyUID, SeriesUID: r.SeriesUID, SOPInstanceUIDs: uids, Metadata: meta,
		Priority: types.JobPriority(r.Priority), MaxRetries: r.MaxRetries, RetryCount: r.RetryCount, Status: types.JobStatus(r.Status),
		ItemsTotal: r.ItemsTotal, ItemsDone: r.ItemsDone, BytesTotal: r.BytesTotal, BytesDone: r.BytesDone,
		CurrentItem: r.CurrentItem, ErrorMessage: r.ErrorMessage, ErrorDetails: r.ErrorDetails,
		CreatedBy: r.CreatedBy, ParentRuleID: r.ParentRuleID,
		CancelRequested: r.CancelRequested, PauseRequested: r.PauseRequested,
		CreatedAt: r.CreatedAt, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
	}
}

// FindByID returns the job with the given job_id.
func (jr *JobRepository) FindByID(ctx context.Context, jobID string) (*types.Job, error) {
	rows, err := jr.repo.FindWhere(ctx, "job_id", OpEquals, jobID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, pacserrors.NewNotFoundError("job " + jobID)
	}
	return jobFromRow(&rows[0]), nil
}

// Save upserts a job.
func (jr *JobRepository) Save(ctx context.Context, j *types.Job) error {
	row := rowFromJob(j)
	if err := jr.repo.Save(ctx, row); err != nil {
		return err
	}
	j.PK = row.PK
	return nil
}

// Remove deletes a job by its surrogate pk.
func (jr *JobRepository) Remove(ctx context.Context, pk int64) error {
	return jr.repo.Remove(ctx, pk)
}

// FindPending returns jobs ready to be scheduled (pending or queued),
// ordered so the worker pool can pop the highest-priority, oldest job
// first (spec §4.5.2 scheduling).
func (jr *JobRepository) FindPending(ctx context.Context, limit int) ([]*types.Job, error) {
	query := `SELECT * FROM jobs WHERE status IN ('pending', 'queued')
		ORDER BY CASE priority
			WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0
		END DESC, created_at ASC LIMIT $1`
	var rows []jobRow
	if err := jr.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, pacserrors.NewRepositoryError("find_pending jobs", err)
	}
	out := make([]*types.Job, len(rows))
	for i := range rows {
		out[i] = jobFromRow(&rows[i])
	}
	return out, nil
}

// FindByStatus returns every job in the given status.
func (jr *JobRepository) FindByStatus(ctx context.Context, status types.JobStatus) ([]*types.Job, error) {
	rows, err := jr.repo.FindWhere(ctx, "status", OpEquals, string(status))
	if err != nil {
		return nil, err
	}
	out := make([]*types.Job, len(rows))
	for i := range rows {
		out[i] = jobFromRow(&rows[i])
	}
	return out, nil
}

// FindRunningOlderThan supports crash recovery (spec §4.5.8): jobs still
// marked running with a started_at before cutoff survived an unclean
// shutdown and must be requeued.
func (jr *JobRepository) FindRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	query := `SELECT * FROM jobs WHERE status = 'running' AND started_at < $1`
	var rows []jobRow
	if err := jr.db.SelectContext(ctx, &rows, query, cutoff); err != nil {
		return nil, pacserrors.NewRepositoryError("find_running_older_than jobs", err)
	}
	out := make([]*types.Job, len(rows))
	for i := range rows {
		out[i] = jobFromRow(&rows[i])
	}
	return out, nil
}

// FindActiveByNode returns jobs that still reference nodeID as source or
// destination and have not reached a terminal status, used by the node
// manager to forbid Unregister while jobs are in flight (spec §4.4).
func (jr *JobRepository) FindActiveByNode(ctx context.Context, nodeID string) ([]*types.Job, error) {
	query := `SELECT * FROM jobs WHERE (source_node_id = $1 OR destination_node_id = $1)
		AND status NOT IN ('completed', 'canceled')`
	var rows []jobRow
	if err := jr.db.SelectContext(ctx, &rows, query, nodeID); err != nil {
		return nil, pacserrors.NewRepositoryError("find_active_by_node jobs", err)
	}
	out := make([]*types.Job, len(rows))
	for i := range rows {
		out[i] = jobFromRow(&rows[i])
	}
	return out, nil
}

// Stats aggregates counts by status plus today's completed/failed totals
// (spec §4.5.7).
func (jr *JobRepository) Stats(ctx context.Context) (*types.JobStats, error) {
	var byStatus []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	if err := jr.db.SelectContext(ctx, &byStatus, `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`); err != nil {
		return nil, pacserrors.NewRepositoryError("stats jobs", err)
	}
	stats := &types.JobStats{CountByStatus: make(map[types.JobStatus]int64, len(byStatus))}
	for _, row := range byStatus {
		stats.CountByStatus[types.JobStatus(row.Status)] = row.Count
	}

	const todayQuery = `SELECT COUNT(*) FROM jobs WHERE status = $1 AND completed_at >= date_trunc('day', now())`
	if err := jr.db.GetContext(ctx, &stats.CompletedToday, todayQuery, string(types.JobStatusCompleted)); err != nil {
		return nil, pacserrors.NewRepositoryError("stats jobs completed_today", err)
	}
	if err := jr.db.GetContext(ctx, &stats.FailedToday, todayQuery, string(types.JobStatusFailed)); err != nil {
		return nil, pacserrors.NewRepositoryError("stats jobs failed_today", err)
	}
	return stats, nil
}

// Cleanup removes terminal jobs completed before cutoff (spec §4.5.6
// cleanup retention), returning the number removed. A failed job is
// terminal only once retry_count has reached max_retries (spec
// §4.5.1); a failed job still eligible for retry is left in place.
func (jr *JobRepository) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := jr.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE completed_at < $1
		   AND (status IN ('completed', 'canceled')
		        OR (status = 'failed' AND retry_count >= max_retries))`, cutoff)
	if err != nil {
		return 0, pacserrors.NewRepositoryError("cleanup jobs", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
