package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// syncConflictRow is the wire shape of the sync_conflicts table.
type syncConflictRow struct {
	PK              int64     `db:"pk"`
	ConfigID        string    `db:"config_id"`
	StudyUID        string    `db:"study_uid"`
	Type            string    `db:"type"`
	LocalTimestamp  time.Time `db:"local_timestamp"`
	RemoteTimestamp time.Time `db:"remote_timestamp"`
	LocalInstances  int       `db:"local_instances"`
	RemoteInstances int       `db:"remote_instances"`
	Resolved        bool      `db:"resolved"`
	ResolutionUsed  string    `db:"resolution_used"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// SyncConflictRepository persists types.SyncConflict rows (spec §3.5,
// §6.3 "sync_conflicts"), keyed by (config_id, study_uid) for dedup
// (spec §4.8.3 conflict detection).
type SyncConflictRepository struct {
	repo *Repository[syncConflictRow, int64]
	db   *sqlx.DB
}

// NewSyncConflictRepository constructs a SyncConflictRepository over db.
func NewSyncConflictRepository(db *sqlx.DB) *SyncConflictRepository {
	mapper := Mapper[syncConflictRow, int64]{
		Table:    "sync_conflicts",
		PKColumn: "pk",
		GetPK:    func(r *syncConflictRow) int64 { return r.PK },
		SetPK:    func(r *syncConflictRow, pk int64) { r.PK = pk },
		HasPK:    func(r *syncConflictRow) bool { return r.PK != 0 },
		InsertColumns: func(r *syncConflictRow) map[string]any {
			cols := syncConflictColumns(r)
			cols["created_at"] = r.CreatedAt
			return cols
		},
		UpdateColumns: syncConflictColumns,
	}
	return &SyncConflictRepository{repo: New(db, mapper), db: db}
}

func syncConflictColumns(r *syncConflictRow) map[string]any {
	return map[string]any{
		"config_id": r.ConfigID, "study_uid": r.StudyUID, "type": r.Type,
		"local_timestamp": r.LocalTimestamp, "remote_timestamp": r.RemoteTimestamp,
		"local_instances": r.LocalInstances, "remote_instances": r.RemoteInstances,
		"resolved": r.Resolved, "resolution_used": r.ResolutionUsed, "updated_at": r.UpdatedAt,
	}
}

func rowFromSyncConflict(c *types.SyncConflict) *syncConflictRow {
	return &syncConflictRow{
		PK: c.PK, ConfigID: c.ConfigID, StudyUID: c.StudyUID, Type: string(c.Type),
		LocalTimestamp: c.LocalTimestamp, RemoteTimestamp: c.RemoteTimestamp,
		LocalInstances: c.LocalInstances, RemoteInstances: c.RemoteInstances,
		Resolved: c.Resolved, ResolutionUsed: string(c.ResolutionUsed),
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func syncConflictFromRow(r *syncConflictRow) *types.SyncConflict {
	return &types.SyncConflict{
		PK: r.PK, ConfigID: r.ConfigID, StudyUID: r.StudyUID, Type: types.ConflictType(r.Type),
		LocalTimestamp: r.LocalTimestamp, RemoteTimestamp: r.RemoteTimestamp,
		LocalInstances: r.LocalInstances, RemoteInstances: r.RemoteInstances,
		Resolved: r.Resolved, ResolutionUsed: types.ConflictResolution(r.ResolutionUsed),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// FindUnresolved returns every unresolved conflict for configID, used
// by the sync manager's resolve-pending pass (spec §4.8.4).
func (sc *SyncConflictRepository) FindUnresolved(ctx context.Context, configID string) ([]*types.SyncConflict, error) {
	query := `SELECT * FROM sync_conflicts WHERE config_id = $1 AND resolved = false ORDER BY created_at ASC`
	var rows []syncConflictRow
	if err := sc.db.SelectContext(ctx, &rows, query, configID); err != nil {
		return nil, pacserrors.NewRepositoryError("find_unresolved sync_conflicts", err)
	}
	out := make([]*types.SyncConflict, len(rows))
	for i := range rows {
		out[i] = syncConflictFromRow(&rows[i])
	}
	return out, nil
}

// FindByStudyUID returns an existing, unresolved conflict for
// (configID, studyUID), if any, so a sync cycle doesn't duplicate rows
// for a divergence it already recorded.
func (sc *SyncConflictRepository) FindByStudyUID(ctx context.Context, configID, studyUID string) (*types.SyncConflict, error) {
	query := `SELECT * FROM sync_conflicts WHERE config_id = $1 AND study_uid = $2 AND resolved = false LIMIT 1`
	var row syncConflictRow
	if err := sc.db.GetContext(ctx, &row, query, configID, studyUID); err != nil {
		return nil, wrapNotFoundOrError(err, "sync_conflicts", studyUID)
	}
	return syncConflictFromRow(&row), nil
}

// Save upserts a sync conflict.
func (sc *SyncConflictRepository) Save(ctx context.Context, c *types.SyncConflict) error {
	row := rowFromSyncConflict(c)
	if err := sc.repo.Save(ctx, row); err != nil {
		return err
	}
	c.PK = row.PK
	return nil
}

// Resolve marks a conflict resolved with the resolution that was
// applied.
func (sc *SyncConflictRepository) Resolve(ctx context.Context, pk int64, resolution types.ConflictResolution) error {
	query := `UPDATE sync_conflicts SET resolved = true, resolution_used = $1, updated_at = $2 WHERE pk = $3`
	res, err := sc.db.ExecContext(ctx, query, string(resolution), time.Now(), pk)
	if err != nil {
		return pacserrors.NewRepositoryError("resolve sync_conflicts", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return pacserrors.NewNotFoundError("sync_conflicts")
	}
	return nil
}
