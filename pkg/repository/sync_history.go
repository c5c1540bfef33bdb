package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// syncHistoryRow is the wire shape of the sync_history table; errors is
// a JSON text column per spec §6.3.
type syncHistoryRow struct {
	PK             int64     `db:"pk"`
	ConfigID       string    `db:"config_id"`
	JobID          string    `db:"job_id"`
	Success        bool      `db:"success"`
	StudiesChecked int64     `db:"studies_checked"`
	StudiesSynced  int64     `db:"studies_synced"`
	ConflictsFound int64     `db:"conflicts_found"`
	Errors         string    `db:"errors"`
	StartedAt      time.Time `db:"started_at"`
	CompletedAt    time.Time `db:"completed_at"`
}

// SyncHistoryRepository persists types.SyncHistory rows (spec §3.5,
// §6.3 "sync_history") — one row per sync cycle, append-only.
type SyncHistoryRepository struct {
	repo *Repository[syncHistoryRow, int64]
	db   *sqlx.DB
}

// NewSyncHistoryRepository constructs a SyncHistoryRepository over db.
func NewSyncHistoryRepository(db *sqlx.DB) *SyncHistoryRepository {
	mapper := Mapper[syncHistoryRow, int64]{
		Table:    "sync_history",
		PKColumn: "pk",
		GetPK:    func(r *syncHistoryRow) int64 { return r.PK },
		SetPK:    func(r *syncHistoryRow, pk int64) { r.PK = pk },
		HasPK:    func(r *syncHistoryRow) bool { return r.PK != 0 },
		InsertColumns: func(r *syncHistoryRow) map[string]any {
			return map[string]any{
				"config_id": r.ConfigID, "job_id": r.JobID, "success": r.Success,
				"studies_checked": r.StudiesChecked, "studies_synced": r.StudiesSynced, "conflicts_found": r.ConflictsFound,
				"errors": r.Errors, "started_at": r.StartedAt, "completed_at": r.CompletedAt,
			}
		},
		UpdateColumns: func(r *syncHistoryRow) map[string]any {
			return map[string]any{
				"success": r.Success, "studies_checked": r.StudiesChecked, "studies_synced": r.StudiesSynced,
				"conflicts_found": r.ConflictsFound, "errors": r.Errors, "completed_at": r.CompletedAt,
			}
		},
	}
	return &SyncHistoryRepository{repo: New(db, mapper), db: db}
}

func rowFromSyncHistory(h *types.SyncHistory) *syncHistoryRow {
	errs, _ := json.Marshal(h.Errors)
	return &syncHistoryRow{
		PK: h.PK, ConfigID: h.ConfigID, JobID: h.JobID, Success: h.Success,
		StudiesChecked: h.StudiesChecked, StudiesSynced: h.StudiesSynced, ConflictsFound: h.ConflictsFound,
		Errors: string(errs), StartedAt: h.StartedAt, CompletedAt: h.CompletedAt,
	}
}

func syncHistoryFromRow(r *syncHistoryRow) *types.SyncHistory {
	var errs []string
	_ = json.Unmarshal([]byte(r.Errors), &errs)
	return &types.SyncHistory{
		PK: r.PK, ConfigID: r.ConfigID, JobID: r.JobID, Success: r.Success,
		StudiesChecked: r.StudiesChecked, StudiesSynced: r.StudiesSynced, ConflictsFound: r.ConflictsFound,
		Errors: errs, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
	}
}

// Save upserts a sync history row.
func (sh *SyncHistoryRepository) Save(ctx context.Context, h *types.SyncHistory) error {
	row := rowFromSyncHistory(h)
	if err := sh.repo.Save(ctx, row); err != nil {
		return err
	}
	h.PK = row.PK
	return nil
}

// FindByConfig returns the most recent sync cycles for configID, newest
// first, limited to limit rows (spec §4.8.5 history).
func (sh *SyncHistoryRepository) FindByConfig(ctx context.Context, configID string, limit int) ([]*types.SyncHistory, error) {
	query := `SELECT * FROM sync_history WHERE config_id = $1 ORDER BY started_at DESC LIMIT $2`
	var rows []syncHistoryRow
	if err := sh.db.SelectContext(ctx, &rows, query, configID, limit); err != nil {
		return nil, pacserrors.NewRepositoryError("find_by_config sync_history", err)
	}
	out := make([]*types.SyncHistory, len(rows))
	for i := range rows {
		out[i] = syncHistoryFromRow(&rows[i])
	}
	return out, nil
}

// LastSuccessful returns the most recent successful cycle for configID,
// used to compute the incremental window for the next cycle.
func (sh *SyncHistoryRepository) LastSuccessful(ctx context.Context, configID string) (*types.SyncHistory, error) {
	query := `SELECT * FROM sync_history WHERE config_id = $1 AND success = true ORDER BY started_at DESC LIMIT 1`
	var row syncHistoryRow
	if err := sh.db.GetContext(ctx, &row, query, configID); err != nil {
		return nil, wrapNotFoundOrError(err, "sync_history", configID)
	}
	return syncHistoryFromRow(&row), nil
}
