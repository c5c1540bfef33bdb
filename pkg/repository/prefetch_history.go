package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// prefetchHistoryRow is the wire shape of the prefetch_history table.
type prefetchHistoryRow struct {
	PK           int64     `db:"pk"`
	PatientID    string    `db:"patient_id"`
	StudyUID     string    `db:"study_uid"`
	SourceNodeID string    `db:"source_node_id"`
	RuleID       string    `db:"rule_id"`
	Status       string    `db:"status"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// PrefetchHistoryRepository persists types.PrefetchHistory rows (spec
// §3.4, §6.3 "prefetch_history"), keyed by StudyUID for dedup so a study
// already prefetched is not retrieved twice (spec §4.7.3).
type PrefetchHistoryRepository struct {
	repo *Repository[prefetchHistoryRow, int64]
	db   *sqlx.DB
}

// NewPrefetchHistoryRepository constructs a PrefetchHistoryRepository
// over db.
func NewPrefetchHistoryRepository(db *sqlx.DB) *PrefetchHistoryRepository {
	mapper := Mapper[prefetchHistoryRow, int64]{
		Table:    "prefetch_history",
		PKColumn: "pk",
		GetPK:    func(r *prefetchHistoryRow) int64 { return r.PK },
		SetPK:    func(r *prefetchHistoryRow, pk int64) { r.PK = pk },
		HasPK:    func(r *prefetchHistoryRow) bool { return r.PK != 0 },
		InsertColumns: func(r *prefetchHistoryRow) map[string]any {
			cols := prefetchHistoryColumns(r)
			cols["created_at"] = r.CreatedAt
			return cols
		},
		UpdateColumns: prefetchHistoryColumns,
	}
	return &PrefetchHistoryRepository{repo: New(db, mapper), db: db}
}

func prefetchHistoryColumns(r *prefetchHistoryRow) map[string]any {
	return map[string]any{
		"patient_id": r.PatientID, "study_uid": r.StudyUID, "source_node_id": r.SourceNodeID,
		"rule_id": r.RuleID, "status": r.Status, "updated_at": r.UpdatedAt,
	}
}

func rowFromPrefetchHistory(h *types.PrefetchHistory) *prefetchHistoryRow {
	return &prefetchHistoryRow{
		PK: h.PK, PatientID: h.PatientID, StudyUID: h.StudyUID, SourceNodeID: h.SourceNodeID,
		RuleID: h.RuleID, Status: string(h.Status), CreatedAt: h.CreatedAt, UpdatedAt: h.UpdatedAt,
	}
}

func prefetchHistoryFromRow(r *prefetchHistoryRow) *types.PrefetchHistory {
	return &types.PrefetchHistory{
		PK: r.PK, PatientID: r.PatientID, StudyUID: r.StudyUID, SourceNodeID: r.SourceNodeID,
		RuleID: r.RuleID, Status: types.PrefetchHistoryStatus(r.Status), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// FindByStudyUID returns the most recent prefetch attempt for studyUID,
// if any, so a trigger can decide whether it has already been handled.
func (ph *PrefetchHistoryRepository) FindByStudyUID(ctx context.Context, studyUID string) (*types.PrefetchHistory, error) {
	query := `SELECT * FROM prefetch_history WHERE study_uid = $1 ORDER BY created_at DESC LIMIT 1`
	var row prefetchHistoryRow
	if err := ph.db.GetContext(ctx, &row, query, studyUID); err != nil {
		return nil, wrapNotFoundOrError(err, "prefetch_history", studyUID)
	}
	return prefetchHistoryFromRow(&row), nil
}

// Save upserts a prefetch history row.
func (ph *PrefetchHistoryRepository) Save(ctx context.Context, h *types.PrefetchHistory) error {
	row := rowFromPrefetchHistory(h)
	if err := ph.repo.Save(ctx, row); err != nil {
		return err
	}
	h.PK = row.PK
	return nil
}

// FindByRule returns the prefetch history entries triggered by ruleID.
func (ph *PrefetchHistoryRepository) FindByRule(ctx context.Context, ruleID string) ([]*types.PrefetchHistory, error) {
	rows, err := ph.repo.FindWhere(ctx, "rule_id", OpEquals, ruleID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.PrefetchHistory, len(rows))
	for i := range rows {
		out[i] = prefetchHistoryFromRow(&rows[i])
	}
	return out, nil
}

// Remove deletes a prefetch history row by its surrogate pk.
func (ph *PrefetchHistoryRepository) Remove(ctx context.Context, pk int64) error {
	return ph.repo.Remove(ctx, pk)
}
