package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// recentStudyRow is the wire shape of the recent_studies table (spec
// §1 "lightweight 'recent study' bookkeeping"; supplemented from
// original_source/include/pacs/storage/recent_study_repository.hpp).
type recentStudyRow struct {
	PK            int64     `db:"pk"`
	StudyUID      string    `db:"study_uid"`
	PatientID     string    `db:"patient_id"`
	Modality      string    `db:"modality"`
	InstanceCount int       `db:"instance_count"`
	LastModified  time.Time `db:"last_modified"`
	SeenAt        time.Time `db:"seen_at"`
}

// RecentStudyRepository persists types.RecentStudy rows, capped at a
// configurable size with oldest-eviction — read by the prefetch
// manager to list a patient's known studies without a round-trip query
// to the local archive.
type RecentStudyRepository struct {
	repo   *Repository[recentStudyRow, int64]
	db     *sqlx.DB
	maxRows int
}

// NewRecentStudyRepository constructs a RecentStudyRepository over db,
// retaining at most maxRows entries (0 means unbounded).
func NewRecentStudyRepository(db *sqlx.DB, maxRows int) *RecentStudyRepository {
	mapper := Mapper[recentStudyRow, int64]{
		Table:    "recent_studies",
		PKColumn: "pk",
		GetPK:    func(r *recentStudyRow) int64 { return r.PK },
		SetPK:    func(r *recentStudyRow, pk int64) { r.PK = pk },
		HasPK:    func(r *recentStudyRow) bool { return r.PK != 0 },
		InsertColumns: func(r *recentStudyRow) map[string]any {
			return recentStudyColumns(r)
		},
		UpdateColumns: recentStudyColumns,
	}
	return &RecentStudyRepository{repo: New(db, mapper), db: db, maxRows: maxRows}
}

func recentStudyColumns(r *recentStudyRow) map[string]any {
	return map[string]any{
		"study_uid": r.StudyUID, "patient_id": r.PatientID, "modality": r.Modality,
		"instance_count": r.InstanceCount, "last_modified": r.LastModified, "seen_at": r.SeenAt,
	}
}

func rowFromRecentStudy(rs *types.RecentStudy) *recentStudyRow {
	return &recentStudyRow{
		StudyUID: rs.StudyUID, PatientID: rs.PatientID, Modality: rs.Modality,
		InstanceCount: rs.InstanceCount, LastModified: rs.LastModified, SeenAt: rs.SeenAt,
	}
}

func recentStudyFromRow(r *recentStudyRow) *types.RecentStudy {
	return &types.RecentStudy{
		StudyUID: r.StudyUID, PatientID: r.PatientID, Modality: r.Modality,
		InstanceCount: r.InstanceCount, LastModified: r.LastModified, SeenAt: r.SeenAt,
	}
}

// FindByStudyUID returns the cached entry for studyUID, if present.
func (rr *RecentStudyRepository) FindByStudyUID(ctx context.Context, studyUID string) (*types.RecentStudy, error) {
	query := `SELECT * FROM recent_studies WHERE study_uid = $1 LIMIT 1`
	var row recentStudyRow
	if err := rr.db.GetContext(ctx, &row, query, studyUID); err != nil {
		return nil, wrapNotFoundOrError(err, "recent_studies", studyUID)
	}
	return recentStudyFromRow(&row), nil
}

// FindByPatient returns every cached entry for patientID, most recently
// seen first, used to compute a patient's prior studies without a wire
// query (spec §4.7 study-arrival trigger).
func (rr *RecentStudyRepository) FindByPatient(ctx context.Context, patientID string) ([]*types.RecentStudy, error) {
	query := `SELECT * FROM recent_studies WHERE patient_id = $1 ORDER BY seen_at DESC`
	var rows []recentStudyRow
	if err := rr.db.SelectContext(ctx, &rows, query, patientID); err != nil {
		return nil, pacserrors.NewRepositoryError("find_by_patient recent_studies", err)
	}
	out := make([]*types.RecentStudy, len(rows))
	for i := range rows {
		out[i] = recentStudyFromRow(&rows[i])
	}
	return out, nil
}

// Upsert records or refreshes a study's presence, then evicts the
// oldest rows past maxRows.
func (rr *RecentStudyRepository) Upsert(ctx context.Context, rs *types.RecentStudy) error {
	row := rowFromRecentStudy(rs)

	query := `
		INSERT INTO recent_studies (study_uid, patient_id, modality, instance_count, last_modified, seen_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (study_uid) DO UPDATE SET
			patient_id = EXCLUDED.patient_id, modality = EXCLUDED.modality,
			instance_count = EXCLUDED.instance_count, last_modified = EXCLUDED.last_modified,
			seen_at = EXCLUDED.seen_at`
	if _, err := rr.db.ExecContext(ctx, query, row.StudyUID, row.PatientID, row.Modality,
		row.InstanceCount, row.LastModified, row.SeenAt); err != nil {
		return pacserrors.NewRepositoryError("upsert recent_studies", err)
	}
	return rr.evictOverflow(ctx)
}

func (rr *RecentStudyRepository) evictOverflow(ctx context.Context) error {
	if rr.maxRows <= 0 {
		return nil
	}
	query := `
		DELETE FROM recent_studies WHERE pk IN (
			SELECT pk FROM recent_studies ORDER BY seen_at DESC OFFSET $1
		)`
	if _, err := rr.db.ExecContext(ctx, query, rr.maxRows); err != nil {
		return pacserrors.NewRepositoryError("evict_overflow recent_studies", err)
	}
	return nil
}
