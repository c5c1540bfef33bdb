package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// syncConfigRow is the wire shape of the sync_configs table.
type syncConfigRow struct {
	PK                 int64     `db:"pk"`
	ConfigID           string    `db:"config_id"`
	SourceNodeID       string    `db:"source_node_id"`
	DestinationNodeID  string    `db:"destination_node_id"`
	Direction          string    `db:"direction"`
	FilterExpression   string    `db:"filter_expression"`
	ScheduleCron       string    `db:"schedule_cron"`
	ConflictResolution string    `db:"conflict_resolution"`
	Enabled            bool      `db:"enabled"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// SyncConfigRepository persists types.SyncConfig rows (spec §3.5, §6.3
// "sync_configs").
type SyncConfigRepository struct {
	repo *Repository[syncConfigRow, int64]
	db   *sqlx.DB
}

// NewSyncConfigRepository constructs a SyncConfigRepository over db.
func NewSyncConfigRepository(db *sqlx.DB) *SyncConfigRepository {
	mapper := Mapper[syncConfigRow, int64]{
		Table:    "sync_configs",
		PKColumn: "pk",
		GetPK:    func(r *syncConfigRow) int64 { return r.PK },
		SetPK:    func(r *syncConfigRow, pk int64) { r.PK = pk },
		HasPK:    func(r *syncConfigRow) bool { return r.PK != 0 },
		InsertColumns: func(r *syncConfigRow) map[string]any {
			cols := syncConfigColumns(r)
			cols["created_at"] = r.CreatedAt
			return cols
		},
		UpdateColumns: syncConfigColumns,
	}
	return &SyncConfigRepository{repo: New(db, mapper), db: db}
}

func syncConfigColumns(r *syncConfigRow) map[string]any {
	return map[string]any{
		"config_id": r.ConfigID, "source_node_id": r.SourceNodeID, "destination_node_id": r.DestinationNodeID,
		"direction": r.Direction, "filter_expression": r.FilterExpression, "schedule_cron": r.ScheduleCron,
		"conflict_resolution": r.ConflictResolution, "enabled": r.Enabled, "updated_at": r.UpdatedAt,
	}
}

func rowFromSyncConfig(c *types.SyncConfig) *syncConfigRow {
	return &syncConfigRow{
		PK: c.PK, ConfigID: c.ID, SourceNodeID: c.SourceNodeID, DestinationNodeID: c.DestinationNodeID,
		Direction: string(c.Direction), FilterExpression: c.FilterExpression, ScheduleCron: c.ScheduleCron,
		ConflictResolution: string(c.ConflictResolution), Enabled: c.Enabled, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

func syncConfigFromRow(r *syncConfigRow) *types.SyncConfig {
	return &types.SyncConfig{
		PK: r.PK, ID: r.ConfigID, SourceNodeID: r.SourceNodeID, DestinationNodeID: r.DestinationNodeID,
		Direction: types.SyncDirection(r.Direction), FilterExpression: r.FilterExpression, ScheduleCron: r.ScheduleCron,
		ConflictResolution: types.ConflictResolution(r.ConflictResolution), Enabled: r.Enabled,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// FindByID returns the config with the given config_id.
func (sc *SyncConfigRepository) FindByID(ctx context.Context, configID string) (*types.SyncConfig, error) {
	rows, err := sc.repo.FindWhere(ctx, "config_id", OpEquals, configID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, pacserrors.NewNotFoundError("sync config " + configID)
	}
	return syncConfigFromRow(&rows[0]), nil
}

// Save upserts a sync config.
func (sc *SyncConfigRepository) Save(ctx context.Context, c *types.SyncConfig) error {
	row := rowFromSyncConfig(c)
	if err := sc.repo.Save(ctx, row); err != nil {
		return err
	}
	c.PK = row.PK
	return nil
}

// Remove deletes a sync config by its surrogate pk.
func (sc *SyncConfigRepository) Remove(ctx context.Context, pk int64) error {
	return sc.repo.Remove(ctx, pk)
}

// FindEnabled returns every enabled sync config for the scheduler to
// drive its cron-triggered cycles (spec §4.8.1).
func (sc *SyncConfigRepository) FindEnabled(ctx context.Context) ([]*types.SyncConfig, error) {
	rows, err := sc.repo.FindWhere(ctx, "enabled", OpEquals, true)
	if err != nil {
		return nil, err
	}
	out := make([]*types.SyncConfig, len(rows))
	for i := range rows {
		out[i] = syncConfigFromRow(&rows[i])
	}
	return out, nil
}
