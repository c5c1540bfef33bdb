package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// prefetchRuleRow is the wire shape of the prefetch_rules table; the
// filter/source-node slices are JSON text columns per spec §6.3.
type prefetchRuleRow struct {
	PK                int64         `db:"pk"`
	RuleID            string        `db:"rule_id"`
	Enabled           bool          `db:"enabled"`
	Trigger           string        `db:"trigger"`
	ModalityFilter    string        `db:"modality_filter"`
	BodyPartFilter    string        `db:"body_part_filter"`
	StationAEFilter   string        `db:"station_ae_filter"`
	PriorLookback     time.Duration `db:"prior_lookback"`
	MaxPriorStudies   int           `db:"max_prior_studies"`
	PriorModalities   string        `db:"prior_modalities"`
	SourceNodeIDs     string        `db:"source_node_ids"`
	ScheduleCron      string        `db:"schedule_cron"`
	AdvanceTime       time.Duration `db:"advance_time"`
	TriggeredCount    int64         `db:"triggered_count"`
	StudiesPrefetched int64         `db:"studies_prefetched"`
	LastTriggered     time.Time     `db:"last_triggered"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

// PrefetchRuleRepository persists types.PrefetchRule rows (spec §3.4,
// §6.3 "prefetch_rules").
type PrefetchRuleRepository struct {
	repo *Repository[prefetchRuleRow, int64]
	db   *sqlx.DB
}

// NewPrefetchRuleRepository constructs a PrefetchRuleRepository over db.
func NewPrefetchRuleRepository(db *sqlx.DB) *PrefetchRuleRepository {
	mapper := Mapper[prefetchRuleRow, int64]{
		Table:    "prefetch_rules",
		PKColumn: "pk",
		GetPK:    func(r *prefetchRuleRow) int64 { return r.PK },
		SetPK:    func(r *prefetchRuleRow, pk int64) { r.PK = pk },
		HasPK:    func(r *prefetchRuleRow) bool { return r.PK != 0 },
		InsertColumns: func(r *prefetchRuleRow) map[string]any {
			cols := prefetchRuleColumns(r)
			cols["created_at"] = r.CreatedAt
			return cols
		},
		UpdateColumns: prefetchRuleColumns,
	}
	return &PrefetchRuleRepository{repo: New(db, mapper), db: db}
}

func prefetchRuleColumns(r *prefetchRuleRow) map[string]any {
	return map[string]any{
		"rule_id": r.RuleID, "enabled": r.Enabled, "trigger": r.Trigger,
		"modality_filter": r.ModalityFilter, "body_part_filter": r.BodyPartFilter, "station_ae_filter": r.StationAEFilter,
		"prior_lookback": r.PriorLookback, "max_prior_studies": r.MaxPriorStudies, "prior_modalities": r.PriorModalities,
		"source_node_ids": r.SourceNodeIDs, "schedule_cron": r.ScheduleCron, "advance_time": r.AdvanceTime,
		"triggered_count": r.TriggeredCount, "studies_prefetched": r.StudiesPrefetched,
		"last_triggered": r.LastTriggered, "updated_at": r.UpdatedAt,
	}
}

func rowFromPrefetchRule(rule *types.PrefetchRule) *prefetchRuleRow {
	modality, _ := json.Marshal(rule.ModalityFilter)
	bodyPart, _ := json.Marshal(rule.BodyPartFilter)
	station, _ := json.Marshal(rule.StationAEFilter)
	priorMods, _ := json.Marshal(rule.PriorModalities)
	sources, _ := json.Marshal(rule.SourceNodeIDs)
	return &prefetchRuleRow{
		PK: rule.PK, RuleID: rule.ID, Enabled: rule.Enabled, Trigger: string(rule.Trigger),
		ModalityFilter: string(modality), BodyPartFilter: string(bodyPart), StationAEFilter: string(station),
		PriorLookback: rule.PriorLookback, MaxPriorStudies: rule.MaxPriorStudies, PriorModalities: string(priorMods),
		SourceNodeIDs: string(sources), ScheduleCron: rule.ScheduleCron, AdvanceTime: rule.AdvanceTime,
		TriggeredCount: rule.TriggeredCount, StudiesPrefetched: rule.StudiesPrefetched, LastTriggered: rule.LastTriggered,
		CreatedAt: rule.CreatedAt, UpdatedAt: rule.UpdatedAt,
	}
}

func prefetchRuleFromRow(r *prefetchRuleRow) *types.PrefetchRule {
	var modality, bodyPart, station, priorMods, sources []string
	_ = json.Unmarshal([]byte(r.ModalityFilter), &modality)
	_ = json.Unmarshal([]byte(r.BodyPartFilter), &bodyPart)
	_ = json.Unmarshal([]byte(r.StationAEFilter), &station)
	_ = json.Unmarshal([]byte(r.PriorModalities), &priorMods)
	_ = json.Unmarshal([]byte(r.SourceNodeIDs), &sources)
	return &types.PrefetchRule{
		PK: r.PK, ID: r.RuleID, Enabled: r.Enabled, Trigger: types.PrefetchTrigger(r.Trigger),
		ModalityFilter: modality, BodyPartFilter: bodyPart, StationAEFilter: station,
		PriorLookback: r.PriorLookback, MaxPriorStudies: r.MaxPriorStudies, PriorModalities: priorMods,
		SourceNodeIDs: sources, ScheduleCron: r.ScheduleCron, AdvanceTime: r.AdvanceTime,
		TriggeredCount: r.TriggeredCount, StudiesPrefetched: r.StudiesPrefetched, LastTriggered: r.LastTriggered,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// FindByID returns the rule with the given rule_id.
func (pr *PrefetchRuleRepository) FindByID(ctx context.Context, ruleID string) (*types.PrefetchRule, error) {
	rows, err := pr.repo.FindWhere(ctx, "rule_id", OpEquals, ruleID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, pacserrors.NewNotFoundError("prefetch rule " + ruleID)
	}
	return prefetchRuleFromRow(&rows[0]), nil
}

// Save upserts a prefetch rule.
func (pr *PrefetchRuleRepository) Save(ctx context.Context, rule *types.PrefetchRule) error {
	row := rowFromPrefetchRule(rule)
	if err := pr.repo.Save(ctx, row); err != nil {
		return err
	}
	rule.PK = row.PK
	return nil
}

// Remove deletes a prefetch rule by its surrogate pk.
func (pr *PrefetchRuleRepository) Remove(ctx context.Context, pk int64) error {
	return pr.repo.Remove(ctx, pk)
}

// FindByTrigger returns every enabled rule matching trigger, used by the
// prefetch manager's event handlers (spec §4.7.2).
func (pr *PrefetchRuleRepository) FindByTrigger(ctx context.Context, trigger types.PrefetchTrigger) ([]*types.PrefetchRule, error) {
	query := `SELECT * FROM prefetch_rules WHERE enabled = true AND trigger = $1`
	var rows []prefetchRuleRow
	if err := pr.db.SelectContext(ctx, &rows, query, string(trigger)); err != nil {
		return nil, pacserrors.NewRepositoryError("find_by_trigger prefetch_rules", err)
	}
	out := make([]*types.PrefetchRule, len(rows))
	for i := range rows {
		out[i] = prefetchRuleFromRow(&rows[i])
	}
	return out, nil
}
