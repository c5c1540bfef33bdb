package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kcenon/pacs-system-sub002/pkg/pacserrors"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// routingRuleRow is the wire shape of the routing_rules table;
// conditions and actions are JSON text columns per spec §6.3.
type routingRuleRow struct {
	PK             int64     `db:"pk"`
	RuleID         string    `db:"rule_id"`
	Name           string    `db:"name"`
	Enabled        bool      `db:"enabled"`
	Priority       int       `db:"priority"`
	Conditions     string    `db:"conditions"`
	Actions        string    `db:"actions"`
	StopProcessing bool      `db:"stop_processing"`
	TriggeredCount int64     `db:"triggered_count"`
	SuccessCount   int64     `db:"success_count"`
	FailureCount   int64     `db:"failure_count"`
	LastTriggered  time.Time `db:"last_triggered"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// RoutingRuleRepository persists types.RoutingRule rows (spec §3.3,
// §6.3 "routing_rules").
type RoutingRuleRepository struct {
	repo *Repository[routingRuleRow, int64]
	db   *sqlx.DB
}

// NewRoutingRuleRepository constructs a RoutingRuleRepository over db.
func NewRoutingRuleRepository(db *sqlx.DB) *RoutingRuleRepository {
	mapper := Mapper[routingRuleRow, int64]{
		Table:    "routing_rules",
		PKColumn: "pk",
		GetPK:    func(r *routingRuleRow) int64 { return r.PK },
		SetPK:    func(r *routingRuleRow, pk int64) { r.PK = pk },
		HasPK:    func(r *routingRuleRow) bool { return r.PK != 0 },
		InsertColumns: func(r *routingRuleRow) map[string]any {
			cols := routingRuleColumns(r)
			cols["created_at"] = r.CreatedAt
			return cols
		},
		UpdateColumns: routingRuleColumns,
	}
	return &RoutingRuleRepository{repo: New(db, mapper), db: db}
}

func routingRuleColumns(r *routingRuleRow) map[string]any {
	return map[string]any{
		"rule_id": r.RuleID, "name": r.Name, "enabled": r.Enabled, "priority": r.Priority,
		"conditions": r.Conditions, "actions": r.Actions, "stop_processing": r.StopProcessing,
		"triggered_count": r.TriggeredCount, "success_count": r.SuccessCount, "failure_count": r.FailureCount,
		"last_triggered": r.LastTriggered, "updated_at": r.UpdatedAt,
	}
}

func rowFromRoutingRule(rule *types.RoutingRule) *routingRuleRow {
	conditions, _ := json.Marshal(rule.Conditions)
	actions, _ := json.Marshal(rule.Actions)
	return &routingRuleRow{
		PK: rule.PK, RuleID: rule.ID, Name: rule.Name, Enabled: rule.Enabled, Priority: rule.Priority,
		Conditions: string(conditions), Actions: string(actions), StopProcessing: rule.StopProcessing,
		TriggeredCount: rule.TriggeredCount, SuccessCount: rule.SuccessCount, FailureCount: rule.FailureCount,
		LastTriggered: rule.LastTriggered, CreatedAt: rule.CreatedAt, UpdatedAt: rule.UpdatedAt,
	}
}

func routingRuleFromRow(r *routingRuleRow) *types.RoutingRule {
	var conditions []types.RuleCondition
	var actions []types.RuleAction
	_ = json.Unmarshal([]byte(r.Conditions), &conditions)
	_ = json.Unmarshal([]byte(r.Actions), &actions)
	return &types.RoutingRule{
		PK: r.PK, ID: r.RuleID, Name: r.Name, Enabled: r.Enabled, Priority: r.Priority,
		Conditions: conditions, Actions: actions, StopProcessing: r.StopProcessing,
		TriggeredCount: r.TriggeredCount, SuccessCount: r.SuccessCount, FailureCount: r.FailureCount,
		LastTriggered: r.LastTriggered, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// FindByID returns the rule with the given rule_id.
func (rr *RoutingRuleRepository) FindByID(ctx context.Context, ruleID string) (*types.RoutingRule, error) {
	rows, err := rr.repo.FindWhere(ctx, "rule_id", OpEquals, ruleID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, pacserrors.NewNotFoundError("routing rule " + ruleID)
	}
	return routingRuleFromRow(&rows[0]), nil
}

// Save upserts a routing rule.
func (rr *RoutingRuleRepository) Save(ctx context.Context, rule *types.RoutingRule) error {
	row := rowFromRoutingRule(rule)
	if err := rr.repo.Save(ctx, row); err != nil {
		return err
	}
	rule.PK = row.PK
	return nil
}

// Remove deletes a routing rule by its surrogate pk.
func (rr *RoutingRuleRepository) Remove(ctx context.Context, pk int64) error {
	return rr.repo.Remove(ctx, pk)
}

// FindEnabled returns every enabled rule ordered by priority descending
// so the routing manager can evaluate highest-priority rules first,
// honoring StopProcessing (spec §4.6.2 evaluation order).
func (rr *RoutingRuleRepository) FindEnabled(ctx context.Context) ([]*types.RoutingRule, error) {
	query := `SELECT * FROM routing_rules WHERE enabled = true ORDER BY priority DESC, created_at ASC`
	var rows []routingRuleRow
	if err := rr.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, pacserrors.NewRepositoryError("find_enabled routing_rules", err)
	}
	out := make([]*types.RoutingRule, len(rows))
	for i := range rows {
		out[i] = routingRuleFromRow(&rows[i])
	}
	return out, nil
}

// RecordOutcome bumps a rule's trigger/success/failure counters after an
// evaluation (spec §4.6.3 statistics).
func (rr *RoutingRuleRepository) RecordOutcome(ctx context.Context, ruleID string, success bool) error {
	column := "success_count"
	if !success {
		column = "failure_count"
	}
	query := `UPDATE routing_rules SET triggered_count = triggered_count + 1, ` + column + ` = ` + column +
		` + 1, last_triggered = $1, updated_at = $1 WHERE rule_id = $2`
	_, err := rr.db.ExecContext(ctx, query, time.Now(), ruleID)
	if err != nil {
		return pacserrors.NewRepositoryError("record_outcome routing_rules", err)
	}
	return nil
}
