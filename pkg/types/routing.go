package types

import "time"

// RuleOperator is a comparison applied between a dataset tag's value and
// a routing condition's configured value.
type RuleOperator string

const (
	RuleOperatorEquals    RuleOperator = "equals"
	RuleOperatorSubstring RuleOperator = "substring"
	RuleOperatorGlob      RuleOperator = "glob"
	RuleOperatorRegex     RuleOperator = "regex"
	RuleOperatorNumericGT RuleOperator = "numeric_gt"
	RuleOperatorNumericLT RuleOperator = "numeric_lt"
	RuleOperatorNumericEQ RuleOperator = "numeric_eq"
)

// RuleCondition is one (field, operator, value) test evaluated against
// an incoming dataset. All conditions in a rule must match (AND).
type RuleCondition struct {
	Field    string // e.g. "modality", "body_part", "calling_ae", "patient_id"
	Operator RuleOperator
	Value    string
}

// RuleAction is one forwarding destination produced by a matching rule.
type RuleAction struct {
	DestinationNodeID string
}

// RoutingRule is an auto-forwarding rule evaluated against every
// incoming study notification (spec §3.3, §4.6).
type RoutingRule struct {
	PK int64

	ID       string // rule_id
	Name     string
	Enabled  bool
	Priority int // higher runs first; ties broken by CreatedAt

	Conditions      []RuleCondition
	Actions         []RuleAction
	StopProcessing  bool

	TriggeredCount int64
	SuccessCount   int64
	FailureCount   int64
	LastTriggered  time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
