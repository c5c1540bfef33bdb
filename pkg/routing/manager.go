// Package routing implements the Routing Manager (spec §4.6): it
// evaluates enabled routing rules against each incoming study
// notification and submits one forward job per matching destination.
//
// Grounded on the teacher's pkg/reconciler/reconciler.go ticker-driven
// cycle, generalized from "reconcile cluster state on a timer" to
// "reload the rule set from the database on a timer and evaluate it
// against whatever datasets arrive in between reloads" — the rule
// cache itself, rather than cluster state, is what gets refreshed
// periodically.
package routing

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/metrics"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/types"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// RuleStore is the persistence surface Manager needs. Satisfied by
// *repository.RoutingRuleRepository.
type RuleStore interface {
	FindEnabled(ctx context.Context) ([]*types.RoutingRule, error)
	RecordOutcome(ctx context.Context, ruleID string, success bool) error
}

// JobSubmitter lets Manager hand forward jobs to the job manager
// without importing it. Satisfied by *jobmanager.Manager.
type JobSubmitter interface {
	Submit(ctx context.Context, job *types.Job) (string, error)
}

// Manager is the Routing Manager.
type Manager struct {
	cfg   config.RoutingConfig
	repo  RuleStore
	jobs  JobSubmitter

	logger zerolog.Logger

	mu    sync.RWMutex
	rules []*types.RoutingRule

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New constructs a Manager. The rule cache is empty until the first
// Start-triggered reload or an explicit Reload call.
func New(cfg config.RoutingConfig, repo RuleStore, jobs JobSubmitter) *Manager {
	return &Manager{
		cfg:    cfg,
		repo:   repo,
		jobs:   jobs,
		logger: log.WithComponent("routing_manager"),
		stopCh: make(chan struct{}),
	}
}

// Start loads the rule cache once and launches the periodic reload
// loop (spec §4.6.1 reload_interval).
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Reload(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reloadLoop(ctx)
	return nil
}

// Stop halts the reload loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) reloadLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.ReloadInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Reload(ctx); err != nil {
				m.logger.Error().Err(err).Msg("failed to reload routing rules")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Reload replaces the in-memory rule cache with the currently enabled
// rules, ordered by priority descending (spec §4.6.2).
func (m *Manager) Reload(ctx context.Context) error {
	rules, err := m.repo.FindEnabled(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
	m.logger.Debug().Int("rule_count", len(rules)).Msg("routing rule cache reloaded")
	return nil
}

// Evaluate runs ds through the cached rule set in priority order,
// submitting one forward job per matching rule's destinations, and
// stops at the first matching rule whose StopProcessing is set (spec
// §4.6.2). It returns the IDs of every job submitted.
func (m *Manager) Evaluate(ctx context.Context, ds peer.Dataset, sourceNodeID string) ([]string, error) {
	m.mu.RLock()
	rules := make([]*types.RoutingRule, len(m.rules))
	copy(rules, m.rules)
	m.mu.RUnlock()

	var jobIDs []string
	for _, rule := range rules {
		if !matches(rule, ds) {
			continue
		}

		success := true
		for _, action := range rule.Actions {
			job := &types.Job{
				Type:              types.JobTypeForward,
				SourceNodeID:      sourceNodeID,
				DestinationNodeID: action.DestinationNodeID,
				ParentRuleID:      rule.ID,
				Priority:          jobPriorityForRule(rule.Priority),
			}
			if studyUID, ok := ds.Get("StudyInstanceUID"); ok {
				job.StudyUID = studyUID
			}

			jobID, err := m.jobs.Submit(ctx, job)
			if err != nil {
				success = false
				m.logger.Error().Err(err).Str("rule_id", rule.ID).Str("destination", action.DestinationNodeID).
					Msg("failed to submit forward job for matched routing rule")
				continue
			}
			jobIDs = append(jobIDs, jobID)
		}

		metrics.RoutingRulesTriggeredTotal.WithLabelValues(rule.ID).Inc()
		if err := m.repo.RecordOutcome(ctx, rule.ID, success); err != nil {
			m.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("failed to record routing rule outcome")
		}

		if rule.StopProcessing {
			break
		}
	}
	return jobIDs, nil
}

// jobPriorityForRule buckets a RoutingRule's ordering-key Priority (an
// unbounded int, higher runs first) into the Job Manager's fixed
// JobPriority levels, so a forward job competes in the job queue at
// the rule's configured priority (spec §4.6 step 3) rather than a
// constant.
func jobPriorityForRule(priority int) types.JobPriority {
	switch {
	case priority >= 100:
		return types.JobPriorityUrgent
	case priority >= 50:
		return types.JobPriorityHigh
	case priority >= 0:
		return types.JobPriorityNormal
	default:
		return types.JobPriorityLow
	}
}

// matches reports whether every condition in rule holds against ds
// (spec §4.6.2 "all conditions AND").
func matches(rule *types.RoutingRule, ds peer.Dataset) bool {
	for _, cond := range rule.Conditions {
		if !matchesCondition(cond, ds) {
			return false
		}
	}
	return true
}

func matchesCondition(cond types.RuleCondition, ds peer.Dataset) bool {
	actual, ok := ds.Get(cond.Field)
	if !ok {
		return false
	}

	switch cond.Operator {
	case types.RuleOperatorEquals:
		return actual == cond.Value
	case types.RuleOperatorSubstring:
		return strings.Contains(actual, cond.Value)
	case types.RuleOperatorGlob:
		g, err := glob.Compile(cond.Value)
		return err == nil && g.Match(actual)
	case types.RuleOperatorRegex:
		matched, err := regexp.MatchString(cond.Value, actual)
		return err == nil && matched
	case types.RuleOperatorNumericGT, types.RuleOperatorNumericLT, types.RuleOperatorNumericEQ:
		return matchesNumeric(cond, actual)
	default:
		return false
	}
}

func matchesNumeric(cond types.RuleCondition, actual string) bool {
	want, err := strconv.ParseFloat(cond.Value, 64)
	if err != nil {
		return false
	}
	got, err := strconv.ParseFloat(actual, 64)
	if err != nil {
		return false
	}
	switch cond.Operator {
	case types.RuleOperatorNumericGT:
		return got > want
	case types.RuleOperatorNumericLT:
		return got < want
	case types.RuleOperatorNumericEQ:
		return got == want
	default:
		return false
	}
}

