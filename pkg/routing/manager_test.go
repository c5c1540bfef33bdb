package routing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/peer"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

type memRuleStore struct {
	mu    sync.Mutex
	rules []*types.RoutingRule

	successCount map[string]int
	failureCount map[string]int
}

func newMemRuleStore(rules ...*types.RoutingRule) *memRuleStore {
	return &memRuleStore{
		rules:        rules,
		successCount: make(map[string]int),
		failureCount: make(map[string]int),
	}
}

func (s *memRuleStore) FindEnabled(ctx context.Context) ([]*types.RoutingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.RoutingRule
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memRuleStore) RecordOutcome(ctx context.Context, ruleID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.successCount[ruleID]++
	} else {
		s.failureCount[ruleID]++
	}
	return nil
}

type fakeJobSubmitter struct {
	mu   sync.Mutex
	jobs []*types.Job
	fail bool
}

func (f *fakeJobSubmitter) Submit(ctx context.Context, job *types.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", fmt.Errorf("fake submitter: forced failure")
	}
	f.jobs = append(f.jobs, job)
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

func TestEvaluateMatchesEqualsConditionAndSubmitsForward(t *testing.T) {
	store := newMemRuleStore(&types.RoutingRule{
		ID: "rule-ct-to-archive", Enabled: true, Priority: 10,
		Conditions: []types.RuleCondition{{Field: "Modality", Operator: types.RuleOperatorEquals, Value: "CT"}},
		Actions:    []types.RuleAction{{DestinationNodeID: "archive-1"}},
	})
	subs := &fakeJobSubmitter{}
	mgr := New(config.RoutingConfig{ReloadInterval: time.Hour}, store, subs)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	ds := &peer.MapDataset{Tags: map[string]string{"Modality": "CT", "StudyInstanceUID": "1.2.3"}}
	jobIDs, err := mgr.Evaluate(context.Background(), ds, "scanner-1")
	require.NoError(t, err)
	assert.Len(t, jobIDs, 1)
	require.Len(t, subs.jobs, 1)
	assert.Equal(t, types.JobTypeForward, subs.jobs[0].Type)
	assert.Equal(t, "archive-1", subs.jobs[0].DestinationNodeID)
	assert.Equal(t, "1.2.3", subs.jobs[0].StudyUID)
	assert.Equal(t, "rule-ct-to-archive", subs.jobs[0].ParentRuleID)
	assert.Equal(t, 1, store.successCount["rule-ct-to-archive"])
}

func TestEvaluateSkipsNonMatchingRule(t *testing.T) {
	store := newMemRuleStore(&types.RoutingRule{
		ID: "rule-mr-only", Enabled: true, Priority: 5,
		Conditions: []types.RuleCondition{{Field: "Modality", Operator: types.RuleOperatorEquals, Value: "MR"}},
		Actions:    []types.RuleAction{{DestinationNodeID: "archive-1"}},
	})
	subs := &fakeJobSubmitter{}
	mgr := New(config.RoutingConfig{ReloadInterval: time.Hour}, store, subs)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	ds := &peer.MapDataset{Tags: map[string]string{"Modality": "CT"}}
	jobIDs, err := mgr.Evaluate(context.Background(), ds, "scanner-1")
	require.NoError(t, err)
	assert.Empty(t, jobIDs)
	assert.Empty(t, subs.jobs)
}

func TestEvaluateHonorsStopProcessing(t *testing.T) {
	store := newMemRuleStore(
		&types.RoutingRule{
			ID: "rule-high", Enabled: true, Priority: 100, StopProcessing: true,
			Conditions: []types.RuleCondition{{Field: "Modality", Operator: types.RuleOperatorEquals, Value: "CT"}},
			Actions:    []types.RuleAction{{DestinationNodeID: "archive-1"}},
		},
		&types.RoutingRule{
			ID: "rule-low", Enabled: true, Priority: 1,
			Conditions: []types.RuleCondition{{Field: "Modality", Operator: types.RuleOperatorEquals, Value: "CT"}},
			Actions:    []types.RuleAction{{DestinationNodeID: "archive-2"}},
		},
	)
	subs := &fakeJobSubmitter{}
	mgr := New(config.RoutingConfig{ReloadInterval: time.Hour}, store, subs)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	ds := &peer.MapDataset{Tags: map[string]string{"Modality": "CT"}}
	jobIDs, err := mgr.Evaluate(context.Background(), ds, "scanner-1")
	require.NoError(t, err)
	assert.Len(t, jobIDs, 1)
	assert.Equal(t, "archive-1", subs.jobs[0].DestinationNodeID)
}

func TestEvaluateGlobAndNumericOperators(t *testing.T) {
	store := newMemRuleStore(&types.RoutingRule{
		ID: "rule-glob-numeric", Enabled: true, Priority: 1,
		Conditions: []types.RuleCondition{
			{Field: "CallingAE", Operator: types.RuleOperatorGlob, Value: "SCANNER_*"},
			{Field: "InstanceCount", Operator: types.RuleOperatorNumericGT, Value: "10"},
		},
		Actions: []types.RuleAction{{DestinationNodeID: "archive-1"}},
	})
	subs := &fakeJobSubmitter{}
	mgr := New(config.RoutingConfig{ReloadInterval: time.Hour}, store, subs)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	ds := &peer.MapDataset{Tags: map[string]string{"CallingAE": "SCANNER_A1", "InstanceCount": "42"}}
	jobIDs, err := mgr.Evaluate(context.Background(), ds, "scanner-1")
	require.NoError(t, err)
	assert.Len(t, jobIDs, 1)
}

func TestReloadDropsDisabledRules(t *testing.T) {
	store := newMemRuleStore(&types.RoutingRule{
		ID: "rule-ct", Enabled: false, Priority: 1,
		Conditions: []types.RuleCondition{{Field: "Modality", Operator: types.RuleOperatorEquals, Value: "CT"}},
		Actions:    []types.RuleAction{{DestinationNodeID: "archive-1"}},
	})
	subs := &fakeJobSubmitter{}
	mgr := New(config.RoutingConfig{ReloadInterval: time.Hour}, store, subs)
	require.NoError(t, mgr.Start(context.Background()))
	defer mgr.Stop()

	ds := &peer.MapDataset{Tags: map[string]string{"Modality": "CT"}}
	jobIDs, err := mgr.Evaluate(context.Background(), ds, "scanner-1")
	require.NoError(t, err)
	assert.Empty(t, jobIDs)
}
