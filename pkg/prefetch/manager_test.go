package prefetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

type memRuleStore struct {
	mu    sync.Mutex
	rules []*types.PrefetchRule
}

func (s *memRuleStore) FindByTrigger(ctx context.Context, trigger types.PrefetchTrigger) ([]*types.PrefetchRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.PrefetchRule
	for _, r := range s.rules {
		if r.Enabled && r.Trigger == trigger {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memRuleStore) Save(ctx context.Context, rule *types.PrefetchRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.ID == rule.ID {
			s.rules[i] = rule
			return nil
		}
	}
	return fmt.Errorf("rule %s not found", rule.ID)
}

type memHistoryStore struct {
	mu   sync.Mutex
	rows map[string]*types.PrefetchHistory
}

func newMemHistoryStore() *memHistoryStore {
	return &memHistoryStore{rows: make(map[string]*types.PrefetchHistory)}
}

func (s *memHistoryStore) FindByStudyUID(ctx context.Context, studyUID string) (*types.PrefetchHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.rows[studyUID]
	if !ok {
		return nil, fmt.Errorf("no history for %s", studyUID)
	}
	cp := *h
	return &cp, nil
}

func (s *memHistoryStore) Save(ctx context.Context, h *types.PrefetchHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.rows[h.StudyUID] = &cp
	return nil
}

type memRecentStore struct {
	byPatient map[string][]*types.RecentStudy
}

func (s *memRecentStore) FindByPatient(ctx context.Context, patientID string) ([]*types.RecentStudy, error) {
	return s.byPatient[patientID], nil
}

type memSubmitter struct {
	mu   sync.Mutex
	jobs []*types.Job
}

func (s *memSubmitter) Submit(ctx context.Context, job *types.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = fmt.Sprintf("job-%d", len(s.jobs)+1)
	s.jobs = append(s.jobs, job)
	return job.ID, nil
}

func (s *memSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func TestOnStudyArrival_SubmitsPriorsNotAlreadyPresent(t *testing.T) {
	rule := &types.PrefetchRule{
		ID:              "r1",
		Enabled:         true,
		Trigger:         types.PrefetchTriggerStudyArrival,
		MaxPriorStudies: 5,
		PriorModalities: []string{"CT"},
		SourceNodeIDs:   []string{"N1"},
	}
	rules := &memRuleStore{rules: []*types.PrefetchRule{rule}}
	history := newMemHistoryStore()
	recent := &memRecentStore{byPatient: map[string][]*types.RecentStudy{
		"P1": {
			{StudyUID: "1.1", Modality: "CT", LastModified: time.Now()},
			{StudyUID: "1.2", Modality: "MR", LastModified: time.Now()}, // filtered out by modality
			{StudyUID: "1.3", Modality: "CT", LastModified: time.Now()},
		},
	}}
	jobs := &memSubmitter{}

	mgr := New(config.PrefetchConfig{}, rules, history, recent, jobs)

	ids, err := mgr.OnStudyArrival(context.Background(), StudyArrival{PatientID: "P1", StudyUID: "1.0", Modality: "CT"})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, 2, jobs.count())
	assert.EqualValues(t, 1, rule.TriggeredCount)
	assert.EqualValues(t, 2, rule.StudiesPrefetched)
}

func TestOnStudyArrival_DedupsAgainstCompletedHistory(t *testing.T) {
	rule := &types.PrefetchRule{
		ID:      "r1",
		Enabled: true,
		Trigger: types.PrefetchTriggerStudyArrival,
		SourceNodeIDs: []string{"N1"},
	}
	rules := &memRuleStore{rules: []*types.PrefetchRule{rule}}
	history := newMemHistoryStore()
	history.rows["1.1"] = &types.PrefetchHistory{StudyUID: "1.1", Status: types.PrefetchHistoryStatusCompleted}
	recent := &memRecentStore{byPatient: map[string][]*types.RecentStudy{
		"P1": {{StudyUID: "1.1", Modality: "CT", LastModified: time.Now()}},
	}}
	jobs := &memSubmitter{}

	mgr := New(config.PrefetchConfig{}, rules, history, recent, jobs)
	ids, err := mgr.OnStudyArrival(context.Background(), StudyArrival{PatientID: "P1", StudyUID: "1.0"})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 0, jobs.count())
}

func TestOnWorklistEntry_FiltersByStationAE(t *testing.T) {
	rule := &types.PrefetchRule{
		ID:              "r1",
		Enabled:         true,
		Trigger:         types.PrefetchTriggerWorklistScheduled,
		StationAEFilter: []string{"CT_STATION"},
		SourceNodeIDs:   []string{"N1"},
	}
	rules := &memRuleStore{rules: []*types.PrefetchRule{rule}}
	history := newMemHistoryStore()
	recent := &memRecentStore{byPatient: map[string][]*types.RecentStudy{
		"P1": {{StudyUID: "1.1", Modality: "CT", LastModified: time.Now()}},
	}}
	jobs := &memSubmitter{}

	mgr := New(config.PrefetchConfig{}, rules, history, recent, jobs)

	ids, err := mgr.OnWorklistEntry(context.Background(), WorklistEntry{PatientID: "P1", StationAE: "MR_STATION"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = mgr.OnWorklistEntry(context.Background(), WorklistEntry{PatientID: "P1", StationAE: "CT_STATION"})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestCompletePrefetch_UpdatesHistoryStatus(t *testing.T) {
	rules := &memRuleStore{}
	history := newMemHistoryStore()
	history.rows["1.1"] = &types.PrefetchHistory{StudyUID: "1.1", Status: types.PrefetchHistoryStatusPending}
	recent := &memRecentStore{byPatient: map[string][]*types.RecentStudy{}}
	jobs := &memSubmitter{}

	mgr := New(config.PrefetchConfig{}, rules, history, recent, jobs)
	require.NoError(t, mgr.CompletePrefetch(context.Background(), "1.1", true))

	h, err := history.FindByStudyUID(context.Background(), "1.1")
	require.NoError(t, err)
	assert.Equal(t, types.PrefetchHistoryStatusCompleted, h.Status)
}

func TestStartStop(t *testing.T) {
	mgr := New(config.PrefetchConfig{ScheduleTick: 10 * time.Millisecond}, &memRuleStore{}, newMemHistoryStore(),
		&memRecentStore{byPatient: map[string][]*types.RecentStudy{}}, &memSubmitter{})
	ctx := context.Background()
	mgr.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	mgr.Stop()
}
