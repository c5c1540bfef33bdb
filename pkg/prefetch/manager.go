// Package prefetch implements the Prefetch Manager (spec §4.7): three
// trigger sources (worklist-scheduled entries, study-arrival priors,
// and a cron schedule) that evaluate enabled prefetch rules and submit
// speculative retrieve jobs for prior studies, deduplicated against
// the prefetch history by StudyUID.
//
// Grounded on the original C++ prefetch_manager
// (_examples/original_source/include/pacs/client/prefetch_manager.hpp,
// prefetch_types.hpp) for the trigger/rule/history shape, and the
// teacher's pkg/scheduler.Scheduler ticker+stopCh loop
// (_examples/cuemby-warren/pkg/scheduler/scheduler.go) for the
// schedule-trigger's background goroutine.
package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kcenon/pacs-system-sub002/pkg/config"
	"github.com/kcenon/pacs-system-sub002/pkg/log"
	"github.com/kcenon/pacs-system-sub002/pkg/metrics"
	"github.com/kcenon/pacs-system-sub002/pkg/types"
)

// RuleStore is the persistence surface Manager needs for prefetch
// rules. Satisfied by *repository.PrefetchRuleRepository.
type RuleStore interface {
	FindByTrigger(ctx context.Context, trigger types.PrefetchTrigger) ([]*types.PrefetchRule, error)
	Save(ctx context.Context, rule *types.PrefetchRule) error
}

// HistoryStore is the persistence surface Manager needs for dedup and
// bookkeeping of prefetch attempts. Satisfied by
// *repository.PrefetchHistoryRepository.
type HistoryStore interface {
	FindByStudyUID(ctx context.Context, studyUID string) (*types.PrefetchHistory, error)
	Save(ctx context.Context, h *types.PrefetchHistory) error
}

// RecentStudyStore lets the study-arrival trigger find a patient's
// already-known studies without a wire round-trip. Satisfied by
// *repository.RecentStudyRepository.
type RecentStudyStore interface {
	FindByPatient(ctx context.Context, patientID string) ([]*types.RecentStudy, error)
}

// JobSubmitter lets Manager hand retrieve jobs to the job manager
// without importing it. Satisfied by *jobmanager.Manager.Submit.
type JobSubmitter interface {
	Submit(ctx context.Context, job *types.Job) (string, error)
}

// WorklistEntry is one scheduled-procedure-step delivered by the
// (out-of-scope) worklist SCU, the trigger payload for
// PrefetchTriggerWorklistScheduled (spec §4.7).
type WorklistEntry struct {
	PatientID    string
	Modality     string
	BodyPart     string
	StationAE    string
	ScheduledFor time.Time
}

// StudyArrival is the trigger payload for PrefetchTriggerStudyArrival:
// a newly stored study, used to look up priors for the same patient.
type StudyArrival struct {
	PatientID string
	StudyUID  string
	Modality  string
	BodyPart  string
	StationAE string
}

// Manager is the Prefetch Manager.
type Manager struct {
	cfg     config.PrefetchConfig
	rules   RuleStore
	history HistoryStore
	recent  RecentStudyStore
	jobs    JobSubmitter

	logger zerolog.Logger

	cronMu sync.Mutex
	cron   *cron.Cron

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New constructs a Manager.
func New(cfg config.PrefetchConfig, rules RuleStore, history HistoryStore, recent RecentStudyStore, jobs JobSubmitter) *Manager {
	return &Manager{
		cfg:     cfg,
		rules:   rules,
		history: history,
		recent:  recent,
		jobs:    jobs,
		logger:  log.WithComponent("prefetch_manager"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the schedule-trigger ticker loop (spec §4.7 "Schedule"
// trigger source). Worklist and study-arrival triggers are driven by
// explicit calls to OnWorklistEntry/OnStudyArrival from the (out of
// scope) protocol handlers.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.scheduleLoop(ctx)
}

// Stop halts the schedule-trigger loop.
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

func (m *Manager) scheduleLoop(ctx context.Context) {
	defer m.wg.Done()
	tick := m.cfg.ScheduleTick
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evaluateSchedule(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// evaluateSchedule fires any schedule-trigger rule whose cron
// expression's next-due time falls within AdvanceTime of now (spec
// §4.7 "fires manually-configured prefetches advance_time before their
// target").
func (m *Manager) evaluateSchedule(ctx context.Context) {
	rules, err := m.rules.FindByTrigger(ctx, types.PrefetchTriggerSchedule)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to load schedule-triggered prefetch rules")
		return
	}

	now := time.Now()
	for _, rule := range rules {
		sched, err := cron.ParseStandard(rule.ScheduleCron)
		if err != nil {
			m.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("cron", rule.ScheduleCron).
				Msg("invalid schedule_cron on prefetch rule")
			continue
		}
		next := sched.Next(now)
		if next.Sub(now) > rule.AdvanceTime {
			continue
		}
		if _, err := m.fireRule(ctx, rule, nil); err != nil {
			m.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("scheduled prefetch failed")
		}
	}
}

// OnWorklistEntry evaluates worklist-scheduled rules against entry and
// submits retrieve jobs for the patient's priors (spec §4.7 "Worklist
// scheduled").
func (m *Manager) OnWorklistEntry(ctx context.Context, entry WorklistEntry) ([]string, error) {
	rules, err := m.rules.FindByTrigger(ctx, types.PrefetchTriggerWorklistScheduled)
	if err != nil {
		return nil, err
	}

	var jobIDs []string
	for _, rule := range rules {
		if !matchesWorklist(rule, entry) {
			continue
		}
		ids, err := m.fireRule(ctx, rule, &priorQuery{
			PatientID: entry.PatientID,
			SourceIDs: rule.SourceNodeIDs,
		})
		if err != nil {
			m.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("worklist-triggered prefetch failed")
			continue
		}
		jobIDs = append(jobIDs, ids...)
	}
	return jobIDs, nil
}

// OnStudyArrival evaluates study-arrival rules against a newly stored
// study and submits retrieve jobs for the patient's priors not already
// locally present (spec §4.7 "Study arrival").
func (m *Manager) OnStudyArrival(ctx context.Context, arrival StudyArrival) ([]string, error) {
	rules, err := m.rules.FindByTrigger(ctx, types.PrefetchTriggerStudyArrival)
	if err != nil {
		return nil, err
	}

	var jobIDs []string
	for _, rule := range rules {
		if !matchesStudyArrival(rule, arrival) {
			continue
		}
		ids, err := m.fireRule(ctx, rule, &priorQuery{
			PatientID:     arrival.PatientID,
			SourceIDs:     rule.SourceNodeIDs,
			ExcludeStudy:  arrival.StudyUID,
			CheckPresence: true,
		})
		if err != nil {
			m.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("study-arrival prefetch failed")
			continue
		}
		jobIDs = append(jobIDs, ids...)
	}
	return jobIDs, nil
}

// priorQuery describes the candidate priors a fired rule should
// retrieve, before dedup and the max_prior_studies/modality filters
// are applied.
type priorQuery struct {
	PatientID     string
	SourceIDs     []string
	ExcludeStudy  string
	CheckPresence bool
}

// fireRule is the shared core of every trigger: look up candidate
// prior studies, filter by modality/lookback, dedup against history,
// submit a retrieve job per surviving candidate, and record a pending
// history row for each (spec §4.7 "Each prefetch creates a history row
// in pending").
func (m *Manager) fireRule(ctx context.Context, rule *types.PrefetchRule, q *priorQuery) ([]string, error) {
	var jobIDs []string
	if q == nil {
		// Manual/schedule triggers with no patient context in this
		// trigger payload still increment statistics; candidate discovery
		// for a scheduled prefetch is driven by its own source query,
		// which is out of scope here (see HandlerContext.Call sites in
		// pkg/jobmanager for the actual C-FIND/C-MOVE wiring).
		m.recordTrigger(ctx, rule, 0)
		return nil, nil
	}

	priors, err := m.candidatePriors(ctx, rule, q)
	if err != nil {
		return nil, err
	}

	submitted := 0
	for _, prior := range priors {
		if submitted >= rule.MaxPriorStudies && rule.MaxPriorStudies > 0 {
			break
		}

		existing, err := m.history.FindByStudyUID(ctx, prior.StudyUID)
		if err == nil && existing != nil &&
			(existing.Status == types.PrefetchHistoryStatusCompleted || existing.Status == types.PrefetchHistoryStatusPending) {
			continue // already prefetched or in flight (spec §4.7 dedup by study_uid)
		}

		job := &types.Job{
			Type:              types.JobTypePrefetch,
			SourceNodeID:      prior.sourceNodeID,
			StudyUID:          prior.StudyUID,
			Priority:          types.JobPriorityLow,
			ParentRuleID:      rule.ID,
			MaxRetries:        3,
			Metadata:          map[string]string{"patient_id": q.PatientID},
		}
		jobID, err := m.jobs.Submit(ctx, job)
		if err != nil {
			m.logger.Error().Err(err).Str("study_uid", prior.StudyUID).Msg("failed to submit prefetch retrieve job")
			continue
		}

		if err := m.history.Save(ctx, &types.PrefetchHistory{
			PatientID:    q.PatientID,
			StudyUID:     prior.StudyUID,
			SourceNodeID: prior.sourceNodeID,
			RuleID:       rule.ID,
			Status:       types.PrefetchHistoryStatusPending,
			CreatedAt:    time.Now(),
		}); err != nil {
			m.logger.Warn().Err(err).Str("study_uid", prior.StudyUID).Msg("failed to persist prefetch history row")
		}

		jobIDs = append(jobIDs, jobID)
		submitted++
	}

	m.recordTrigger(ctx, rule, submitted)
	return jobIDs, nil
}

// priorCandidate is a prior study found via the recent-study cache,
// tagged with the source node the retrieve job should target.
type priorCandidate struct {
	StudyUID     string
	Modality     string
	sourceNodeID string
}

// candidatePriors returns the patient's known prior studies filtered by
// rule.PriorModalities and rule.PriorLookback (spec §3.4, §4.7). The
// actual prior-study discovery query against a remote archive happens
// through the (out-of-scope) C-FIND surface inside the retrieve job's
// handler; this local pass only narrows the candidate set using the
// recent-study cache to avoid prefetching what is already on hand.
func (m *Manager) candidatePriors(ctx context.Context, rule *types.PrefetchRule, q *priorQuery) ([]priorCandidate, error) {
	known, err := m.recent.FindByPatient(ctx, q.PatientID)
	if err != nil {
		return nil, err
	}

	lookback := rule.PriorLookback
	cutoff := time.Now().Add(-lookback)
	modalitySet := toSet(rule.PriorModalities)

	var out []priorCandidate
	for _, rs := range known {
		if rs.StudyUID == q.ExcludeStudy {
			continue
		}
		if lookback > 0 && rs.LastModified.Before(cutoff) {
			continue
		}
		if len(modalitySet) > 0 && !modalitySet[rs.Modality] {
			continue
		}
		source := ""
		if len(rule.SourceNodeIDs) > 0 {
			source = rule.SourceNodeIDs[0]
		}
		out = append(out, priorCandidate{StudyUID: rs.StudyUID, Modality: rs.Modality, sourceNodeID: source})
	}
	return out, nil
}

func (m *Manager) recordTrigger(ctx context.Context, rule *types.PrefetchRule, studiesSubmitted int) {
	rule.TriggeredCount++
	rule.StudiesPrefetched += int64(studiesSubmitted)
	rule.LastTriggered = time.Now()
	if err := m.rules.Save(ctx, rule); err != nil {
		m.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("failed to persist prefetch rule statistics")
	}
	metrics.PrefetchTriggeredTotal.WithLabelValues(string(rule.Trigger)).Inc()
	if studiesSubmitted > 0 {
		metrics.PrefetchStudiesTotal.Add(float64(studiesSubmitted))
	}
}

// CompletePrefetch updates a pending history row to its terminal status
// once the underlying retrieve job finishes (spec §4.7 "the retrieve
// job's completion callback updates it to completed or failed").
func (m *Manager) CompletePrefetch(ctx context.Context, studyUID string, success bool) error {
	h, err := m.history.FindByStudyUID(ctx, studyUID)
	if err != nil {
		return err
	}
	if success {
		h.Status = types.PrefetchHistoryStatusCompleted
	} else {
		h.Status = types.PrefetchHistoryStatusFailed
	}
	return m.history.Save(ctx, h)
}

func matchesWorklist(rule *types.PrefetchRule, entry WorklistEntry) bool {
	if len(rule.StationAEFilter) > 0 && !contains(rule.StationAEFilter, entry.StationAE) {
		return false
	}
	if len(rule.BodyPartFilter) > 0 && !contains(rule.BodyPartFilter, entry.BodyPart) {
		return false
	}
	if len(rule.ModalityFilter) > 0 && !contains(rule.ModalityFilter, entry.Modality) {
		return false
	}
	return true
}

func matchesStudyArrival(rule *types.PrefetchRule, arrival StudyArrival) bool {
	if len(rule.StationAEFilter) > 0 && !contains(rule.StationAEFilter, arrival.StationAE) {
		return false
	}
	if len(rule.BodyPartFilter) > 0 && !contains(rule.BodyPartFilter, arrival.BodyPart) {
		return false
	}
	if len(rule.ModalityFilter) > 0 && !contains(rule.ModalityFilter, arrival.Modality) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func toSet(vals []string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out
}
