package service

import (
	"sort"
	"sync"
	"time"

	"github.com/orbitsched/orbit/pkg/models"
	"github.com/orbitsched/orbit/pkg/storage"
	"github.com/orbitsched/orbit/pkg/timetable"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the scheduling services
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// SchedulerService owns the registry of workflow definitions and answers
// scheduling questions against it: what runs next, which intervals fall
// between two bounds, and which workflows need a run right now.
// Definitions live in memory; their scheduling projection is persisted
// through the store so concurrent schedulers share one view of it.
type SchedulerService struct {
	store     storage.Store
	logger    Logger
	workflows map[string]*models.Workflow
	mu        sync.RWMutex
}

func NewSchedulerService(store storage.Store, logger Logger) *SchedulerService {
	return &SchedulerService{
		store:     store,
		logger:    logger,
		workflows: make(map[string]*models.Workflow),
	}
}

// RegisterWorkflow validates a workflow definition, adds it to the
// registry and refreshes its persisted scheduling projection. The paused
// flag of a previously registered workflow is preserved; max active runs
// always follows the definition.
func (s *SchedulerService) RegisterWorkflow(wf *models.Workflow) (err error) {
	if wf == nil {
		return errors.New("nil workflow")
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.workflows[wf.ID] = wf
	s.mu.Unlock()

	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	rec, err := txStore.GetWorkflowRecord(wf.ID)
	if errors.Cause(err) == storage.ErrNotFound {
		rec = models.WorkflowRecord{WorkflowID: wf.ID, Paused: wf.Paused}
		err = nil
	} else if err != nil {
		return err
	}
	rec.MaxActiveRuns = wf.MaxActiveRuns
	rec.Stale = false
	rec.HasImportErrors = false
	if err = txStore.SaveWorkflowRecord(rec); err != nil {
		return err
	}
	if err = s.refreshNextRun(txStore, wf); err != nil {
		return err
	}
	s.logger.Infof("Registered workflow '%s' (schedule %s)", wf.ID, wf.Timetable.Summary())
	return nil
}

// refreshNextRun recomputes the precomputed next run columns from the
// latest automated run. A timetable fault clears the projection so the
// workflow stops scheduling instead of wedging the whole tick.
func (s *SchedulerService) refreshNextRun(txStore storage.Store, wf *models.Workflow) error {
	last, err := txStore.LatestAutomatedRun(wf.ID)
	if err != nil {
		return err
	}
	var lastInterval *timetable.DataInterval
	if last != nil {
		lastInterval = last.DataInterval()
	}
	info, err := wf.NextRunInfo(lastInterval)
	if err != nil {
		s.logger.Errorf("Failed to fetch run info after data interval %v for workflow '%s': %v", lastInterval, wf.ID, err)
		return txStore.UpdateNextRun(wf.ID, nil, nil, nil, nil)
	}
	if info == nil {
		return txStore.UpdateNextRun(wf.ID, nil, nil, nil, nil)
	}
	logical := info.LogicalDate
	start := info.Interval.Start
	end := info.Interval.End
	runAfter := info.RunAfter()
	return txStore.UpdateNextRun(wf.ID, &logical, &start, &end, &runAfter)
}

// GetWorkflow returns a registered workflow definition.
func (s *SchedulerService) GetWorkflow(workflowID string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, errors.Errorf("workflow %q is not registered", workflowID)
	}
	return wf, nil
}

// ListWorkflows returns the registered workflow definitions sorted by id.
func (s *SchedulerService) ListWorkflows() []*models.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PauseWorkflow flips the persisted paused flag. Paused workflows keep
// their projection but are skipped by the eligibility query.
func (s *SchedulerService) PauseWorkflow(workflowID string, paused bool) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	rec, err := txStore.GetWorkflowRecord(workflowID)
	if err != nil {
		return err
	}
	rec.Paused = paused
	if err = txStore.SaveWorkflowRecord(rec); err != nil {
		return err
	}
	if paused {
		s.logger.Infof("Paused workflow '%s'", workflowID)
	} else {
		s.logger.Infof("Unpaused workflow '%s'", workflowID)
	}
	return nil
}

// SyncStaleRecords flags persisted records whose definition is no longer
// registered as stale. Stale workflows are excluded from scheduling until
// the definition reappears through RegisterWorkflow.
func (s *SchedulerService) SyncStaleRecords() (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	records, err := txStore.ListWorkflowRecords()
	if err != nil {
		return err
	}
	for _, rec := range records {
		s.mu.RLock()
		_, registered := s.workflows[rec.WorkflowID]
		s.mu.RUnlock()
		if registered || rec.Stale {
			continue
		}
		rec.Stale = true
		if err = txStore.SaveWorkflowRecord(rec); err != nil {
			return err
		}
		s.logger.Infof("Marked workflow '%s' as stale", rec.WorkflowID)
	}
	return nil
}

// NextRunInfo computes when the workflow should run next, following the
// latest automated run recorded in the store.
func (s *SchedulerService) NextRunInfo(workflowID string) (*timetable.RunInfo, error) {
	wf, err := s.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LatestAutomatedRun(workflowID)
	if err != nil {
		return nil, err
	}
	var lastInterval *timetable.DataInterval
	if last != nil {
		lastInterval = last.DataInterval()
	}
	return wf.NextRunInfo(lastInterval)
}

// NextDataInterval returns the data interval of the precomputed next run,
// or nil when no further run is projected. Records that predate the
// interval columns fall back to the timetable's inference from the
// logical date alone.
func (s *SchedulerService) NextDataInterval(workflowID string) (*timetable.DataInterval, error) {
	wf, err := s.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetWorkflowRecord(workflowID)
	if err != nil {
		return nil, err
	}
	if rec.NextRunDataStart != nil && rec.NextRunDataEnd != nil {
		interval := timetable.NewInterval(*rec.NextRunDataStart, *rec.NextRunDataEnd)
		return &interval, nil
	}
	if rec.NextRunLogical == nil {
		return nil, nil
	}
	inferrer, ok := wf.Timetable.(timetable.IntervalInferrer)
	if !ok {
		return nil, errors.Errorf("cannot infer a data interval for workflow %q from its logical date alone", workflowID)
	}
	interval := inferrer.InferInterval(*rec.NextRunLogical)
	return &interval, nil
}

// RunIterator walks the data intervals of one workflow between two
// bounds. It is restartable: a second iterator over the same bounds
// yields the same sequence. A timetable fault ends the walk after the
// intervals computed so far instead of failing it.
type RunIterator struct {
	wf          *models.Workflow
	logger      Logger
	restriction timetable.TimeRestriction
	align       bool

	started bool
	done    bool
	pending *timetable.RunInfo
	last    *timetable.DataInterval
}

// NewRunIterator bounds the walk to [earliest, latest]. A nil earliest
// falls back to the workflow's own earliest scheduling bound. With
// align=false, spans of the timeframe not covered by the timetable are
// returned as invented intervals instead of being skipped.
func NewRunIterator(wf *models.Workflow, logger Logger, earliest *time.Time, latest time.Time, align bool) (*RunIterator, error) {
	if earliest == nil {
		earliest = wf.TimeRestriction().Earliest
	}
	if earliest == nil {
		return nil, errors.Errorf("no earliest bound given and workflow %q has no start date to fall back on", wf.ID)
	}
	return &RunIterator{
		wf:     wf,
		logger: logger,
		restriction: timetable.TimeRestriction{
			Earliest: earliest,
			Latest:   &latest,
			Catchup:  true,
		},
		align: align,
	}, nil
}

// IterateRunIntervals starts a walk over a registered workflow's runs.
func (s *SchedulerService) IterateRunIntervals(workflowID string, earliest *time.Time, latest time.Time, align bool) (*RunIterator, error) {
	wf, err := s.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	return NewRunIterator(wf, s.logger, earliest, latest, align)
}

// CollectRunIntervals drains a fresh iterator into a slice.
func (s *SchedulerService) CollectRunIntervals(workflowID string, earliest *time.Time, latest time.Time, align bool) ([]timetable.RunInfo, error) {
	it, err := s.IterateRunIntervals(workflowID, earliest, latest, align)
	if err != nil {
		return nil, err
	}
	var out []timetable.RunInfo
	for info, ok := it.Next(); ok; info, ok = it.Next() {
		out = append(out, info)
	}
	return out, nil
}

// Next returns the next run of the walk and whether one was produced.
func (it *RunIterator) Next() (timetable.RunInfo, bool) {
	if it.done {
		return timetable.RunInfo{}, false
	}
	if it.pending != nil {
		info := *it.pending
		it.pending = nil
		it.last = &info.Interval
		return info, true
	}
	if !it.started {
		it.started = true
		info := it.fetch(nil)
		if info == nil {
			it.done = true
			// Nothing scheduled inside the bounds. Without alignment the
			// timeframe itself becomes one invented interval.
			if !it.align {
				return inventedRun(*it.restriction.Earliest, *it.restriction.Latest), true
			}
			return timetable.RunInfo{}, false
		}
		// Without alignment, a first run starting past the earliest bound
		// leaves a gap; cover it with an invented interval.
		if !it.align && !info.LogicalDate.Equal(*it.restriction.Earliest) {
			it.pending = info
			return inventedRun(*it.restriction.Earliest, info.Interval.Start), true
		}
		it.last = &info.Interval
		return *info, true
	}
	info := it.fetch(it.last)
	if info == nil {
		it.done = true
		return timetable.RunInfo{}, false
	}
	it.last = &info.Interval
	return *info, true
}

// fetch asks the timetable for the run after the given interval, turning
// a fault into end-of-sequence.
func (it *RunIterator) fetch(last *timetable.DataInterval) *timetable.RunInfo {
	info, err := it.wf.Timetable.NextRun(last, it.restriction)
	if err != nil {
		it.logger.Errorf("Failed to fetch run info after data interval %v for workflow '%s': %v", last, it.wf.ID, err)
		return nil
	}
	return info
}

func inventedRun(start, end time.Time) timetable.RunInfo {
	return timetable.RunInfo{
		LogicalDate: start,
		Interval:    timetable.NewInterval(start, end),
	}
}

// WorkflowsNeedingRuns returns the registered workflows eligible for a
// new run at the given instant, plus the latest queued asset-event time
// for each workflow included through its asset condition. A nil
// next_run_create_after is an explicit blocked sentinel, not an absent
// constraint: time-based workflows carrying it are skipped.
func (s *SchedulerService) WorkflowsNeedingRuns(now time.Time) (eligible []*models.Workflow, triggeredAt map[string]time.Time, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	records, err := txStore.ListWorkflowRecords()
	if err != nil {
		return nil, nil, err
	}
	triggeredAt = make(map[string]time.Time)
	for _, rec := range records {
		if rec.Paused || rec.Stale || rec.HasImportErrors {
			continue
		}
		s.mu.RLock()
		wf, registered := s.workflows[rec.WorkflowID]
		s.mu.RUnlock()
		if !registered {
			continue
		}
		if rec.NextRunCreateAfter != nil && !rec.NextRunCreateAfter.After(now) {
			eligible = append(eligible, wf)
			continue
		}
		cond := assetCondition(wf)
		if cond == nil {
			continue
		}
		var queue []models.AssetQueueEntry
		queue, err = txStore.ListAssetQueue(wf.ID)
		if err != nil {
			return nil, nil, err
		}
		if len(queue) == 0 {
			continue
		}
		queued := make(map[int64]bool, len(queue))
		var latest time.Time
		for _, entry := range queue {
			queued[entry.AssetID] = true
			if entry.CreatedAt.After(latest) {
				latest = entry.CreatedAt
			}
		}
		if !cond.Evaluate(queued) {
			continue
		}
		var active int
		active, err = txStore.CountActiveRuns(wf.ID)
		if err != nil {
			return nil, nil, err
		}
		if active >= rec.MaxActiveRuns {
			continue
		}
		eligible = append(eligible, wf)
		triggeredAt[wf.ID] = latest
	}
	return eligible, triggeredAt, nil
}

// AssetTriggeredRunInfo summarizes how close each asset-driven workflow
// is to its next run: how many of its required assets have queued events,
// the total required, and the asset URI when exactly one is involved.
// Workflows whose condition resolves to no concrete assets are omitted.
func (s *SchedulerService) AssetTriggeredRunInfo(workflowIDs []string) (map[string]models.AssetNextRunInfo, error) {
	out := make(map[string]models.AssetNextRunInfo)
	for _, workflowID := range workflowIDs {
		wf, err := s.GetWorkflow(workflowID)
		if err != nil {
			return nil, err
		}
		cond := assetCondition(wf)
		if cond == nil {
			continue
		}
		ids := cond.AssetIDs()
		if len(ids) == 0 {
			continue
		}
		queue, err := s.store.ListAssetQueue(workflowID)
		if err != nil {
			return nil, err
		}
		required := make(map[int64]bool, len(ids))
		for _, assetID := range ids {
			required[assetID] = true
		}
		ready := make(map[int64]bool)
		for _, entry := range queue {
			if required[entry.AssetID] {
				ready[entry.AssetID] = true
			}
		}
		info := models.AssetNextRunInfo{Ready: len(ready), Total: len(ids)}
		if len(ids) == 1 {
			assets, err := s.store.ListAssets(ids)
			if err != nil {
				return nil, err
			}
			if len(assets) == 1 {
				info.URI = assets[0].URI
			}
		}
		out[workflowID] = info
	}
	return out, nil
}

// RegisterAsset persists an asset definition and returns its id.
func (s *SchedulerService) RegisterAsset(asset models.Asset) (int64, error) {
	id, err := s.store.SaveAsset(asset)
	if err != nil {
		return 0, err
	}
	s.logger.Infof("Registered asset '%s' (%s)", asset.Name, asset.URI)
	return id, nil
}

// RecordAssetEvent queues a fresh event of the asset for every registered
// workflow whose trigger condition references it. Re-emission before
// consumption refreshes the queued event's timestamp.
func (s *SchedulerService) RecordAssetEvent(assetID int64, occurredAt time.Time) (err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	targets := 0
	for _, wf := range s.ListWorkflows() {
		cond := assetCondition(wf)
		if cond == nil {
			continue
		}
		referenced := false
		for _, id := range cond.AssetIDs() {
			if id == assetID {
				referenced = true
				break
			}
		}
		if !referenced {
			continue
		}
		if err = txStore.EnqueueAsset(models.AssetQueueEntry{
			AssetID:          assetID,
			TargetWorkflowID: wf.ID,
			CreatedAt:        occurredAt,
		}); err != nil {
			return err
		}
		targets++
	}
	s.logger.Infof("Recorded event for asset %d targeting %d workflow(s)", assetID, targets)
	return nil
}

// assetCondition returns the workflow's trigger condition when its
// timetable is asset-driven.
func assetCondition(wf *models.Workflow) timetable.AssetCondition {
	if at, ok := wf.Timetable.(*timetable.AssetTriggered); ok {
		return at.Condition
	}
	return nil
}
