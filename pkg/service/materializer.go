package service

import (
	"fmt"
	"time"

	"github.com/orbitsched/orbit/pkg/models"
	"github.com/orbitsched/orbit/pkg/storage"
	"github.com/orbitsched/orbit/pkg/timetable"
	"github.com/pkg/errors"
)

// RunRequest carries the caller-supplied parameters of a new run. Only
// manual runs may choose their own RunID; everything else derives it from
// the logical date.
type RunRequest struct {
	WorkflowID   string
	RunType      models.RunType
	LogicalDate  *time.Time
	DataInterval *timetable.DataInterval
	RunAfter     *time.Time
	RunID        string
}

// RunService materializes runs: it turns a scheduling decision (or an
// operator request) into a run row plus one unset task instance per task,
// atomically. Duplicate materialization collides on the run id and
// surfaces storage.ErrAlreadyExists, which racing callers treat as a
// benign no-op.
type RunService struct {
	store     storage.Store
	scheduler *SchedulerService
	logger    Logger
}

func NewRunService(store storage.Store, scheduler *SchedulerService, logger Logger) *RunService {
	return &RunService{store: store, scheduler: scheduler, logger: logger}
}

// CreateRun materializes a run from explicit parameters. A missing data
// interval is inferred from the logical date when the timetable supports
// that; a missing run-after falls back to the interval end, then the
// logical date, then the current time.
func (s *RunService) CreateRun(req RunRequest) (run *models.Run, err error) {
	wf, err := s.scheduler.GetWorkflow(req.WorkflowID)
	if err != nil {
		return nil, err
	}
	switch req.RunType {
	case models.ScheduledRunType, models.ManualRunType, models.BackfillRunType, models.AssetTriggeredRunType:
	default:
		return nil, errors.Errorf("unknown run type %q", req.RunType)
	}
	interval := req.DataInterval
	if interval == nil && req.LogicalDate != nil {
		inferrer, ok := wf.Timetable.(timetable.IntervalInferrer)
		if !ok {
			return nil, errors.Errorf("cannot infer a data interval for workflow %q from its logical date alone", wf.ID)
		}
		inferred := inferrer.InferInterval(*req.LogicalDate)
		interval = &inferred
	}
	if interval == nil && (req.RunType == models.ScheduledRunType || req.RunType == models.BackfillRunType) {
		return nil, errors.Errorf("%s runs require a data interval", req.RunType)
	}
	if req.LogicalDate != nil {
		r := wf.TimeRestriction()
		if r.Earliest != nil && req.LogicalDate.Before(*r.Earliest) {
			return nil, errors.Errorf("logical date %s precedes the start date of workflow %q", req.LogicalDate.Format(time.RFC3339), wf.ID)
		}
		if r.Latest != nil && req.LogicalDate.After(*r.Latest) {
			return nil, errors.Errorf("logical date %s exceeds the end date of workflow %q", req.LogicalDate.Format(time.RFC3339), wf.ID)
		}
	}
	var runAfter time.Time
	switch {
	case req.RunAfter != nil:
		runAfter = *req.RunAfter
	case interval != nil:
		runAfter = interval.End
	case req.LogicalDate != nil:
		runAfter = *req.LogicalDate
	default:
		runAfter = time.Now().UTC()
	}
	runID := req.RunID
	if runID == "" {
		runID = models.GenerateRunID(req.RunType, req.LogicalDate, runAfter)
	}
	if err := models.ValidateRunID(req.RunType, runID); err != nil {
		return nil, err
	}

	newRun := models.Run{
		WorkflowID:  wf.ID,
		RunID:       runID,
		RunType:     req.RunType,
		State:       models.QueuedRunState,
		LogicalDate: req.LogicalDate,
		RunAfter:    runAfter,
	}
	if interval != nil {
		newRun.DataIntervalStart = &interval.Start
		newRun.DataIntervalEnd = &interval.End
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
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

	if err = insertRun(txStore, wf, newRun); err != nil {
		return nil, err
	}
	s.logger.Infof("Created %s run '%s' for workflow '%s'", newRun.RunType, newRun.RunID, wf.ID)
	return &newRun, nil
}

// ScheduleNextRun materializes the precomputed next run when its gate has
// passed, then advances the projection to the run after it. Returns nil
// without error when the workflow is not due. At the active run cap the
// gate is replaced by the blocked sentinel and nothing is created until
// ReleaseIfUnblocked restores it.
func (s *RunService) ScheduleNextRun(workflowID string, now time.Time) (run *models.Run, err error) {
	wf, err := s.scheduler.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
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
		return nil, err
	}
	if rec.NextRunCreateAfter == nil || rec.NextRunCreateAfter.After(now) {
		return nil, nil
	}
	if rec.NextRunLogical == nil || rec.NextRunDataStart == nil || rec.NextRunDataEnd == nil {
		return nil, errors.Errorf("workflow %q has a run gate but no projected next run", workflowID)
	}
	active, err := txStore.CountActiveRuns(workflowID)
	if err != nil {
		return nil, err
	}
	if active >= rec.MaxActiveRuns {
		s.logger.Infof("Workflow '%s' is at its active run cap (%d), deferring the next run", workflowID, rec.MaxActiveRuns)
		err = txStore.UpdateNextRun(workflowID, rec.NextRunLogical, rec.NextRunDataStart, rec.NextRunDataEnd, nil)
		return nil, err
	}

	logical := *rec.NextRunLogical
	interval := timetable.NewInterval(*rec.NextRunDataStart, *rec.NextRunDataEnd)
	newRun := models.Run{
		WorkflowID:        workflowID,
		RunID:             models.GenerateRunID(models.ScheduledRunType, &logical, *rec.NextRunCreateAfter),
		RunType:           models.ScheduledRunType,
		State:             models.QueuedRunState,
		LogicalDate:       &logical,
		DataIntervalStart: &interval.Start,
		DataIntervalEnd:   &interval.End,
		RunAfter:          *rec.NextRunCreateAfter,
	}
	if err = insertRun(txStore, wf, newRun); err != nil {
		return nil, err
	}

	next, infoErr := wf.NextRunInfo(&interval)
	if infoErr != nil {
		s.logger.Errorf("Failed to fetch run info after data interval %v for workflow '%s': %v", &interval, wf.ID, infoErr)
		next = nil
	}
	if next == nil {
		err = txStore.UpdateNextRun(workflowID, nil, nil, nil, nil)
	} else {
		createAfter := next.RunAfter()
		createAfterPtr := &createAfter
		if active+1 >= rec.MaxActiveRuns {
			createAfterPtr = nil
		}
		err = txStore.UpdateNextRun(workflowID, &next.LogicalDate, &next.Interval.Start, &next.Interval.End, createAfterPtr)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Created scheduled run '%s' for workflow '%s'", newRun.RunID, workflowID)
	return &newRun, nil
}

// ReleaseIfUnblocked recomputes the projection of a workflow parked on the
// blocked sentinel once its active run count has dropped below the cap.
func (s *RunService) ReleaseIfUnblocked(workflowID string) (err error) {
	wf, err := s.scheduler.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
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
	// The sentinel keeps the projected run and drops only the gate. A record
	// with no projection at all is exhausted or asset-driven, not blocked.
	if rec.NextRunCreateAfter != nil || rec.NextRunLogical == nil {
		return nil
	}
	var active int
	active, err = txStore.CountActiveRuns(workflowID)
	if err != nil {
		return err
	}
	if active >= rec.MaxActiveRuns {
		return nil
	}
	if err = s.scheduler.refreshNextRun(txStore, wf); err != nil {
		return err
	}
	s.logger.Infof("Released workflow '%s' from its active run cap", workflowID)
	return nil
}

// MaterializeAssetRun consumes a workflow's queued asset events into one
// asset-triggered run. The run carries no logical date or interval; its
// run-after is the latest queued event time, so two schedulers racing on
// the same queue derive the same run id and one of them collides.
func (s *RunService) MaterializeAssetRun(workflowID string) (run *models.Run, err error) {
	wf, err := s.scheduler.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	cond := assetCondition(wf)
	if cond == nil {
		return nil, errors.Errorf("workflow %q is not asset-triggered", workflowID)
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
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
		return nil, err
	}
	queue, err := txStore.ListAssetQueue(workflowID)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
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
		return nil, nil
	}
	var active int
	active, err = txStore.CountActiveRuns(workflowID)
	if err != nil {
		return nil, err
	}
	if active >= rec.MaxActiveRuns {
		s.logger.Infof("Workflow '%s' is at its active run cap (%d), leaving asset events queued", workflowID, rec.MaxActiveRuns)
		return nil, nil
	}

	newRun := models.Run{
		WorkflowID: workflowID,
		RunID:      models.GenerateRunID(models.AssetTriggeredRunType, nil, latest),
		RunType:    models.AssetTriggeredRunType,
		State:      models.QueuedRunState,
		RunAfter:   latest,
	}
	if err = insertRun(txStore, wf, newRun); err != nil {
		return nil, err
	}
	if err = txStore.ClearAssetQueue(workflowID); err != nil {
		return nil, err
	}
	if err = txStore.SaveAuditLog(models.AuditLog{
		Event:      models.AssetConsumedEvent,
		WorkflowID: workflowID,
		RunID:      newRun.RunID,
		Detail:     fmt.Sprintf("%d queued event(s)", len(queue)),
	}); err != nil {
		return nil, err
	}
	s.logger.Infof("Materialized asset-triggered run '%s' for workflow '%s' from %d queued event(s)", newRun.RunID, workflowID, len(queue))
	return &newRun, nil
}

// ExpandTaskInstances resizes a mapped task's instances to the contiguous
// index range [0, length). Missing indices are created unset, removed ones
// inside the range are revived, and everything outside the range, the
// unmapped placeholder included, is marked removed. It returns the task's
// instances after the expansion.
func (s *RunService) ExpandTaskInstances(workflowID, runID, taskID string, length int) (out []models.TaskInstance, err error) {
	if length < 0 {
		return nil, errors.Errorf("cannot expand task %q to %d instances", taskID, length)
	}
	wf, err := s.scheduler.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.HasTask(taskID) {
		return nil, errors.Errorf("task %q not found in workflow %q", taskID, workflowID)
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
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

	if _, err = txStore.GetRun(workflowID, runID); err != nil {
		return nil, err
	}
	existing, err := txStore.ListTaskInstances(workflowID, runID, storage.TaskInstanceFilter{TaskIDs: []string{taskID}})
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]models.TaskInstance, len(existing))
	for _, ti := range existing {
		byIndex[ti.MapIndex] = ti
	}

	var upserts []models.TaskInstance
	for i := 0; i < length; i++ {
		ti, ok := byIndex[i]
		if !ok {
			upserts = append(upserts, models.TaskInstance{
				WorkflowID: workflowID,
				RunID:      runID,
				TaskID:     taskID,
				MapIndex:   i,
				State:      models.NoState,
			})
			continue
		}
		if ti.State == models.RemovedState {
			ti.State = models.NoState
			upserts = append(upserts, ti)
		}
	}
	for _, ti := range existing {
		if ti.MapIndex >= length || ti.MapIndex == models.UnmappedIndex {
			if ti.State != models.RemovedState {
				ti.State = models.RemovedState
				upserts = append(upserts, ti)
			}
		}
	}
	if len(upserts) > 0 {
		if err = txStore.SaveTaskInstances(upserts); err != nil {
			return nil, err
		}
	}
	out, err = txStore.ListTaskInstances(workflowID, runID, storage.TaskInstanceFilter{TaskIDs: []string{taskID}})
	if err != nil {
		return nil, err
	}
	s.logger.Infof("Expanded task '%s' of run '%s' to %d instance(s)", taskID, runID, length)
	return out, nil
}

// insertRun writes the run, its unset task instances and the audit row
// inside the caller's transaction, creating the workflow record first when
// this is the workflow's first persisted trace.
func insertRun(txStore storage.Store, wf *models.Workflow, run models.Run) error {
	_, err := txStore.GetWorkflowRecord(wf.ID)
	if errors.Cause(err) == storage.ErrNotFound {
		err = txStore.SaveWorkflowRecord(models.WorkflowRecord{
			WorkflowID:    wf.ID,
			Paused:        wf.Paused,
			MaxActiveRuns: wf.MaxActiveRuns,
		})
	}
	if err != nil {
		return err
	}
	if err := txStore.SaveRun(run); err != nil {
		return err
	}
	taskIDs := wf.TaskIDs()
	instances := make([]models.TaskInstance, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		instances = append(instances, models.TaskInstance{
			WorkflowID: wf.ID,
			RunID:      run.RunID,
			TaskID:     taskID,
			MapIndex:   models.UnmappedIndex,
			State:      models.NoState,
		})
	}
	if err := txStore.SaveTaskInstances(instances); err != nil {
		return err
	}
	return txStore.SaveAuditLog(models.AuditLog{
		Event:      models.RunCreatedEvent,
		WorkflowID: wf.ID,
		RunID:      run.RunID,
		Detail:     string(run.RunType),
	})
}
