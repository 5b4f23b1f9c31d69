package service

import (
	"fmt"
	"sort"

	"github.com/orbitsched/orbit/pkg/models"
	"github.com/orbitsched/orbit/pkg/storage"
	"github.com/pkg/errors"
)

// ClearTarget names the instances of one task to reset. A nil MapIndexes
// clears every index. The TaskID may also be a group id, in which case
// every member task clears all of its indexes.
type ClearTarget struct {
	TaskID     string
	MapIndexes []int
}

// StateService mutates task instance state and keeps the owning run's
// aggregate state consistent with it. Every operation runs in a single
// transaction so concurrent cascades cannot interleave.
type StateService struct {
	store     storage.Store
	scheduler *SchedulerService
	logger    Logger
}

func NewStateService(store storage.Store, scheduler *SchedulerService, logger Logger) *StateService {
	return &StateService{store: store, scheduler: scheduler, logger: logger}
}

// SetTaskInstanceState sets the named instances of a task to the given
// state and clears every downstream instance sitting in failed or
// upstream_failed back to unset so the scheduler re-evaluates it.
// Downstream instances in success or skipped are left alone. A nil
// mapIndexes targets every index of the task. With future=true the change
// and its cascade repeat across every later run of the workflow. Returns
// the keys whose state actually changed; cascade resets are not reported.
func (s *StateService) SetTaskInstanceState(workflowID, runID, taskID string, mapIndexes []int, state models.TaskInstanceState, future bool) (altered []models.TaskInstanceKey, err error) {
	if state == models.NoState {
		return nil, errors.New("cannot set the unset state directly, clear the instances instead")
	}
	wf, err := s.scheduler.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.HasTask(taskID) {
		return nil, errors.Errorf("task %q not found in workflow %q", taskID, workflowID)
	}
	return s.propagate(wf, runID, []string{taskID}, mapIndexes, state, future)
}

// SetTaskGroupState applies SetTaskInstanceState semantics to every member
// task of a group at once: all members are set first, then the combined
// downstream cascade runs outside the group. Returns the union of altered
// keys.
func (s *StateService) SetTaskGroupState(workflowID, runID, groupID string, state models.TaskInstanceState, future bool) ([]models.TaskInstanceKey, error) {
	if state == models.NoState {
		return nil, errors.New("cannot set the unset state directly, clear the instances instead")
	}
	wf, err := s.scheduler.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	memberIDs, err := wf.GroupTaskIDs(groupID)
	if err != nil {
		return nil, err
	}
	return s.propagate(wf, runID, memberIDs, nil, state, future)
}

// propagate runs the set-and-cascade over the named run and, when future
// is set, over every later run carrying a logical date at or after it.
// The sweep goes by logical date alone, so later manual and backfill runs
// are replayed the same as scheduled ones: a state correction applies to
// every run that processed the data from that date onward.
func (s *StateService) propagate(wf *models.Workflow, runID string, taskIDs []string, mapIndexes []int, state models.TaskInstanceState, future bool) (altered []models.TaskInstanceKey, err error) {
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

	run, err := txStore.GetRun(wf.ID, runID)
	if err != nil {
		return nil, err
	}
	altered, err = s.applyState(txStore, wf, run, taskIDs, mapIndexes, state, true)
	if err != nil {
		return nil, err
	}
	if future && run.LogicalDate != nil {
		var later []models.Run
		later, err = txStore.ListRunsFromLogical(wf.ID, *run.LogicalDate)
		if err != nil {
			return nil, err
		}
		for _, next := range later {
			if next.RunID == run.RunID {
				continue
			}
			var more []models.TaskInstanceKey
			// Later runs may have expanded the task differently; indexes
			// missing there are skipped rather than rejected.
			more, err = s.applyState(txStore, wf, next, taskIDs, mapIndexes, state, false)
			if err != nil {
				return nil, err
			}
			altered = append(altered, more...)
		}
	}
	sortKeys(altered)
	s.logger.Infof("Set %d task instance(s) of workflow '%s' to '%s'", len(altered), wf.ID, state)
	return altered, nil
}

// applyState performs one run's worth of the state propagation: set the
// named instances, reset failed and upstream_failed instances downstream
// of them, then recompute the run's aggregate state. With strict set, a
// requested map index with no instance is a caller error.
func (s *StateService) applyState(txStore storage.Store, wf *models.Workflow, run models.Run, taskIDs []string, mapIndexes []int, state models.TaskInstanceState, strict bool) ([]models.TaskInstanceKey, error) {
	instances, err := txStore.ListTaskInstances(wf.ID, run.RunID, storage.TaskInstanceFilter{})
	if err != nil {
		return nil, err
	}
	named := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		named[id] = true
	}

	var altered []models.TaskInstanceKey
	var upserts []models.TaskInstance
	for _, taskID := range taskIDs {
		byIndex := make(map[int]int) // map index -> position in instances
		for i, ti := range instances {
			if ti.TaskID == taskID {
				byIndex[ti.MapIndex] = i
			}
		}
		indexes := mapIndexes
		if indexes == nil {
			// All current indexes; removed instances are not current and
			// only an explicit index can touch them.
			indexes = make([]int, 0, len(byIndex))
			for idx, pos := range byIndex {
				if instances[pos].State == models.RemovedState {
					continue
				}
				indexes = append(indexes, idx)
			}
			sort.Ints(indexes)
		}
		for _, idx := range indexes {
			pos, ok := byIndex[idx]
			if !ok {
				if strict {
					return nil, errors.Errorf("task instance of %q with map index %d not found in run %q of workflow %q", taskID, idx, run.RunID, wf.ID)
				}
				continue
			}
			if instances[pos].State == state {
				continue
			}
			instances[pos].State = state
			altered = append(altered, instances[pos].Key())
			upserts = append(upserts, instances[pos])
		}
	}

	// Cascade: every instance strictly downstream of a named task that is
	// parked in a failure state goes back to unset for re-evaluation.
	downstream := make(map[string]bool)
	for _, taskID := range taskIDs {
		ids, err := wf.FlatRelativeIDs(taskID, false)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !named[id] {
				downstream[id] = true
			}
		}
	}
	for i, ti := range instances {
		if !downstream[ti.TaskID] {
			continue
		}
		if ti.State != models.FailedState && ti.State != models.UpstreamFailedState {
			continue
		}
		instances[i].State = models.NoState
		upserts = append(upserts, instances[i])
	}

	if len(upserts) == 0 {
		return nil, nil
	}
	if err := txStore.SaveTaskInstances(upserts); err != nil {
		return nil, err
	}
	if aggregate := deriveRunState(instances); aggregate != run.State {
		if err := txStore.UpdateRunState(wf.ID, run.RunID, aggregate); err != nil {
			return nil, err
		}
	}
	auditTask := ""
	if len(taskIDs) == 1 {
		auditTask = taskIDs[0]
	}
	if err := txStore.SaveAuditLog(models.AuditLog{
		Event:      models.TaskStateSetEvent,
		WorkflowID: wf.ID,
		RunID:      run.RunID,
		TaskID:     auditTask,
		Detail:     fmt.Sprintf("state=%s altered=%d", state, len(altered)),
	}); err != nil {
		return nil, err
	}
	return altered, nil
}

// ClearTaskInstances resets instances to the unset state across the
// closure of the given targets, honoring the setup and teardown expansion
// rules of PartialSubset. Targets naming explicit map indexes clear only
// those; tasks pulled in through the closure clear every index. The run
// is put back into the requested queued or running state.
func (s *StateService) ClearTaskInstances(workflowID, runID string, targets []ClearTarget, includeUpstream, includeDownstream bool, runState models.RunState) (altered []models.TaskInstanceKey, err error) {
	if runState != models.QueuedRunState && runState != models.RunningRunState {
		return nil, errors.Errorf("a cleared run can only be set to %q or %q, not %q", models.QueuedRunState, models.RunningRunState, runState)
	}
	if len(targets) == 0 {
		return nil, errors.New("no clear targets given")
	}
	wf, err := s.scheduler.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	rootIDs := make([]string, 0, len(targets))
	restrict := make(map[string][]int)
	for _, target := range targets {
		rootIDs = append(rootIDs, target.TaskID)
		if target.MapIndexes != nil {
			if !wf.HasTask(target.TaskID) {
				return nil, errors.Errorf("map indexes can only restrict tasks, %q is not a task of workflow %q", target.TaskID, workflowID)
			}
			restrict[target.TaskID] = target.MapIndexes
		}
	}
	closureIDs, err := wf.PartialSubsetIDs(rootIDs, includeUpstream, includeDownstream)
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

	run, err := txStore.GetRun(workflowID, runID)
	if err != nil {
		return nil, err
	}
	instances, err := txStore.ListTaskInstances(workflowID, runID, storage.TaskInstanceFilter{TaskIDs: closureIDs})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]map[int]bool, len(restrict))
	var upserts []models.TaskInstance
	for i, ti := range instances {
		if limit, ok := restrict[ti.TaskID]; ok {
			if seen[ti.TaskID] == nil {
				seen[ti.TaskID] = make(map[int]bool)
			}
			seen[ti.TaskID][ti.MapIndex] = true
			if !containsInt(limit, ti.MapIndex) {
				continue
			}
		}
		if ti.State == models.NoState {
			continue
		}
		instances[i].State = models.NoState
		altered = append(altered, instances[i].Key())
		upserts = append(upserts, instances[i])
	}
	for taskID, limit := range restrict {
		for _, idx := range limit {
			if !seen[taskID][idx] {
				return nil, errors.Errorf("task instance of %q with map index %d not found in run %q of workflow %q", taskID, idx, runID, workflowID)
			}
		}
	}
	if len(upserts) > 0 {
		if err = txStore.SaveTaskInstances(upserts); err != nil {
			return nil, err
		}
	}
	if run.State != runState {
		if err = txStore.UpdateRunState(workflowID, runID, runState); err != nil {
			return nil, err
		}
	}
	if err = txStore.SaveAuditLog(models.AuditLog{
		Event:      models.TaskClearedEvent,
		WorkflowID: workflowID,
		RunID:      runID,
		Detail:     fmt.Sprintf("cleared=%d tasks=%d", len(altered), len(closureIDs)),
	}); err != nil {
		return nil, err
	}
	sortKeys(altered)
	s.logger.Infof("Cleared %d task instance(s) of run '%s' in workflow '%s'", len(altered), runID, workflowID)
	return altered, nil
}

// RefreshRunState recomputes a run's aggregate state from its instances
// and persists it when it changed. Returns the derived state.
func (s *StateService) RefreshRunState(workflowID, runID string) (state models.RunState, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return "", errors.Wrap(err, "failed to begin transaction")
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

	run, err := txStore.GetRun(workflowID, runID)
	if err != nil {
		return "", err
	}
	instances, err := txStore.ListTaskInstances(workflowID, runID, storage.TaskInstanceFilter{})
	if err != nil {
		return "", err
	}
	state = deriveRunState(instances)
	if state != run.State {
		if err = txStore.UpdateRunState(workflowID, runID, state); err != nil {
			return "", err
		}
	}
	return state, nil
}

// SetRunState force-sets a run's aggregate state, bypassing derivation.
// Meant for operator intervention on a wedged run.
func (s *StateService) SetRunState(workflowID, runID string, state models.RunState) (err error) {
	switch state {
	case models.QueuedRunState, models.RunningRunState, models.SuccessRunState, models.FailedRunState:
	default:
		return errors.Errorf("unknown run state %q", state)
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

	if _, err = txStore.GetRun(workflowID, runID); err != nil {
		return err
	}
	if err = txStore.UpdateRunState(workflowID, runID, state); err != nil {
		return err
	}
	if err = txStore.SaveAuditLog(models.AuditLog{
		Event:      models.RunStateSetEvent,
		WorkflowID: workflowID,
		RunID:      runID,
		Detail:     string(state),
	}); err != nil {
		return err
	}
	s.logger.Infof("Set run '%s' of workflow '%s' to '%s'", runID, workflowID, state)
	return nil
}

// deriveRunState folds instance states into the run's aggregate. Unset and
// queued instances mean the scheduler still has work to hand out, so they
// dominate; after that anything running keeps the run running; a failure
// with nothing left to re-evaluate settles the run as failed.
func deriveRunState(instances []models.TaskInstance) models.RunState {
	var pending, running, failed bool
	for _, ti := range instances {
		switch ti.State {
		case models.NoState, models.QueuedState:
			pending = true
		case models.RunningState, models.RestartingState:
			running = true
		case models.FailedState, models.UpstreamFailedState:
			failed = true
		}
	}
	switch {
	case pending:
		return models.QueuedRunState
	case running:
		return models.RunningRunState
	case failed:
		return models.FailedRunState
	default:
		return models.SuccessRunState
	}
}

func sortKeys(keys []models.TaskInstanceKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RunID != keys[j].RunID {
			return keys[i].RunID < keys[j].RunID
		}
		if keys[i].TaskID != keys[j].TaskID {
			return keys[i].TaskID < keys[j].TaskID
		}
		return keys[i].MapIndex < keys[j].MapIndex
	})
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
