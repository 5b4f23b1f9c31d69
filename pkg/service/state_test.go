package service_test

import (
	"testing"
	"time"

	"github.com/orbitsched/orbit/pkg/models"
	"github.com/orbitsched/orbit/pkg/service"
	"github.com/orbitsched/orbit/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStateHarness(t *testing.T) (*service.StateService, *service.RunService, *service.SchedulerService, storage.Store) {
	t.Helper()
	st := storage.NewMockStore()
	scheduler := service.NewSchedulerService(st, logger{})
	runs := service.NewRunService(st, scheduler, logger{})
	return service.NewStateService(st, scheduler, logger{}), runs, scheduler, st
}

// fanoutWorkflow feeds three independent consumers from one producer.
func fanoutWorkflow(t *testing.T, id string) *models.Workflow {
	t.Helper()
	wf := models.NewWorkflow(id, newCron(t, "@daily"))
	start := date(2016, time.January, 1, 0, 0)
	wf.StartDate = &start
	require.NoError(t, wf.AddTasks(
		&models.Task{ID: "extract"},
		&models.Task{ID: "load_a"},
		&models.Task{ID: "load_b"},
		&models.Task{ID: "load_c"},
	))
	for _, down := range []string{"load_a", "load_b", "load_c"} {
		require.NoError(t, wf.SetDependency("extract", down))
	}
	return wf
}

// clusterWorkflow wraps its work task in a setup/teardown pair.
func clusterWorkflow(t *testing.T, id string) *models.Workflow {
	t.Helper()
	wf := models.NewWorkflow(id, newCron(t, "@daily"))
	start := date(2016, time.January, 1, 0, 0)
	wf.StartDate = &start
	require.NoError(t, wf.AddTasks(
		&models.Task{ID: "create_cluster"},
		&models.Task{ID: "process"},
		&models.Task{ID: "delete_cluster"},
	))
	require.NoError(t, wf.Chain("create_cluster", "process", "delete_cluster"))
	require.NoError(t, wf.MarkTeardown("delete_cluster", "create_cluster"))
	return wf
}

// groupedWorkflow nests two chained tasks in a group feeding a publisher.
func groupedWorkflow(t *testing.T, id string) *models.Workflow {
	t.Helper()
	wf := models.NewWorkflow(id, newCron(t, "@daily"))
	start := date(2016, time.January, 1, 0, 0)
	wf.StartDate = &start
	require.NoError(t, wf.AddGroup(&models.TaskGroup{ID: "transform"}))
	require.NoError(t, wf.AddTasks(
		&models.Task{ID: "normalize", GroupID: "transform"},
		&models.Task{ID: "aggregate", GroupID: "transform"},
		&models.Task{ID: "publish"},
	))
	require.NoError(t, wf.SetDependency("normalize", "aggregate"))
	require.NoError(t, wf.SetDependencyFromGroup("transform", "publish"))
	return wf
}

func createManualRun(t *testing.T, runs *service.RunService, workflowID string, logical time.Time) string {
	t.Helper()
	run, err := runs.CreateRun(service.RunRequest{
		WorkflowID:  workflowID,
		RunType:     models.ManualRunType,
		LogicalDate: &logical,
	})
	require.NoError(t, err)
	return run.RunID
}

func stageStates(t *testing.T, st storage.Store, workflowID, runID string, states map[string]models.TaskInstanceState) {
	t.Helper()
	instances, err := st.ListTaskInstances(workflowID, runID, storage.TaskInstanceFilter{})
	require.NoError(t, err)
	var upserts []models.TaskInstance
	for i := range instances {
		if state, ok := states[instances[i].TaskID]; ok {
			instances[i].State = state
			upserts = append(upserts, instances[i])
		}
	}
	require.NoError(t, st.SaveTaskInstances(upserts))
}

func taskStates(t *testing.T, st storage.Store, workflowID, runID string) map[string]models.TaskInstanceState {
	t.Helper()
	instances, err := st.ListTaskInstances(workflowID, runID, storage.TaskInstanceFilter{})
	require.NoError(t, err)
	out := make(map[string]models.TaskInstanceState, len(instances))
	for _, ti := range instances {
		out[ti.TaskID] = ti.State
	}
	return out
}

func runState(t *testing.T, st storage.Store, workflowID, runID string) models.RunState {
	t.Helper()
	run, err := st.GetRun(workflowID, runID)
	require.NoError(t, err)
	return run.State
}

func TestSetTaskInstanceState(t *testing.T) {
	logical := date(2016, time.January, 5, 0, 0)

	t.Run("SuccessResetsFailedDownstream", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(fanoutWorkflow(t, "pipeline")))
		runID := createManualRun(t, runs, "pipeline", logical)
		stageStates(t, st, "pipeline", runID, map[string]models.TaskInstanceState{
			"extract": models.FailedState,
			"load_a":  models.FailedState,
			"load_b":  models.SuccessState,
			"load_c":  models.UpstreamFailedState,
		})
		require.NoError(t, st.UpdateRunState("pipeline", runID, models.FailedRunState))

		altered, err := state.SetTaskInstanceState("pipeline", runID, "extract", nil, models.SuccessState, false)
		require.NoError(t, err)
		require.Len(t, altered, 1)
		assert.Equal(t, "extract", altered[0].TaskID)
		assert.Equal(t, models.UnmappedIndex, altered[0].MapIndex)

		assert.Equal(t, map[string]models.TaskInstanceState{
			"extract": models.SuccessState,
			"load_a":  models.NoState,
			"load_b":  models.SuccessState,
			"load_c":  models.NoState,
		}, taskStates(t, st, "pipeline", runID))
		assert.Equal(t, models.QueuedRunState, runState(t, st, "pipeline", runID))

		events := auditEvents(t, st, "pipeline", models.TaskStateSetEvent)
		require.Len(t, events, 1)
		assert.Equal(t, "extract", events[0].TaskID)
		assert.Equal(t, "state=success altered=1", events[0].Detail)
	})

	t.Run("AlteredReportsOnlyRealChanges", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(fanoutWorkflow(t, "pipeline")))
		runID := createManualRun(t, runs, "pipeline", logical)
		stageStates(t, st, "pipeline", runID, map[string]models.TaskInstanceState{
			"extract": models.SuccessState,
			"load_a":  models.FailedState,
			"load_b":  models.SuccessState,
			"load_c":  models.SuccessState,
		})

		// The target already holds the requested state, yet the cascade
		// still rescues the failed downstream.
		altered, err := state.SetTaskInstanceState("pipeline", runID, "extract", nil, models.SuccessState, false)
		require.NoError(t, err)
		assert.Empty(t, altered)
		assert.Equal(t, models.NoState, taskStates(t, st, "pipeline", runID)["load_a"])
	})

	t.Run("NoWriteWhenNothingChanges", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(fanoutWorkflow(t, "pipeline")))
		runID := createManualRun(t, runs, "pipeline", logical)
		stageStates(t, st, "pipeline", runID, map[string]models.TaskInstanceState{
			"extract": models.SuccessState,
			"load_a":  models.SuccessState,
			"load_b":  models.SuccessState,
			"load_c":  models.SuccessState,
		})
		require.NoError(t, st.UpdateRunState("pipeline", runID, models.SuccessRunState))

		altered, err := state.SetTaskInstanceState("pipeline", runID, "extract", nil, models.SuccessState, false)
		require.NoError(t, err)
		assert.Empty(t, altered)
		assert.Empty(t, auditEvents(t, st, "pipeline", models.TaskStateSetEvent))
		assert.Equal(t, models.SuccessRunState, runState(t, st, "pipeline", runID))
	})

	t.Run("Validation", func(t *testing.T) {
		state, runs, scheduler, _ := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(fanoutWorkflow(t, "pipeline")))
		runID := createManualRun(t, runs, "pipeline", logical)

		_, err := state.SetTaskInstanceState("pipeline", runID, "extract", nil, models.NoState, false)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot set the unset state directly")

		_, err = state.SetTaskInstanceState("pipeline", runID, "missing", nil, models.SuccessState, false)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `task "missing" not found in workflow "pipeline"`)

		_, err = state.SetTaskInstanceState("pipeline", "ghost-run", "extract", nil, models.SuccessState, false)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("MapIndexes", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(dailyWorkflow(t, "etl_daily", date(2016, time.January, 1, 0, 0))))
		runID := createManualRun(t, runs, "etl_daily", logical)
		_, err := runs.ExpandTaskInstances("etl_daily", runID, "transform", 3)
		require.NoError(t, err)

		_, err = state.SetTaskInstanceState("etl_daily", runID, "transform", []int{5}, models.SuccessState, false)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `map index 5 not found`)

		altered, err := state.SetTaskInstanceState("etl_daily", runID, "transform", []int{1}, models.SuccessState, false)
		require.NoError(t, err)
		require.Len(t, altered, 1)
		assert.Equal(t, 1, altered[0].MapIndex)

		instances, err := st.ListTaskInstances("etl_daily", runID, storage.TaskInstanceFilter{TaskIDs: []string{"transform"}})
		require.NoError(t, err)
		states := indexStates(instances)
		assert.Equal(t, models.NoState, states[0])
		assert.Equal(t, models.SuccessState, states[1])
		assert.Equal(t, models.NoState, states[2])
	})

	t.Run("NilIndexesSkipRemoved", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(dailyWorkflow(t, "etl_daily", date(2016, time.January, 1, 0, 0))))
		runID := createManualRun(t, runs, "etl_daily", logical)
		_, err := runs.ExpandTaskInstances("etl_daily", runID, "transform", 2)
		require.NoError(t, err)

		altered, err := state.SetTaskInstanceState("etl_daily", runID, "transform", nil, models.SuccessState, false)
		require.NoError(t, err)
		assert.Len(t, altered, 2)

		instances, err := st.ListTaskInstances("etl_daily", runID, storage.TaskInstanceFilter{TaskIDs: []string{"transform"}})
		require.NoError(t, err)
		states := indexStates(instances)
		assert.Equal(t, models.RemovedState, states[models.UnmappedIndex], "the retired placeholder stays removed")
		assert.Equal(t, models.SuccessState, states[0])
		assert.Equal(t, models.SuccessState, states[1])
	})

	t.Run("FuturePropagation", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(dailyWorkflow(t, "etl_daily", date(2016, time.January, 1, 0, 0))))

		var runIDs []string
		for _, day := range []int{3, 5, 7} {
			l := date(2016, time.January, day, 0, 0)
			run, err := runs.CreateRun(service.RunRequest{WorkflowID: "etl_daily", RunType: models.BackfillRunType, LogicalDate: &l})
			require.NoError(t, err)
			runIDs = append(runIDs, run.RunID)
			stageStates(t, st, "etl_daily", run.RunID, map[string]models.TaskInstanceState{"transform": models.FailedState})
		}

		altered, err := state.SetTaskInstanceState("etl_daily", runIDs[1], "transform", nil, models.SuccessState, true)
		require.NoError(t, err)
		require.Len(t, altered, 2)
		assert.Equal(t, runIDs[1], altered[0].RunID)
		assert.Equal(t, runIDs[2], altered[1].RunID)

		assert.Equal(t, models.FailedState, taskStates(t, st, "etl_daily", runIDs[0])["transform"], "earlier runs stay untouched")
		assert.Equal(t, models.SuccessState, taskStates(t, st, "etl_daily", runIDs[1])["transform"])
		assert.Equal(t, models.SuccessState, taskStates(t, st, "etl_daily", runIDs[2])["transform"])
	})

	t.Run("FutureSweepsLaterManualRuns", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(dailyWorkflow(t, "etl_daily", date(2016, time.January, 1, 0, 0))))

		l := date(2016, time.January, 5, 0, 0)
		scheduled, err := runs.CreateRun(service.RunRequest{WorkflowID: "etl_daily", RunType: models.BackfillRunType, LogicalDate: &l})
		require.NoError(t, err)
		manual := createManualRun(t, runs, "etl_daily", date(2016, time.January, 6, 0, 0))
		stageStates(t, st, "etl_daily", manual, map[string]models.TaskInstanceState{"transform": models.FailedState})

		// The sweep goes by logical date, not run type: a manual rerun of
		// a later date processed the corrected data too.
		altered, err := state.SetTaskInstanceState("etl_daily", scheduled.RunID, "transform", nil, models.SuccessState, true)
		require.NoError(t, err)
		require.Len(t, altered, 2)
		assert.Equal(t, models.SuccessState, taskStates(t, st, "etl_daily", manual)["transform"])
	})

	t.Run("FutureSkipsIndexesMissingInLaterRuns", func(t *testing.T) {
		state, runs, scheduler, _ := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(dailyWorkflow(t, "etl_daily", date(2016, time.January, 1, 0, 0))))

		var runIDs []string
		for _, day := range []int{5, 7} {
			l := date(2016, time.January, day, 0, 0)
			run, err := runs.CreateRun(service.RunRequest{WorkflowID: "etl_daily", RunType: models.BackfillRunType, LogicalDate: &l})
			require.NoError(t, err)
			runIDs = append(runIDs, run.RunID)
		}
		_, err := runs.ExpandTaskInstances("etl_daily", runIDs[0], "transform", 2)
		require.NoError(t, err)

		// The later run was never expanded; the named run is still strict.
		altered, err := state.SetTaskInstanceState("etl_daily", runIDs[0], "transform", []int{1}, models.SuccessState, true)
		require.NoError(t, err)
		require.Len(t, altered, 1)
		assert.Equal(t, runIDs[0], altered[0].RunID)
	})

	t.Run("FutureNeedsLogicalDate", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(dailyWorkflow(t, "etl_daily", date(2016, time.January, 1, 0, 0))))

		undated, err := runs.CreateRun(service.RunRequest{WorkflowID: "etl_daily", RunType: models.ManualRunType})
		require.NoError(t, err)
		dated := createManualRun(t, runs, "etl_daily", date(2016, time.January, 5, 0, 0))
		stageStates(t, st, "etl_daily", dated, map[string]models.TaskInstanceState{"extract": models.FailedState})

		altered, err := state.SetTaskInstanceState("etl_daily", undated.RunID, "extract", nil, models.SuccessState, true)
		require.NoError(t, err)
		require.Len(t, altered, 1)
		assert.Equal(t, undated.RunID, altered[0].RunID)
		assert.Equal(t, models.FailedState, taskStates(t, st, "etl_daily", dated)["extract"])
	})
}

func TestSetTaskGroupState(t *testing.T) {
	logical := date(2016, time.January, 5, 0, 0)

	t.Run("SetsMembersAndCascadesOutside", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(groupedWorkflow(t, "grouped")))
		runID := createManualRun(t, runs, "grouped", logical)
		stageStates(t, st, "grouped", runID, map[string]models.TaskInstanceState{
			"normalize": models.FailedState,
			"aggregate": models.UpstreamFailedState,
			"publish":   models.UpstreamFailedState,
		})

		altered, err := state.SetTaskGroupState("grouped", runID, "transform", models.SuccessState, false)
		require.NoError(t, err)
		require.Len(t, altered, 2)
		assert.Equal(t, "aggregate", altered[0].TaskID)
		assert.Equal(t, "normalize", altered[1].TaskID)

		// Members are set, not cascade-reset by each other; only the task
		// outside the group goes back to unset.
		assert.Equal(t, map[string]models.TaskInstanceState{
			"normalize": models.SuccessState,
			"aggregate": models.SuccessState,
			"publish":   models.NoState,
		}, taskStates(t, st, "grouped", runID))

		events := auditEvents(t, st, "grouped", models.TaskStateSetEvent)
		require.Len(t, events, 1)
		assert.Equal(t, "", events[0].TaskID)
		assert.Equal(t, "state=success altered=2", events[0].Detail)
	})

	t.Run("UnknownGroup", func(t *testing.T) {
		state, runs, scheduler, _ := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(groupedWorkflow(t, "grouped")))
		runID := createManualRun(t, runs, "grouped", logical)

		_, err := state.SetTaskGroupState("grouped", runID, "missing", models.SuccessState, false)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `group "missing" not found in workflow "grouped"`)
	})
}

func TestClearTaskInstances(t *testing.T) {
	logical := date(2016, time.January, 5, 0, 0)

	t.Run("DownstreamPullsSetupAndTeardown", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(clusterWorkflow(t, "cluster")))
		runID := createManualRun(t, runs, "cluster", logical)
		stageStates(t, st, "cluster", runID, map[string]models.TaskInstanceState{
			"create_cluster": models.SuccessState,
			"process":        models.FailedState,
			"delete_cluster": models.SuccessState,
		})
		require.NoError(t, st.UpdateRunState("cluster", runID, models.FailedRunState))

		altered, err := state.ClearTaskInstances("cluster", runID, []service.ClearTarget{{TaskID: "process"}}, false, true, models.QueuedRunState)
		require.NoError(t, err)
		require.Len(t, altered, 3)
		assert.Equal(t, "create_cluster", altered[0].TaskID)
		assert.Equal(t, "delete_cluster", altered[1].TaskID)
		assert.Equal(t, "process", altered[2].TaskID)

		assert.Equal(t, map[string]models.TaskInstanceState{
			"create_cluster": models.NoState,
			"process":        models.NoState,
			"delete_cluster": models.NoState,
		}, taskStates(t, st, "cluster", runID))
		assert.Equal(t, models.QueuedRunState, runState(t, st, "cluster", runID))

		events := auditEvents(t, st, "cluster", models.TaskClearedEvent)
		require.Len(t, events, 1)
		assert.Equal(t, "cleared=3 tasks=3", events[0].Detail)
	})

	t.Run("TeardownAloneClearsOnlyItself", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(clusterWorkflow(t, "cluster")))
		runID := createManualRun(t, runs, "cluster", logical)
		stageStates(t, st, "cluster", runID, map[string]models.TaskInstanceState{
			"create_cluster": models.SuccessState,
			"process":        models.SuccessState,
			"delete_cluster": models.FailedState,
		})

		altered, err := state.ClearTaskInstances("cluster", runID, []service.ClearTarget{{TaskID: "delete_cluster"}}, false, false, models.RunningRunState)
		require.NoError(t, err)
		require.Len(t, altered, 1)
		assert.Equal(t, "delete_cluster", altered[0].TaskID)
		assert.Equal(t, models.SuccessState, taskStates(t, st, "cluster", runID)["process"])
		assert.Equal(t, models.RunningRunState, runState(t, st, "cluster", runID))
	})

	t.Run("SetupPullsItsTeardown", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(clusterWorkflow(t, "cluster")))
		runID := createManualRun(t, runs, "cluster", logical)
		stageStates(t, st, "cluster", runID, map[string]models.TaskInstanceState{
			"create_cluster": models.SuccessState,
			"process":        models.SuccessState,
			"delete_cluster": models.SuccessState,
		})

		altered, err := state.ClearTaskInstances("cluster", runID, []service.ClearTarget{{TaskID: "create_cluster"}}, false, false, models.QueuedRunState)
		require.NoError(t, err)
		require.Len(t, altered, 2)
		assert.Equal(t, "create_cluster", altered[0].TaskID)
		assert.Equal(t, "delete_cluster", altered[1].TaskID)
		assert.Equal(t, models.SuccessState, taskStates(t, st, "cluster", runID)["process"])
	})

	t.Run("GroupTargetExpandsToMembers", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(groupedWorkflow(t, "grouped")))
		runID := createManualRun(t, runs, "grouped", logical)
		stageStates(t, st, "grouped", runID, map[string]models.TaskInstanceState{
			"normalize": models.SuccessState,
			"aggregate": models.SuccessState,
			"publish":   models.SuccessState,
		})

		altered, err := state.ClearTaskInstances("grouped", runID, []service.ClearTarget{{TaskID: "transform"}}, false, false, models.QueuedRunState)
		require.NoError(t, err)
		require.Len(t, altered, 2)
		assert.Equal(t, models.SuccessState, taskStates(t, st, "grouped", runID)["publish"])
	})

	t.Run("MapIndexRestricted", func(t *testing.T) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(dailyWorkflow(t, "etl_daily", date(2016, time.January, 1, 0, 0))))
		runID := createManualRun(t, runs, "etl_daily", logical)
		_, err := runs.ExpandTaskInstances("etl_daily", runID, "transform", 3)
		require.NoError(t, err)
		_, err = state.SetTaskInstanceState("etl_daily", runID, "transform", nil, models.SuccessState, false)
		require.NoError(t, err)

		altered, err := state.ClearTaskInstances("etl_daily", runID, []service.ClearTarget{{TaskID: "transform", MapIndexes: []int{1}}}, false, false, models.QueuedRunState)
		require.NoError(t, err)
		require.Len(t, altered, 1)
		assert.Equal(t, 1, altered[0].MapIndex)

		instances, err := st.ListTaskInstances("etl_daily", runID, storage.TaskInstanceFilter{TaskIDs: []string{"transform"}})
		require.NoError(t, err)
		states := indexStates(instances)
		assert.Equal(t, models.SuccessState, states[0])
		assert.Equal(t, models.NoState, states[1])
		assert.Equal(t, models.SuccessState, states[2])
	})

	t.Run("Validation", func(t *testing.T) {
		state, runs, scheduler, _ := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(groupedWorkflow(t, "grouped")))
		runID := createManualRun(t, runs, "grouped", logical)

		_, err := state.ClearTaskInstances("grouped", runID, []service.ClearTarget{{TaskID: "normalize"}}, false, false, models.SuccessRunState)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `a cleared run can only be set to "queued" or "running", not "success"`)

		_, err = state.ClearTaskInstances("grouped", runID, nil, false, false, models.QueuedRunState)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no clear targets given")

		_, err = state.ClearTaskInstances("grouped", runID, []service.ClearTarget{{TaskID: "transform", MapIndexes: []int{0}}}, false, false, models.QueuedRunState)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `map indexes can only restrict tasks, "transform" is not a task of workflow "grouped"`)

		_, err = state.ClearTaskInstances("grouped", runID, []service.ClearTarget{{TaskID: "normalize", MapIndexes: []int{7}}}, false, false, models.QueuedRunState)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "map index 7 not found")
	})
}

func TestRunStateDerivation(t *testing.T) {
	logical := date(2016, time.January, 5, 0, 0)

	newRun := func(t *testing.T) (*service.StateService, storage.Store, string) {
		state, runs, scheduler, st := newStateHarness(t)
		require.NoError(t, scheduler.RegisterWorkflow(dailyWorkflow(t, "etl_daily", date(2016, time.January, 1, 0, 0))))
		return state, st, createManualRun(t, runs, "etl_daily", logical)
	}

	t.Run("RefreshRunState", func(t *testing.T) {
		cases := []struct {
			name   string
			states map[string]models.TaskInstanceState
			want   models.RunState
		}{
			{
				name: "AllSuccess",
				states: map[string]models.TaskInstanceState{
					"extract": models.SuccessState, "transform": models.SuccessState, "load": models.SuccessState,
				},
				want: models.SuccessRunState,
			},
			{
				name: "SkippedCountsAsDone",
				states: map[string]models.TaskInstanceState{
					"extract": models.SuccessState, "transform": models.SkippedState, "load": models.RemovedState,
				},
				want: models.SuccessRunState,
			},
			{
				name: "FailureSettlesWhenNothingPending",
				states: map[string]models.TaskInstanceState{
					"extract": models.SuccessState, "transform": models.FailedState, "load": models.UpstreamFailedState,
				},
				want: models.FailedRunState,
			},
			{
				name: "PendingDominatesFailure",
				states: map[string]models.TaskInstanceState{
					"extract": models.SuccessState, "transform": models.FailedState, "load": models.NoState,
				},
				want: models.QueuedRunState,
			},
			{
				name: "RunningBeatsFailure",
				states: map[string]models.TaskInstanceState{
					"extract": models.RunningState, "transform": models.FailedState, "load": models.SuccessState,
				},
				want: models.RunningRunState,
			},
			{
				name: "RestartingCountsAsRunning",
				states: map[string]models.TaskInstanceState{
					"extract": models.RestartingState, "transform": models.SuccessState, "load": models.SuccessState,
				},
				want: models.RunningRunState,
			},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				state, st, runID := newRun(t)
				stageStates(t, st, "etl_daily", runID, tc.states)
				got, err := state.RefreshRunState("etl_daily", runID)
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
				assert.Equal(t, tc.want, runState(t, st, "etl_daily", runID))
			})
		}
	})

	t.Run("SetRunState", func(t *testing.T) {
		state, st, runID := newRun(t)
		require.NoError(t, state.SetRunState("etl_daily", runID, models.FailedRunState))
		assert.Equal(t, models.FailedRunState, runState(t, st, "etl_daily", runID))

		events := auditEvents(t, st, "etl_daily", models.RunStateSetEvent)
		require.Len(t, events, 1)
		assert.Equal(t, "failed", events[0].Detail)

		err := state.SetRunState("etl_daily", runID, "paused")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), `unknown run state "paused"`)

		err = state.SetRunState("etl_daily", "ghost-run", models.FailedRunState)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
