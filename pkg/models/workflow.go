package models

import (
	"sort"
	"time"

	"github.com/orbitsched/orbit/pkg/timetable"
	"github.com/pkg/errors"
)

// DefaultMaxActiveRuns caps concurrent runs when a workflow does not set it.
const DefaultMaxActiveRuns = 16

// Workflow is an in-memory task graph plus the scheduling policy attached
// to it. Tasks are held in an arena keyed by id with adjacency maps for
// both edge directions. The graph is mutated while being assembled and is
// read-only afterwards; scheduling and closure computations never modify it.
type Workflow struct {
	ID            string              // Unique identifier
	Description   string              // Human-readable summary
	Timetable     timetable.Timetable // Schedule definition
	StartDate     *time.Time          // Lower schedule bound
	EndDate       *time.Time          // Upper schedule bound
	Catchup       bool                // Replay missed intervals when true
	MaxActiveRuns int                 // Concurrent run cap
	FailFast      bool                // Stop the run on the first task failure
	Paused        bool                // Excluded from scheduling when true

	tasks      map[string]*Task
	taskOrder  []string
	upstream   map[string]map[string]bool
	downstream map[string]map[string]bool
	groups     map[string]*TaskGroup
}

// NewWorkflow builds an empty workflow. Catchup defaults to on, matching
// the classic interval-replay behavior.
func NewWorkflow(id string, tt timetable.Timetable) *Workflow {
	return &Workflow{
		ID:            id,
		Timetable:     tt,
		Catchup:       true,
		MaxActiveRuns: DefaultMaxActiveRuns,
		tasks:         make(map[string]*Task),
		upstream:      make(map[string]map[string]bool),
		downstream:    make(map[string]map[string]bool),
		groups:        make(map[string]*TaskGroup),
	}
}

// AddTask registers a task. An empty trigger rule is normalized to the
// default. Fail-fast workflows reject non-default rules on regular tasks
// because their propagation shortcuts assume all_success gating.
func (w *Workflow) AddTask(task *Task) error {
	if task == nil || task.ID == "" {
		return errors.New("task id must not be empty")
	}
	if _, ok := w.tasks[task.ID]; ok {
		return errors.Errorf("task %q already exists in workflow %q", task.ID, w.ID)
	}
	if task.TriggerRule == "" {
		task.TriggerRule = DefaultTriggerRule
	}
	if w.FailFast && task.TriggerRule != DefaultTriggerRule && !task.IsSetup && !task.IsTeardown {
		return errors.Errorf("task %q has trigger rule %q: fail-fast workflows require %q on regular tasks", task.ID, task.TriggerRule, DefaultTriggerRule)
	}
	task.WorkflowID = w.ID
	w.tasks[task.ID] = task
	w.taskOrder = append(w.taskOrder, task.ID)
	return nil
}

// AddTasks registers tasks in order, stopping at the first failure.
func (w *Workflow) AddTasks(tasks ...*Task) error {
	for _, t := range tasks {
		if err := w.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// SetDependency draws an edge from upstreamID to downstreamID. Duplicate
// edges are a no-op.
func (w *Workflow) SetDependency(upstreamID, downstreamID string) error {
	if _, ok := w.tasks[upstreamID]; !ok {
		return errors.Errorf("task %q not found in workflow %q", upstreamID, w.ID)
	}
	if _, ok := w.tasks[downstreamID]; !ok {
		return errors.Errorf("task %q not found in workflow %q", downstreamID, w.ID)
	}
	if upstreamID == downstreamID {
		return errors.Errorf("task %q cannot depend on itself", upstreamID)
	}
	if w.downstream[upstreamID] == nil {
		w.downstream[upstreamID] = make(map[string]bool)
	}
	w.downstream[upstreamID][downstreamID] = true
	if w.upstream[downstreamID] == nil {
		w.upstream[downstreamID] = make(map[string]bool)
	}
	w.upstream[downstreamID][upstreamID] = true
	return nil
}

// Chain links the given tasks in a linear sequence.
func (w *Workflow) Chain(taskIDs ...string) error {
	for i := 0; i+1 < len(taskIDs); i++ {
		if err := w.SetDependency(taskIDs[i], taskIDs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// MarkTeardown couples a teardown to the setups it releases by drawing a
// direct edge from each setup. A setup's teardowns are exactly its direct
// downstream teardown tasks, so the relation needs no extra bookkeeping.
func (w *Workflow) MarkTeardown(teardownID string, setupIDs ...string) error {
	td, ok := w.tasks[teardownID]
	if !ok {
		return errors.Errorf("task %q not found in workflow %q", teardownID, w.ID)
	}
	td.IsTeardown = true
	for _, sid := range setupIDs {
		s, ok := w.tasks[sid]
		if !ok {
			return errors.Errorf("task %q not found in workflow %q", sid, w.ID)
		}
		s.IsSetup = true
		if err := w.SetDependency(sid, teardownID); err != nil {
			return err
		}
	}
	return nil
}

// AddGroup registers a task group for id-based addressing. Member tasks
// reference the group through their GroupID field.
func (w *Workflow) AddGroup(group *TaskGroup) error {
	if group == nil || group.ID == "" {
		return errors.New("group id must not be empty")
	}
	if _, ok := w.groups[group.ID]; ok {
		return errors.Errorf("group %q already exists in workflow %q", group.ID, w.ID)
	}
	w.groups[group.ID] = group
	return nil
}

// GetTask looks a task up by id.
func (w *Workflow) GetTask(id string) (*Task, error) {
	t, ok := w.tasks[id]
	if !ok {
		return nil, errors.Errorf("task %q not found in workflow %q", id, w.ID)
	}
	return t, nil
}

// HasTask reports whether the task exists.
func (w *Workflow) HasTask(id string) bool {
	_, ok := w.tasks[id]
	return ok
}

// HasGroup reports whether the group exists.
func (w *Workflow) HasGroup(id string) bool {
	_, ok := w.groups[id]
	return ok
}

// Tasks returns every task in insertion order.
func (w *Workflow) Tasks() []*Task {
	out := make([]*Task, 0, len(w.taskOrder))
	for _, id := range w.taskOrder {
		out = append(out, w.tasks[id])
	}
	return out
}

// TaskIDs returns every task id in insertion order.
func (w *Workflow) TaskIDs() []string {
	out := make([]string, len(w.taskOrder))
	copy(out, w.taskOrder)
	return out
}

// UpstreamIDs returns the direct upstreams of a task, sorted.
func (w *Workflow) UpstreamIDs(taskID string) []string {
	return sortedKeys(w.upstream[taskID])
}

// DownstreamIDs returns the direct downstreams of a task, sorted.
func (w *Workflow) DownstreamIDs(taskID string) []string {
	return sortedKeys(w.downstream[taskID])
}

// Teardowns returns the ids of every teardown task, in insertion order.
func (w *Workflow) Teardowns() []string {
	var out []string
	for _, id := range w.taskOrder {
		if w.tasks[id].IsTeardown {
			out = append(out, id)
		}
	}
	return out
}

// TasksUpstreamOfTeardowns returns the direct upstreams of every teardown,
// excluding teardowns themselves, sorted.
func (w *Workflow) TasksUpstreamOfTeardowns() []string {
	set := make(map[string]bool)
	for _, id := range w.Teardowns() {
		for up := range w.upstream[id] {
			if !w.tasks[up].IsTeardown {
				set[up] = true
			}
		}
	}
	return sortedKeys(set)
}

// GroupTaskIDs returns the member tasks of a group, including tasks of
// nested groups, in insertion order.
func (w *Workflow) GroupTaskIDs(groupID string) ([]string, error) {
	if _, ok := w.groups[groupID]; !ok {
		return nil, errors.Errorf("group %q not found in workflow %q", groupID, w.ID)
	}
	member := map[string]bool{groupID: true}
	// groups are few; a fixpoint pass over the parent links is enough
	for changed := true; changed; {
		changed = false
		for id, g := range w.groups {
			if !member[id] && member[g.ParentID] {
				member[id] = true
				changed = true
			}
		}
	}
	var out []string
	for _, id := range w.taskOrder {
		if member[w.tasks[id].GroupID] {
			out = append(out, id)
		}
	}
	return out, nil
}

// GroupRootIDs returns the group members with no upstream inside the
// same group. These are the entry points used when wiring a task ahead
// of the group.
func (w *Workflow) GroupRootIDs(groupID string) ([]string, error) {
	members, err := w.GroupTaskIDs(groupID)
	if err != nil {
		return nil, err
	}
	inGroup := make(map[string]bool, len(members))
	for _, id := range members {
		inGroup[id] = true
	}
	var out []string
	for _, id := range members {
		root := true
		for up := range w.upstream[id] {
			if inGroup[up] {
				root = false
				break
			}
		}
		if root {
			out = append(out, id)
		}
	}
	return out, nil
}

// GroupLeafIDs returns the group members with no non-teardown dependent
// inside the same group, excluding teardowns themselves. These are the
// exit points used when wiring the group ahead of another task, so that a
// group's internal teardown never serializes with work scheduled after
// the group.
func (w *Workflow) GroupLeafIDs(groupID string) ([]string, error) {
	members, err := w.GroupTaskIDs(groupID)
	if err != nil {
		return nil, err
	}
	inGroup := make(map[string]bool, len(members))
	for _, id := range members {
		inGroup[id] = true
	}
	var out []string
	for _, id := range members {
		if w.tasks[id].IsTeardown {
			continue
		}
		leaf := true
		for down := range w.downstream[id] {
			if inGroup[down] && !w.tasks[down].IsTeardown {
				leaf = false
				break
			}
		}
		if leaf {
			out = append(out, id)
		}
	}
	return out, nil
}

// SetDependencyToGroup draws edges from the upstream task to each entry
// root of the group.
func (w *Workflow) SetDependencyToGroup(upstreamID, groupID string) error {
	roots, err := w.GroupRootIDs(groupID)
	if err != nil {
		return err
	}
	for _, id := range roots {
		if err := w.SetDependency(upstreamID, id); err != nil {
			return err
		}
	}
	return nil
}

// SetDependencyFromGroup draws edges from each exit leaf of the group to
// the downstream task.
func (w *Workflow) SetDependencyFromGroup(groupID, downstreamID string) error {
	leaves, err := w.GroupLeafIDs(groupID)
	if err != nil {
		return err
	}
	for _, id := range leaves {
		if err := w.SetDependency(id, downstreamID); err != nil {
			return err
		}
	}
	return nil
}

// TimeRestriction derives the scheduling bounds for the timetable. The
// earliest bound is the minimum of the workflow start date and every task
// start date. The latest bound is the workflow end date unless every task
// carries its own end date, in which case the maximum of all of them wins.
func (w *Workflow) TimeRestriction() timetable.TimeRestriction {
	var earliest *time.Time
	lower := func(t *time.Time) {
		if t == nil {
			return
		}
		if earliest == nil || t.Before(*earliest) {
			v := *t
			earliest = &v
		}
	}
	lower(w.StartDate)
	for _, id := range w.taskOrder {
		lower(w.tasks[id].StartDate)
	}

	var latest *time.Time
	if w.EndDate != nil {
		v := *w.EndDate
		latest = &v
	}
	if len(w.taskOrder) > 0 {
		var maxEnd *time.Time
		for _, id := range w.taskOrder {
			ed := w.tasks[id].EndDate
			if ed == nil {
				maxEnd = nil
				break
			}
			if maxEnd == nil || ed.After(*maxEnd) {
				v := *ed
				maxEnd = &v
			}
		}
		if maxEnd != nil && (latest == nil || maxEnd.After(*latest)) {
			latest = maxEnd
		}
	}
	return timetable.TimeRestriction{Earliest: earliest, Latest: latest, Catchup: w.Catchup}
}

// NextRunInfo computes the run after last under the workflow's own time
// restriction. It is pure; callers persist the outcome.
func (w *Workflow) NextRunInfo(last *timetable.DataInterval) (*timetable.RunInfo, error) {
	return w.Timetable.NextRun(last, w.TimeRestriction())
}

// Validate checks the graph is well formed: a timetable is set, edges form
// no cycle and setup/teardown gating holds.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return errors.New("workflow id must not be empty")
	}
	if w.Timetable == nil {
		return errors.Errorf("workflow %q has no timetable", w.ID)
	}
	if err := w.checkAcyclic(); err != nil {
		return err
	}
	return w.ValidateSetupTeardown()
}

// ValidateSetupTeardown requires every regular task directly downstream of
// a setup to gate on all_success, otherwise a failed setup could leak its
// resources into work that still runs.
func (w *Workflow) ValidateSetupTeardown() error {
	for _, id := range w.taskOrder {
		if !w.tasks[id].IsSetup {
			continue
		}
		for down := range w.downstream[id] {
			dt := w.tasks[down]
			if dt.IsSetup || dt.IsTeardown {
				continue
			}
			if dt.TriggerRule != AllSuccessTriggerRule {
				return errors.Errorf("task %q: setup tasks must be followed with trigger rule all_success", down)
			}
		}
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm over the adjacency maps.
func (w *Workflow) checkAcyclic() error {
	indegree := make(map[string]int, len(w.tasks))
	for _, id := range w.taskOrder {
		indegree[id] = len(w.upstream[id])
	}
	var queue []string
	for _, id := range w.taskOrder {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for down := range w.downstream[id] {
			indegree[down]--
			if indegree[down] == 0 {
				queue = append(queue, down)
			}
		}
	}
	if visited != len(w.tasks) {
		return errors.Errorf("workflow %q contains a dependency cycle", w.ID)
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
