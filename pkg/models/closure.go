package models

import (
	"sort"

	"github.com/pkg/errors"
)

// closureKey indexes memoized transitive closures by task and direction.
type closureKey struct {
	taskID   string
	upstream bool
}

// closureCache memoizes transitive closures within one closure computation.
// Subset computations revisit the same closures repeatedly, but the cache
// stays local to the call so the workflow itself is never written to and
// concurrent computations on one graph stay safe.
type closureCache map[closureKey]map[string]bool

// FlatRelativeIDs returns every transitive upstream or downstream of a
// task, excluding the task itself, sorted.
func (w *Workflow) FlatRelativeIDs(taskID string, upstream bool) ([]string, error) {
	if !w.HasTask(taskID) {
		return nil, errors.Errorf("task %q not found in workflow %q", taskID, w.ID)
	}
	return sortedKeys(w.flatRelativeSet(closureCache{}, taskID, upstream)), nil
}

func (w *Workflow) flatRelativeSet(cc closureCache, taskID string, upstream bool) map[string]bool {
	key := closureKey{taskID: taskID, upstream: upstream}
	if cached, ok := cc[key]; ok {
		return cached
	}
	adjacency := w.downstream
	if upstream {
		adjacency = w.upstream
	}
	seen := make(map[string]bool)
	queue := []string{taskID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range adjacency[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	delete(seen, taskID)
	cc[key] = seen
	return seen
}

// directTeardownIDs lists the direct downstream teardowns of a task, the
// structural definition of "the teardowns of this setup".
func (w *Workflow) directTeardownIDs(taskID string) []string {
	var out []string
	for down := range w.downstream[taskID] {
		if w.tasks[down].IsTeardown {
			out = append(out, down)
		}
	}
	return out
}

// UpstreamsFollowSetups returns the upstream closure of a task plus, for
// each setup in it, that setup's teardowns. Clearing a task re-runs its
// upstream setups, so their teardowns must rerun too.
func (w *Workflow) UpstreamsFollowSetups(taskID string) ([]string, error) {
	if !w.HasTask(taskID) {
		return nil, errors.Errorf("task %q not found in workflow %q", taskID, w.ID)
	}
	return sortedKeys(w.upstreamsFollowSetups(closureCache{}, taskID)), nil
}

func (w *Workflow) upstreamsFollowSetups(cc closureCache, taskID string) map[string]bool {
	result := make(map[string]bool)
	for rel := range w.flatRelativeSet(cc, taskID, true) {
		result[rel] = true
	}
	for _, rel := range sortedKeys(result) {
		if !w.tasks[rel].IsSetup {
			continue
		}
		for _, td := range w.directTeardownIDs(rel) {
			if td != taskID {
				result[td] = true
			}
		}
	}
	return result
}

// RelevantSetupsAndTeardowns returns the upstream setups whose effect the
// task runs under, each with its teardowns. A setup is relevant when it has
// no teardowns at all, or when one of its teardowns sits downstream of the
// task. Setups and teardowns themselves have no relevant setups; their
// coupling is handled structurally by the subset rules.
func (w *Workflow) RelevantSetupsAndTeardowns(taskID string) ([]string, error) {
	if !w.HasTask(taskID) {
		return nil, errors.Errorf("task %q not found in workflow %q", taskID, w.ID)
	}
	return sortedKeys(w.relevantSetupsAndTeardowns(closureCache{}, taskID)), nil
}

func (w *Workflow) relevantSetupsAndTeardowns(cc closureCache, taskID string) map[string]bool {
	result := make(map[string]bool)
	task := w.tasks[taskID]
	if task.IsSetup || task.IsTeardown {
		return result
	}
	downstreamTeardowns := make(map[string]bool)
	for rel := range w.flatRelativeSet(cc, taskID, false) {
		if w.tasks[rel].IsTeardown {
			downstreamTeardowns[rel] = true
		}
	}
	for rel := range w.flatRelativeSet(cc, taskID, true) {
		if !w.tasks[rel].IsSetup {
			continue
		}
		teardowns := w.directTeardownIDs(rel)
		relevant := len(teardowns) == 0
		for _, td := range teardowns {
			if downstreamTeardowns[td] {
				relevant = true
				break
			}
		}
		if !relevant {
			continue
		}
		result[rel] = true
		for _, td := range teardowns {
			if td != taskID {
				result[td] = true
			}
		}
	}
	return result
}

// PartialSubset builds the sub-workflow affected by re-running the given
// tasks. Root ids may name task groups, which expand to their members.
// The result keeps the original settings and the edges induced on the kept
// tasks.
func (w *Workflow) PartialSubset(rootIDs []string, includeUpstream, includeDownstream bool) (*Workflow, error) {
	matched, err := w.expandRootIDs(rootIDs)
	if err != nil {
		return nil, err
	}
	matchedSet := make(map[string]bool, len(matched))
	for _, id := range matched {
		matchedSet[id] = true
	}

	cc := closureCache{}
	include := make(map[string]bool)
	merge := func(set map[string]bool) {
		for id := range set {
			include[id] = true
		}
	}
	for _, id := range matched {
		include[id] = true
		task := w.tasks[id]
		if includeDownstream {
			for rel := range w.flatRelativeSet(cc, id, false) {
				include[rel] = true
				// a cleared relative reruns under its own setups, so pull
				// those in unless the relative is being handled as a root
				if !matchedSet[rel] && !w.tasks[rel].IsTeardown {
					merge(w.relevantSetupsAndTeardowns(cc, rel))
				}
			}
		}
		if includeUpstream {
			merge(w.upstreamsFollowSetups(cc, id))
		} else if !task.IsTeardown {
			merge(w.relevantSetupsAndTeardowns(cc, id))
		}
		if task.IsSetup && !includeDownstream {
			for _, td := range w.directTeardownIDs(id) {
				include[td] = true
			}
		}
	}
	return w.inducedSubset(include), nil
}

// PartialSubsetIDs is PartialSubset reduced to the kept task ids, sorted.
func (w *Workflow) PartialSubsetIDs(rootIDs []string, includeUpstream, includeDownstream bool) ([]string, error) {
	sub, err := w.PartialSubset(rootIDs, includeUpstream, includeDownstream)
	if err != nil {
		return nil, err
	}
	ids := sub.TaskIDs()
	return sortedCopy(ids), nil
}

// expandRootIDs maps each root id to tasks: a task id stays itself, a group
// id expands to the group's members. Unknown ids are an error.
func (w *Workflow) expandRootIDs(rootIDs []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range rootIDs {
		switch {
		case w.HasTask(id):
			add(id)
		case w.HasGroup(id):
			members, err := w.GroupTaskIDs(id)
			if err != nil {
				return nil, err
			}
			for _, m := range members {
				add(m)
			}
		default:
			return nil, errors.Errorf("task or group %q not found in workflow %q", id, w.ID)
		}
	}
	return out, nil
}

// inducedSubset copies the kept tasks and the edges between them into a new
// workflow with the same settings.
func (w *Workflow) inducedSubset(keep map[string]bool) *Workflow {
	sub := NewWorkflow(w.ID, w.Timetable)
	sub.Description = w.Description
	sub.StartDate = w.StartDate
	sub.EndDate = w.EndDate
	sub.Catchup = w.Catchup
	sub.MaxActiveRuns = w.MaxActiveRuns
	sub.FailFast = w.FailFast
	sub.Paused = w.Paused
	for id, g := range w.groups {
		gc := *g
		sub.groups[id] = &gc
	}
	for _, id := range w.taskOrder {
		if !keep[id] {
			continue
		}
		tc := *w.tasks[id]
		sub.tasks[id] = &tc
		sub.taskOrder = append(sub.taskOrder, id)
	}
	for _, id := range sub.taskOrder {
		for down := range w.downstream[id] {
			if !keep[down] {
				continue
			}
			if sub.downstream[id] == nil {
				sub.downstream[id] = make(map[string]bool)
			}
			sub.downstream[id][down] = true
			if sub.upstream[down] == nil {
				sub.upstream[down] = make(map[string]bool)
			}
			sub.upstream[down][id] = true
		}
	}
	return sub
}

func sortedCopy(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
