package models

// TaskGroup namespaces related tasks for collective addressing. Member
// task ids carry the group id as a dot-separated prefix (e.g. "etl.load").
type TaskGroup struct {
	ID       string `json:"id"`                  // Unique within the workflow
	ParentID string `json:"parent_id,omitempty"` // Enclosing group, empty at top level
}

// ChildTaskID builds the member id for a task inside the group.
func (g *TaskGroup) ChildTaskID(name string) string {
	return g.ID + "." + name
}
