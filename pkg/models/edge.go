package models

import "sort"

// Edge is one dependency between two tasks, in serializable form.
type Edge struct {
	UpstreamID   string `json:"upstream_id"`   // Prerequisite task
	DownstreamID string `json:"downstream_id"` // Task that depends on it
}

// Edges flattens the adjacency maps into a sorted edge list, for display
// and serialization.
func (w *Workflow) Edges() []Edge {
	var out []Edge
	for up, downs := range w.downstream {
		for down := range downs {
			out = append(out, Edge{UpstreamID: up, DownstreamID: down})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpstreamID != out[j].UpstreamID {
			return out[i].UpstreamID < out[j].UpstreamID
		}
		return out[i].DownstreamID < out[j].DownstreamID
	})
	return out
}
