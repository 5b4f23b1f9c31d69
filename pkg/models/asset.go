package models

import "time"

// Asset is an addressable data artifact that workflows produce and
// consume. Asset-triggered workflows run when their upstream assets have
// pending events.
type Asset struct {
	ID    int64  `json:"id" db:"id"`                // Unique identifier
	Name  string `json:"name" db:"name"`            // Display name
	URI   string `json:"uri" db:"uri"`              // Canonical address (e.g. "s3://bucket/key")
	Group string `json:"group,omitempty" db:"grp"`  // Optional grouping label
}

// AssetQueueEntry is a pending asset event waiting to trigger a consuming
// workflow. One row per (asset, consumer); re-emitting refreshes CreatedAt.
type AssetQueueEntry struct {
	AssetID          int64     `json:"asset_id" db:"asset_id"`                     // Queued asset
	TargetWorkflowID string    `json:"target_workflow_id" db:"target_workflow_id"` // Consuming workflow
	CreatedAt        time.Time `json:"created_at" db:"created_at"`                 // Event time
}

// AssetNextRunInfo summarizes how close an asset-triggered workflow is to
// its next run.
type AssetNextRunInfo struct {
	Ready int    `json:"ready"`         // Assets with a pending event
	Total int    `json:"total"`         // Assets the condition references
	URI   string `json:"uri,omitempty"` // Set only when a single asset gates the run
}
