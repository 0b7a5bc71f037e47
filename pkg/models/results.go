package models

import "time"

// RunResult summarizes one clustering run.
type RunResult struct {
	ItemsProcessed   int           `json:"items_processed"`
	ItemsSkipped     int           `json:"items_skipped"`
	GroupsCreated    int           `json:"groups_created"`
	GroupsUpdated    int           `json:"groups_updated"`
	MembershipsAdded int           `json:"memberships_added"`
	GroupsCleared    int64         `json:"groups_cleared,omitempty"`
	Errors           int           `json:"errors"`
	DryRun           bool          `json:"dry_run"`
	Elapsed          time.Duration `json:"elapsed_ns"`
}

// MergeResult summarizes one consolidation run.
type MergeResult struct {
	GroupsConsidered   int           `json:"groups_considered"`
	ComponentsFound    int           `json:"components_found"`
	GroupsArchived     int           `json:"groups_archived"`
	MembershipsMoved   int           `json:"memberships_moved"`
	MembershipsSkipped int           `json:"memberships_skipped"`
	Errors             int           `json:"errors"`
	DryRun             bool          `json:"dry_run"`
	Elapsed            time.Duration `json:"elapsed_ns"`
}

// GroupStats aggregates group sizes for operator visibility.
type GroupStats struct {
	TotalGroups    int     `json:"total_groups"`
	TotalStories   int     `json:"total_stories"`
	AvgGroupSize   float64 `json:"avg_group_size"`
	MinGroupSize   int     `json:"min_group_size"`
	MaxGroupSize   int     `json:"max_group_size"`
	SingletonCount int     `json:"singleton_count"`
}
