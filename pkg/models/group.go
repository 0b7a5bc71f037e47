// Package models contains the shared domain types for storygroup.
package models

import "time"

// GroupStatus is the lifecycle state of a story group.
type GroupStatus string

const (
	// GroupStatusActive marks a group that participates in clustering and merging.
	GroupStatusActive GroupStatus = "active"
	// GroupStatusArchived marks a group retired by consolidation. Archived
	// groups keep their row but carry no members and are excluded from
	// candidate sets.
	GroupStatusArchived GroupStatus = "archived"
)

// Embedding is one content item's semantic fingerprint. ContentHash is an
// optional stable identifier for the underlying content, carried into
// memberships for de-duplication across groups.
type Embedding struct {
	StoryID        string
	ContentHash    string
	Vector         []float32
	CreatedAtEpoch int64
}

// CreatedAt returns the embedding's creation time.
func (e *Embedding) CreatedAt() time.Time {
	return time.UnixMilli(e.CreatedAtEpoch)
}

// Group is a cluster of semantically similar stories. Centroid is the
// arithmetic mean of all current member vectors.
type Group struct {
	ID             string
	Centroid       []float32
	MemberCount    int
	Status         GroupStatus
	CreatedAtEpoch int64
	UpdatedAtEpoch int64
}

// GroupUpdate is a partial update to a stored group. Nil fields are left
// unchanged.
type GroupUpdate struct {
	Centroid    []float32
	MemberCount *int
	Status      *GroupStatus
}

// IsActive reports whether the group participates in clustering.
func (g *Group) IsActive() bool {
	return g.Status == GroupStatusActive
}

// GroupMember is a membership edge between a story and a group.
// SimilarityScore is the cosine similarity of the story's vector to the
// group centroid at assignment time.
type GroupMember struct {
	GroupID         string
	StoryID         string
	ContentHash     string // optional stable content identifier, used for merge de-dup
	SimilarityScore float64
	AddedAtEpoch    int64
}

// DedupKey returns the identity used to de-duplicate memberships during
// consolidation: the stable content hash when present, else the story id.
func (m *GroupMember) DedupKey() string {
	if m.ContentHash != "" {
		return m.ContentHash
	}
	return m.StoryID
}

// StreamMode selects which embeddings an embedding source yields.
type StreamMode string

const (
	// StreamUngrouped yields only embeddings with no active membership.
	StreamUngrouped StreamMode = "ungrouped"
	// StreamAll yields every embedding in the window, ignoring memberships.
	// Used only for a full regroup after prior state has been cleared.
	StreamAll StreamMode = "all"
)

// EmbeddingQuery describes one pass over an embedding source.
type EmbeddingQuery struct {
	Mode         StreamMode
	LookbackDays int
	Limit        int // 0 = unbounded
	BatchSize    int // size of batches yielded to the caller
}
