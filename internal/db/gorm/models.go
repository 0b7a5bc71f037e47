// Package gorm provides GORM-based database operations for storygroup.
package gorm

import (
	"time"

	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// GORM Models
//
// Vector columns use pgvector's Vector type. On PostgreSQL the column is a
// real vector(n); on SQLite the same text encoding ("[0.1,0.2,...]") lands
// in a TEXT column, which the Vector scanner also round-trips.

// StoryEmbedding is one externally produced embedding row, keyed by the
// story's opaque external identifier.
type StoryEmbedding struct {
	StoryID        string       `gorm:"primaryKey;type:text"`
	Embedding      pgvec.Vector `gorm:"type:vector"`
	ContentHash    string       `gorm:"type:text"`
	CreatedAt      string       `gorm:"not null"`
	CreatedAtEpoch int64        `gorm:"index:idx_embeddings_created,sort:desc;not null"`
}

func (StoryEmbedding) TableName() string { return "story_embeddings" }

// BeforeCreate hook to ensure timestamps are set.
func (e *StoryEmbedding) BeforeCreate(tx *gorm.DB) error {
	if e.CreatedAtEpoch == 0 {
		e.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}

// StoryGroup is a persisted cluster of near-duplicate stories.
type StoryGroup struct {
	ID             string       `gorm:"primaryKey;type:text"`
	Centroid       pgvec.Vector `gorm:"type:vector"`
	Status         string       `gorm:"type:text;default:'active';check:status IN ('active', 'archived');index:idx_groups_status"`
	CreatedAt      string       `gorm:"not null"`
	UpdatedAt      string       `gorm:"not null"`
	MemberCount    int          `gorm:"default:0;not null"`
	CreatedAtEpoch int64        `gorm:"index:idx_groups_created,sort:desc;not null"`
	UpdatedAtEpoch int64        `gorm:"not null"`
}

func (StoryGroup) TableName() string { return "story_groups" }

// BeforeCreate hook to ensure identity and timestamps are set.
func (g *StoryGroup) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.CreatedAtEpoch == 0 {
		g.CreatedAtEpoch = now.UnixMilli()
	}
	if g.CreatedAt == "" {
		g.CreatedAt = now.Format(time.RFC3339)
	}
	if g.UpdatedAtEpoch == 0 {
		g.UpdatedAtEpoch = g.CreatedAtEpoch
	}
	if g.UpdatedAt == "" {
		g.UpdatedAt = g.CreatedAt
	}
	if g.Status == "" {
		g.Status = "active"
	}
	return nil
}

// StoryGroupMember is a membership edge. Single active membership per story
// is enforced by the consolidation pass, not by schema; the unique index
// only prevents the same story appearing twice in one group.
type StoryGroupMember struct {
	GroupID         string  `gorm:"type:text;index:idx_members_group;uniqueIndex:idx_members_group_story,priority:1;not null"`
	StoryID         string  `gorm:"type:text;index:idx_members_story;uniqueIndex:idx_members_group_story,priority:2;not null"`
	ContentHash     string  `gorm:"type:text"`
	AddedAt         string  `gorm:"not null"`
	ID              int64   `gorm:"primaryKey;autoIncrement"`
	SimilarityScore float64 `gorm:"type:real;not null"`
	AddedAtEpoch    int64   `gorm:"not null"`
}

func (StoryGroupMember) TableName() string { return "story_group_members" }

// BeforeCreate hook to ensure timestamps are set.
func (m *StoryGroupMember) BeforeCreate(tx *gorm.DB) error {
	if m.AddedAtEpoch == 0 {
		m.AddedAtEpoch = time.Now().UnixMilli()
	}
	if m.AddedAt == "" {
		m.AddedAt = time.Now().Format(time.RFC3339)
	}
	return nil
}
