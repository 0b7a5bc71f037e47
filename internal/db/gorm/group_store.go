// Package gorm provides GORM-based database operations for storygroup.
package gorm

import (
	"context"
	"fmt"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/storygroup/pkg/models"
)

// membersPageSize is the page size for membership scans.
const membersPageSize = 1000

// groupedIDsPageSize is the page size when loading the grouped story-id set
// for the fallback scan path.
const groupedIDsPageSize = 1000

// GroupStore is the system of record for groups and memberships. All group
// mutation in the system goes through this type. In dry-run mode every
// mutating method performs its read-only portion, logs the intended change,
// and returns the same result shape without touching persisted state.
type GroupStore struct {
	db     *gorm.DB
	dryRun bool
}

// NewGroupStore creates a group store. With dryRun set, mutations are
// previewed instead of applied.
func NewGroupStore(store *Store, dryRun bool) *GroupStore {
	return &GroupStore{db: store.DB, dryRun: dryRun}
}

// DryRun reports whether the store is in preview mode.
func (s *GroupStore) DryRun() bool {
	return s.dryRun
}

// CreateGroup persists a new group. The group's ID is generated here when
// the caller has not assigned one; the same id is written back to g.
func (s *GroupStore) CreateGroup(ctx context.Context, g *models.Group) error {
	rec := toRecordGroup(g)
	if err := rec.BeforeCreate(nil); err != nil {
		return err
	}
	g.ID = rec.ID
	g.CreatedAtEpoch = rec.CreatedAtEpoch
	g.UpdatedAtEpoch = rec.UpdatedAtEpoch

	if s.dryRun {
		log.Info().Str("group_id", rec.ID).Int("member_count", rec.MemberCount).
			Msg("[dry-run] would create group")
		return nil
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// UpdateGroup applies a partial update to a group. Nil fields in upd are
// left unchanged. UpdatedAt is always refreshed.
func (s *GroupStore) UpdateGroup(ctx context.Context, id string, upd models.GroupUpdate) error {
	now := time.Now()
	updates := map[string]any{
		"updated_at":       now.Format(time.RFC3339),
		"updated_at_epoch": now.UnixMilli(),
	}
	if upd.Centroid != nil {
		updates["centroid"] = pgvec.NewVector(upd.Centroid)
	}
	if upd.MemberCount != nil {
		updates["member_count"] = *upd.MemberCount
	}
	if upd.Status != nil {
		updates["status"] = string(*upd.Status)
	}

	if s.dryRun {
		log.Info().Str("group_id", id).Interface("fields", updateFieldNames(upd)).
			Msg("[dry-run] would update group")
		return nil
	}

	result := s.db.WithContext(ctx).
		Model(&StoryGroup{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update group %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("group %s not found", id)
	}
	return nil
}

// ArchiveGroup marks a group archived and forces its member count to zero.
func (s *GroupStore) ArchiveGroup(ctx context.Context, id string) error {
	archived := models.GroupStatusArchived
	zero := 0
	return s.UpdateGroup(ctx, id, models.GroupUpdate{MemberCount: &zero, Status: &archived})
}

// GetActiveGroups returns all active groups updated within the lookback
// window, centroids parsed, via a paginated full scan. lookbackDays <= 0
// disables the window.
func (s *GroupStore) GetActiveGroups(ctx context.Context, lookbackDays int) ([]*models.Group, error) {
	return s.scanGroups(ctx, func(q *gorm.DB) *gorm.DB {
		q = q.Where("status = ?", string(models.GroupStatusActive))
		if lookbackDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -lookbackDays).UnixMilli()
			q = q.Where("updated_at_epoch >= ?", cutoff)
		}
		return q
	})
}

// GetAllGroups returns every group regardless of status.
func (s *GroupStore) GetAllGroups(ctx context.Context) ([]*models.Group, error) {
	return s.scanGroups(ctx, func(q *gorm.DB) *gorm.DB { return q })
}

// scanGroups pages through story_groups with a keyset cursor on id.
func (s *GroupStore) scanGroups(ctx context.Context, filter func(*gorm.DB) *gorm.DB) ([]*models.Group, error) {
	var out []*models.Group
	lastID := ""
	for {
		var page []StoryGroup
		err := withReadRetry(ctx, "scan_groups", func() error {
			q := s.db.WithContext(ctx).Where("id > ?", lastID).Order("id ASC").Limit(membersPageSize)
			return filter(q).Find(&page).Error
		})
		if err != nil {
			return nil, fmt.Errorf("scan groups: %w", err)
		}
		if len(page) == 0 {
			break
		}
		lastID = page[len(page)-1].ID
		for i := range page {
			out = append(out, toModelGroup(&page[i]))
		}
		if len(page) < membersPageSize {
			break
		}
	}
	return out, nil
}

// AddMembersBatch bulk-inserts memberships and returns the count inserted.
// It does not enforce single-active-membership; that is the caller's job.
func (s *GroupStore) AddMembersBatch(ctx context.Context, members []*models.GroupMember) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}

	records := make([]StoryGroupMember, len(members))
	for i, m := range members {
		records[i] = StoryGroupMember{
			GroupID:         m.GroupID,
			StoryID:         m.StoryID,
			ContentHash:     m.ContentHash,
			SimilarityScore: m.SimilarityScore,
			AddedAtEpoch:    m.AddedAtEpoch,
		}
	}

	if s.dryRun {
		log.Info().Int("count", len(records)).Msg("[dry-run] would insert memberships")
		return len(records), nil
	}

	if err := s.db.WithContext(ctx).CreateInBatches(records, 500).Error; err != nil {
		return 0, fmt.Errorf("insert memberships: %w", err)
	}
	return len(records), nil
}

// GetGroupMembers returns all memberships of one group, paginated.
func (s *GroupStore) GetGroupMembers(ctx context.Context, groupID string) ([]*models.GroupMember, error) {
	var out []*models.GroupMember
	var lastID int64
	for {
		var page []StoryGroupMember
		err := withReadRetry(ctx, "group_members", func() error {
			return s.db.WithContext(ctx).
				Where("group_id = ? AND id > ?", groupID, lastID).
				Order("id ASC").
				Limit(membersPageSize).
				Find(&page).Error
		})
		if err != nil {
			return nil, fmt.Errorf("get members of %s: %w", groupID, err)
		}
		if len(page) == 0 {
			break
		}
		lastID = page[len(page)-1].ID
		for i := range page {
			out = append(out, toModelMember(&page[i]))
		}
		if len(page) < membersPageSize {
			break
		}
	}
	return out, nil
}

// GetGroupedStoryIDs loads the set of story ids that hold a membership in an
// active group, paginated and capped at maxBatches pages. The second return
// reports whether the cap was hit (the set is then incomplete).
func (s *GroupStore) GetGroupedStoryIDs(ctx context.Context, maxBatches int) (map[string]struct{}, bool, error) {
	if maxBatches <= 0 {
		maxBatches = 1
	}
	ids := make(map[string]struct{})
	var lastID int64
	for batch := 0; batch < maxBatches; batch++ {
		var page []StoryGroupMember
		err := withReadRetry(ctx, "grouped_story_ids", func() error {
			return s.db.WithContext(ctx).
				Select("story_group_members.id, story_group_members.story_id").
				Joins("JOIN story_groups ON story_groups.id = story_group_members.group_id").
				Where("story_groups.status = ? AND story_group_members.id > ?",
					string(models.GroupStatusActive), lastID).
				Order("story_group_members.id ASC").
				Limit(groupedIDsPageSize).
				Find(&page).Error
		})
		if err != nil {
			return nil, false, fmt.Errorf("load grouped story ids: %w", err)
		}
		if len(page) == 0 {
			return ids, false, nil
		}
		lastID = page[len(page)-1].ID
		for i := range page {
			ids[page[i].StoryID] = struct{}{}
		}
		if len(page) < groupedIDsPageSize {
			return ids, false, nil
		}
	}
	log.Warn().Int("max_batches", maxBatches).Int("ids", len(ids)).
		Msg("Grouped story-id scan hit its batch ceiling; set is incomplete")
	return ids, true, nil
}

// DeleteGroupMembers removes all memberships of one group and returns the
// count removed (or would-remove, in dry-run).
func (s *GroupStore) DeleteGroupMembers(ctx context.Context, groupID string) (int64, error) {
	if s.dryRun {
		var count int64
		err := s.db.WithContext(ctx).Model(&StoryGroupMember{}).
			Where("group_id = ?", groupID).Count(&count).Error
		if err != nil {
			return 0, err
		}
		log.Info().Str("group_id", groupID).Int64("count", count).
			Msg("[dry-run] would delete memberships")
		return count, nil
	}

	result := s.db.WithContext(ctx).Where("group_id = ?", groupID).Delete(&StoryGroupMember{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete members of %s: %w", groupID, result.Error)
	}
	return result.RowsAffected, result.Error
}

// ClearAllGroups removes every group row. Used only for a full regroup.
func (s *GroupStore) ClearAllGroups(ctx context.Context) (int64, error) {
	return s.clearTable(ctx, &StoryGroup{}, "groups")
}

// ClearAllMemberships removes every membership row. Used only for a full
// regroup.
func (s *GroupStore) ClearAllMemberships(ctx context.Context) (int64, error) {
	return s.clearTable(ctx, &StoryGroupMember{}, "memberships")
}

func (s *GroupStore) clearTable(ctx context.Context, model any, what string) (int64, error) {
	if s.dryRun {
		var count int64
		if err := s.db.WithContext(ctx).Model(model).Count(&count).Error; err != nil {
			return 0, err
		}
		log.Info().Str("table", what).Int64("count", count).Msg("[dry-run] would clear table")
		return count, nil
	}

	result := s.db.WithContext(ctx).Where("1 = 1").Delete(model)
	if result.Error != nil {
		return 0, fmt.Errorf("clear %s: %w", what, result.Error)
	}
	return result.RowsAffected, nil
}

// GetGroupStats aggregates active-group sizes in a single query.
func (s *GroupStore) GetGroupStats(ctx context.Context) (*models.GroupStats, error) {
	type statsRow struct {
		TotalGroups  int64
		TotalStories int64
		MinSize      int64
		MaxSize      int64
		Singletons   int64
	}
	var row statsRow
	err := s.db.WithContext(ctx).Model(&StoryGroup{}).
		Select(`
			COUNT(*) as total_groups,
			COALESCE(SUM(member_count), 0) as total_stories,
			COALESCE(MIN(member_count), 0) as min_size,
			COALESCE(MAX(member_count), 0) as max_size,
			SUM(CASE WHEN member_count = 1 THEN 1 ELSE 0 END) as singletons
		`).
		Where("status = ?", string(models.GroupStatusActive)).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("group stats: %w", err)
	}

	stats := &models.GroupStats{
		TotalGroups:    int(row.TotalGroups),
		TotalStories:   int(row.TotalStories),
		MinGroupSize:   int(row.MinSize),
		MaxGroupSize:   int(row.MaxSize),
		SingletonCount: int(row.Singletons),
	}
	if row.TotalGroups > 0 {
		stats.AvgGroupSize = float64(row.TotalStories) / float64(row.TotalGroups)
	}
	return stats, nil
}

// SaveEmbeddings upserts externally produced embeddings into the source
// table. Conflicting story ids are refreshed in place.
func (s *GroupStore) SaveEmbeddings(ctx context.Context, embeddings []*models.Embedding) (int, error) {
	if len(embeddings) == 0 {
		return 0, nil
	}

	records := make([]StoryEmbedding, 0, len(embeddings))
	for _, e := range embeddings {
		if e.StoryID == "" || len(e.Vector) == 0 {
			continue
		}
		records = append(records, StoryEmbedding{
			StoryID:        e.StoryID,
			Embedding:      pgvec.NewVector(e.Vector),
			ContentHash:    e.ContentHash,
			CreatedAtEpoch: e.CreatedAtEpoch,
		})
	}
	if len(records) == 0 {
		return 0, nil
	}

	if s.dryRun {
		log.Info().Int("count", len(records)).Msg("[dry-run] would upsert embeddings")
		return len(records), nil
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "story_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"embedding", "content_hash", "created_at_epoch"}),
		}).
		CreateInBatches(records, 500).Error
	if err != nil {
		return 0, fmt.Errorf("upsert embeddings: %w", err)
	}
	return len(records), nil
}

// ====================
// Conversions
// ====================

// toModelGroup converts a GORM StoryGroup to pkg/models.Group, parsing the
// centroid vector on the way out.
func toModelGroup(g *StoryGroup) *models.Group {
	return &models.Group{
		ID:             g.ID,
		Centroid:       g.Centroid.Slice(),
		MemberCount:    g.MemberCount,
		Status:         models.GroupStatus(g.Status),
		CreatedAtEpoch: g.CreatedAtEpoch,
		UpdatedAtEpoch: g.UpdatedAtEpoch,
	}
}

// toRecordGroup converts a pkg/models.Group to its GORM record.
func toRecordGroup(g *models.Group) *StoryGroup {
	status := string(g.Status)
	if status == "" {
		status = string(models.GroupStatusActive)
	}
	return &StoryGroup{
		ID:             g.ID,
		Centroid:       pgvec.NewVector(g.Centroid),
		MemberCount:    g.MemberCount,
		Status:         status,
		CreatedAtEpoch: g.CreatedAtEpoch,
		UpdatedAtEpoch: g.UpdatedAtEpoch,
	}
}

// toModelMember converts a GORM StoryGroupMember to pkg/models.GroupMember.
func toModelMember(m *StoryGroupMember) *models.GroupMember {
	return &models.GroupMember{
		GroupID:         m.GroupID,
		StoryID:         m.StoryID,
		ContentHash:     m.ContentHash,
		SimilarityScore: m.SimilarityScore,
		AddedAtEpoch:    m.AddedAtEpoch,
	}
}

// updateFieldNames lists which fields a GroupUpdate touches, for dry-run logs.
func updateFieldNames(upd models.GroupUpdate) []string {
	fields := make([]string, 0, 3)
	if upd.Centroid != nil {
		fields = append(fields, "centroid")
	}
	if upd.MemberCount != nil {
		fields = append(fields, "member_count")
	}
	if upd.Status != nil {
		fields = append(fields, "status")
	}
	return fields
}
