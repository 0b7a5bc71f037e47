package gorm

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	pgvec "github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/thebtf/storygroup/pkg/models"
)

var testDBCounter atomic.Int64

// newTestStore opens a fresh shared in-memory SQLite database. The schema
// is identical to the PostgreSQL one minus the vector extension.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:storygroup_test_%d?mode=memory&cache=shared", testDBCounter.Add(1))
	store, err := NewStore(Config{DSN: dsn, MaxConns: 2, LogLevel: logger.Silent})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func nowEpochMinusDays(d int) int64 {
	return time.Now().AddDate(0, 0, -d).UnixMilli()
}

type GroupStoreTestSuite struct {
	suite.Suite
	store *Store
	gs    *GroupStore
	ctx   context.Context
}

func (s *GroupStoreTestSuite) SetupTest() {
	s.store = newTestStore(s.T())
	s.gs = NewGroupStore(s.store, false)
	s.ctx = context.Background()
}

func (s *GroupStoreTestSuite) seedGroup(id string, memberCount int, status models.GroupStatus, updatedEpoch int64, centroid ...float32) {
	rec := &StoryGroup{
		ID:             id,
		Centroid:       pgvec.NewVector(centroid),
		Status:         string(status),
		MemberCount:    memberCount,
		CreatedAtEpoch: updatedEpoch,
		UpdatedAtEpoch: updatedEpoch,
	}
	s.Require().NoError(s.store.DB.Create(rec).Error)
}

func (s *GroupStoreTestSuite) TestCreateAndReadBack() {
	g := &models.Group{Centroid: []float32{0.5, -0.25}, MemberCount: 1, Status: models.GroupStatusActive}
	s.Require().NoError(s.gs.CreateGroup(s.ctx, g))
	s.NotEmpty(g.ID)
	s.NotZero(g.CreatedAtEpoch)

	groups, err := s.gs.GetActiveGroups(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(groups, 1)
	s.Equal(g.ID, groups[0].ID)
	s.Equal([]float32{0.5, -0.25}, groups[0].Centroid)
	s.Equal(1, groups[0].MemberCount)
}

func (s *GroupStoreTestSuite) TestUpdateGroupPartial() {
	g := &models.Group{Centroid: []float32{1, 0}, MemberCount: 1}
	s.Require().NoError(s.gs.CreateGroup(s.ctx, g))

	count := 5
	s.Require().NoError(s.gs.UpdateGroup(s.ctx, g.ID, models.GroupUpdate{MemberCount: &count}))

	groups, err := s.gs.GetActiveGroups(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(groups, 1)
	s.Equal(5, groups[0].MemberCount)
	// Untouched fields survive the partial update.
	s.Equal([]float32{1, 0}, groups[0].Centroid)
	s.Greater(groups[0].UpdatedAtEpoch, g.CreatedAtEpoch-1)
}

func (s *GroupStoreTestSuite) TestUpdateMissingGroup() {
	count := 1
	err := s.gs.UpdateGroup(s.ctx, "no-such-group", models.GroupUpdate{MemberCount: &count})
	s.ErrorContains(err, "not found")
}

func (s *GroupStoreTestSuite) TestArchiveGroup() {
	g := &models.Group{Centroid: []float32{1, 0}, MemberCount: 4}
	s.Require().NoError(s.gs.CreateGroup(s.ctx, g))
	s.Require().NoError(s.gs.ArchiveGroup(s.ctx, g.ID))

	active, err := s.gs.GetActiveGroups(s.ctx, 0)
	s.Require().NoError(err)
	s.Empty(active)

	all, err := s.gs.GetAllGroups(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal(models.GroupStatusArchived, all[0].Status)
	s.Equal(0, all[0].MemberCount)
}

func (s *GroupStoreTestSuite) TestActiveGroupLookbackWindow() {
	s.seedGroup("recent", 1, models.GroupStatusActive, nowEpochMinusDays(1), 1, 0)
	s.seedGroup("stale", 1, models.GroupStatusActive, nowEpochMinusDays(30), 0, 1)

	groups, err := s.gs.GetActiveGroups(s.ctx, 14)
	s.Require().NoError(err)
	s.Require().Len(groups, 1)
	s.Equal("recent", groups[0].ID)

	groups, err = s.gs.GetActiveGroups(s.ctx, 0)
	s.Require().NoError(err)
	s.Len(groups, 2)
}

func (s *GroupStoreTestSuite) TestMembershipRoundTrip() {
	s.seedGroup("g1", 0, models.GroupStatusActive, 1000, 1, 0)

	added, err := s.gs.AddMembersBatch(s.ctx, []*models.GroupMember{
		{GroupID: "g1", StoryID: "s1", SimilarityScore: 0.91},
		{GroupID: "g1", StoryID: "s2", ContentHash: "h2", SimilarityScore: 0.88},
	})
	s.Require().NoError(err)
	s.Equal(2, added)

	members, err := s.gs.GetGroupMembers(s.ctx, "g1")
	s.Require().NoError(err)
	s.Require().Len(members, 2)
	s.Equal("s1", members[0].StoryID)
	s.InDelta(0.91, members[0].SimilarityScore, 1e-9)
	s.Equal("h2", members[1].ContentHash)

	deleted, err := s.gs.DeleteGroupMembers(s.ctx, "g1")
	s.Require().NoError(err)
	s.Equal(int64(2), deleted)

	members, err = s.gs.GetGroupMembers(s.ctx, "g1")
	s.Require().NoError(err)
	s.Empty(members)
}

func (s *GroupStoreTestSuite) TestGroupedStoryIDsOnlyActive() {
	s.seedGroup("g1", 1, models.GroupStatusActive, 1000, 1, 0)
	s.seedGroup("g2", 1, models.GroupStatusArchived, 1000, 0, 1)
	_, err := s.gs.AddMembersBatch(s.ctx, []*models.GroupMember{
		{GroupID: "g1", StoryID: "active-story"},
		{GroupID: "g2", StoryID: "archived-story"},
	})
	s.Require().NoError(err)

	ids, capped, err := s.gs.GetGroupedStoryIDs(s.ctx, 10)
	s.Require().NoError(err)
	s.False(capped)
	s.Contains(ids, "active-story")
	s.NotContains(ids, "archived-story")
}

func (s *GroupStoreTestSuite) TestClearAll() {
	s.seedGroup("g1", 1, models.GroupStatusActive, 1000, 1, 0)
	s.seedGroup("g2", 1, models.GroupStatusActive, 1000, 0, 1)
	_, err := s.gs.AddMembersBatch(s.ctx, []*models.GroupMember{{GroupID: "g1", StoryID: "s1"}})
	s.Require().NoError(err)

	clearedMembers, err := s.gs.ClearAllMemberships(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), clearedMembers)

	clearedGroups, err := s.gs.ClearAllGroups(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), clearedGroups)

	all, err := s.gs.GetAllGroups(s.ctx)
	s.Require().NoError(err)
	s.Empty(all)
}

func (s *GroupStoreTestSuite) TestGroupStats() {
	s.seedGroup("g1", 4, models.GroupStatusActive, 1000, 1, 0)
	s.seedGroup("g2", 1, models.GroupStatusActive, 1000, 0, 1)
	s.seedGroup("g3", 9, models.GroupStatusArchived, 1000, 1, 1)

	stats, err := s.gs.GetGroupStats(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.TotalGroups)
	s.Equal(5, stats.TotalStories)
	s.Equal(1, stats.MinGroupSize)
	s.Equal(4, stats.MaxGroupSize)
	s.Equal(1, stats.SingletonCount)
	s.InDelta(2.5, stats.AvgGroupSize, 1e-9)
}

func (s *GroupStoreTestSuite) TestSaveEmbeddingsUpsert() {
	saved, err := s.gs.SaveEmbeddings(s.ctx, []*models.Embedding{
		{StoryID: "s1", Vector: []float32{1, 0}, ContentHash: "h1", CreatedAtEpoch: 100},
		{StoryID: "s2", Vector: []float32{0, 1}, ContentHash: "h2", CreatedAtEpoch: 200},
		{StoryID: "", Vector: []float32{1, 1}},
	})
	s.Require().NoError(err)
	s.Equal(2, saved)

	// Re-saving the same story refreshes the row instead of duplicating.
	_, err = s.gs.SaveEmbeddings(s.ctx, []*models.Embedding{
		{StoryID: "s1", Vector: []float32{0.5, 0.5}, ContentHash: "h1b", CreatedAtEpoch: 300},
	})
	s.Require().NoError(err)

	var count int64
	s.Require().NoError(s.store.DB.Model(&StoryEmbedding{}).Count(&count).Error)
	s.Equal(int64(2), count)

	var row StoryEmbedding
	s.Require().NoError(s.store.DB.Where("story_id = ?", "s1").First(&row).Error)
	s.Equal("h1b", row.ContentHash)
}

func (s *GroupStoreTestSuite) TestDryRunLeavesStoreUntouched() {
	s.seedGroup("g1", 2, models.GroupStatusActive, 1000, 1, 0)
	_, err := s.gs.AddMembersBatch(s.ctx, []*models.GroupMember{{GroupID: "g1", StoryID: "s1"}})
	s.Require().NoError(err)

	dry := NewGroupStore(s.store, true)
	s.True(dry.DryRun())

	g := &models.Group{Centroid: []float32{0, 1}, MemberCount: 1}
	s.Require().NoError(dry.CreateGroup(s.ctx, g))
	s.NotEmpty(g.ID)

	added, err := dry.AddMembersBatch(s.ctx, []*models.GroupMember{{GroupID: "g1", StoryID: "s2"}})
	s.Require().NoError(err)
	s.Equal(1, added)

	s.Require().NoError(dry.ArchiveGroup(s.ctx, "g1"))

	wouldDelete, err := dry.DeleteGroupMembers(s.ctx, "g1")
	s.Require().NoError(err)
	s.Equal(int64(1), wouldDelete)

	wouldClear, err := dry.ClearAllGroups(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), wouldClear)

	// The real store still holds exactly the seeded state.
	all, err := s.gs.GetAllGroups(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal("g1", all[0].ID)
	s.Equal(models.GroupStatusActive, all[0].Status)
	members, err := s.gs.GetGroupMembers(s.ctx, "g1")
	s.Require().NoError(err)
	s.Len(members, 1)
}

func TestGroupStoreTestSuite(t *testing.T) {
	suite.Run(t, new(GroupStoreTestSuite))
}
