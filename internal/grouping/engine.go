// Package grouping implements the incremental story clustering engine and
// the pipeline that drives it.
package grouping

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/thebtf/storygroup/pkg/models"
	"github.com/thebtf/storygroup/pkg/vectormath"
)

// simEqualityTolerance bounds what counts as a similarity tie. Two groups
// whose similarities differ by less than this are resolved by the
// deterministic tie-break rules instead of float noise.
const simEqualityTolerance = 1e-9

// trackedGroup is a group owned by one run of the engine, together with the
// memberships it gained during that run.
type trackedGroup struct {
	group      *models.Group
	newMembers []*models.GroupMember
	isNew      bool
}

// GroupRun pairs a group with the memberships added to it during one run.
type GroupRun struct {
	Group      *models.Group
	NewMembers []*models.GroupMember
}

// StoryGrouper assigns each embedding in a stream to the best matching group
// above the similarity threshold, or creates a new singleton group, updating
// centroids incrementally as it goes. It owns its in-memory group state for
// the duration of one run and must not be shared across runs.
type StoryGrouper struct {
	threshold float64
	groups    []*trackedGroup
	logger    zerolog.Logger
	dim       int
	processed int
	skipped   int
}

// NewStoryGrouper creates an engine with the given assignment threshold.
func NewStoryGrouper(threshold float64, logger zerolog.Logger) (*StoryGrouper, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("similarity threshold must be in [0,1], got %v", threshold)
	}
	return &StoryGrouper{
		threshold: threshold,
		logger:    logger.With().Str("component", "story-grouper").Logger(),
	}, nil
}

// LoadExistingGroups seeds the engine with currently active groups. On a
// full regroup run the seed set is empty.
func (s *StoryGrouper) LoadExistingGroups(groups []*models.Group) {
	for _, g := range groups {
		if !g.IsActive() || len(g.Centroid) == 0 {
			continue
		}
		if s.dim == 0 {
			s.dim = len(g.Centroid)
		} else if len(g.Centroid) != s.dim {
			s.logger.Warn().Str("group_id", g.ID).Int("dim", len(g.Centroid)).
				Int("expected", s.dim).Msg("Skipping seed group with mismatched centroid dimension")
			continue
		}
		s.groups = append(s.groups, &trackedGroup{group: g})
	}
	s.logger.Debug().Int("seeded", len(s.groups)).Msg("Seeded existing groups")
}

// GroupStories processes embeddings strictly in the order received. Newly
// created groups immediately become candidates for subsequent items.
func (s *StoryGrouper) GroupStories(embeddings []*models.Embedding) {
	for _, e := range embeddings {
		s.groupStory(e)
	}
}

func (s *StoryGrouper) groupStory(e *models.Embedding) {
	if len(e.Vector) == 0 {
		s.skipped++
		return
	}
	if s.dim == 0 {
		s.dim = len(e.Vector)
	} else if len(e.Vector) != s.dim {
		s.logger.Warn().Str("story_id", e.StoryID).Int("dim", len(e.Vector)).
			Int("expected", s.dim).Msg("Skipping embedding with mismatched dimension")
		s.skipped++
		return
	}
	s.processed++

	// A zero-norm vector has similarity 0 to everything and always starts
	// its own singleton group.
	if vectormath.IsZero(e.Vector) {
		s.createGroup(e, 0)
		return
	}

	best, bestSim := s.bestMatch(e.Vector)
	if best != nil && bestSim >= s.threshold {
		s.assign(best, e, bestSim)
		return
	}
	s.createGroup(e, 1)
}

// bestMatch returns the tracked group with the highest cosine similarity to
// vec. Ties within floating-point equality are broken by larger member
// count, then earlier creation, then lowest group id, so that re-running the
// same batch yields the same assignment.
func (s *StoryGrouper) bestMatch(vec []float32) (*trackedGroup, float64) {
	var best *trackedGroup
	bestSim := -1.0
	for _, tg := range s.groups {
		sim := vectormath.CosineSimilarity(vec, tg.group.Centroid)
		switch {
		case sim > bestSim+simEqualityTolerance:
			best, bestSim = tg, sim
		case best != nil && sim > bestSim-simEqualityTolerance:
			if preferGroup(tg.group, best.group) {
				best, bestSim = tg, sim
			}
		}
	}
	return best, bestSim
}

// preferGroup reports whether a wins a similarity tie against b.
func preferGroup(a, b *models.Group) bool {
	if a.MemberCount != b.MemberCount {
		return a.MemberCount > b.MemberCount
	}
	if a.CreatedAtEpoch != b.CreatedAtEpoch {
		return a.CreatedAtEpoch < b.CreatedAtEpoch
	}
	return a.ID < b.ID
}

// assign appends e to tg and folds its vector into the centroid via the
// running mean.
func (s *StoryGrouper) assign(tg *trackedGroup, e *models.Embedding, sim float64) {
	g := tg.group
	g.MemberCount++
	g.Centroid = vectormath.UpdateCentroid(g.Centroid, e.Vector, g.MemberCount)
	g.UpdatedAtEpoch = e.CreatedAtEpoch

	tg.newMembers = append(tg.newMembers, &models.GroupMember{
		GroupID:         g.ID,
		StoryID:         e.StoryID,
		ContentHash:     e.ContentHash,
		SimilarityScore: sim,
		AddedAtEpoch:    time.Now().UnixMilli(),
	})
}

// createGroup starts a new singleton group whose centroid is e's vector.
func (s *StoryGrouper) createGroup(e *models.Embedding, selfSim float64) {
	centroid := make([]float32, len(e.Vector))
	copy(centroid, e.Vector)

	g := &models.Group{
		ID:             uuid.New().String(),
		Centroid:       centroid,
		MemberCount:    1,
		Status:         models.GroupStatusActive,
		CreatedAtEpoch: e.CreatedAtEpoch,
		UpdatedAtEpoch: e.CreatedAtEpoch,
	}
	tg := &trackedGroup{
		group: g,
		isNew: true,
		newMembers: []*models.GroupMember{{
			GroupID:         g.ID,
			StoryID:         e.StoryID,
			ContentHash:     e.ContentHash,
			SimilarityScore: selfSim,
			AddedAtEpoch:    time.Now().UnixMilli(),
		}},
	}
	s.groups = append(s.groups, tg)
}

// Results partitions the groups touched during the run into newly created
// groups and pre-existing groups that gained members, each carrying its
// member list for this run. Seeded groups that gained nothing are omitted.
func (s *StoryGrouper) Results() (created, updated []*GroupRun) {
	for _, tg := range s.groups {
		if len(tg.newMembers) == 0 {
			continue
		}
		run := &GroupRun{Group: tg.group, NewMembers: tg.newMembers}
		if tg.isNew {
			created = append(created, run)
		} else {
			updated = append(updated, run)
		}
	}
	return created, updated
}

// Processed returns how many embeddings were assigned during the run.
func (s *StoryGrouper) Processed() int { return s.processed }

// Skipped returns how many embeddings were dropped for data-quality reasons.
func (s *StoryGrouper) Skipped() int { return s.skipped }

// GetGroupStats aggregates the in-memory group sizes for operator
// visibility. Purely in-memory; no I/O.
func (s *StoryGrouper) GetGroupStats() *models.GroupStats {
	stats := &models.GroupStats{TotalGroups: len(s.groups)}
	for i, tg := range s.groups {
		size := tg.group.MemberCount
		stats.TotalStories += size
		if i == 0 || size < stats.MinGroupSize {
			stats.MinGroupSize = size
		}
		if size > stats.MaxGroupSize {
			stats.MaxGroupSize = size
		}
		if size == 1 {
			stats.SingletonCount++
		}
	}
	if stats.TotalGroups > 0 {
		stats.AvgGroupSize = float64(stats.TotalStories) / float64(stats.TotalGroups)
	}
	return stats
}
