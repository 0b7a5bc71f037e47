// Package consolidation merges story groups whose centroids have drifted
// close enough to describe the same story.
package consolidation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/storygroup/internal/grouping"
	"github.com/thebtf/storygroup/pkg/models"
	"github.com/thebtf/storygroup/pkg/vectormath"
)

// GroupProvider is the subset of group store methods the merger needs.
type GroupProvider interface {
	GetActiveGroups(ctx context.Context, lookbackDays int) ([]*models.Group, error)
	GetGroupMembers(ctx context.Context, groupID string) ([]*models.GroupMember, error)
	AddMembersBatch(ctx context.Context, members []*models.GroupMember) (int, error)
	DeleteGroupMembers(ctx context.Context, groupID string) (int64, error)
	ArchiveGroup(ctx context.Context, id string) error
	UpdateGroup(ctx context.Context, id string, upd models.GroupUpdate) error
	DryRun() bool
}

// MergerConfig contains consolidation thresholds and caps.
type MergerConfig struct {
	// MergeThreshold is the minimum centroid cosine similarity for two
	// groups to be merge candidates (default 0.92).
	MergeThreshold float64 `json:"merge_threshold"`
	// GroupLimit caps how many of the most recently updated active groups
	// one run considers (default 500). <= 0 means no cap.
	GroupLimit int `json:"group_limit"`
	// MaxPairs caps how many candidate pairs feed the component search
	// (default 200).
	MaxPairs int `json:"max_pairs"`
}

// DefaultMergerConfig returns the default consolidation configuration.
func DefaultMergerConfig() MergerConfig {
	return MergerConfig{
		MergeThreshold: 0.92,
		GroupLimit:     500,
		MaxPairs:       200,
	}
}

// MergeOptions control one consolidation run, overriding config where set.
type MergeOptions struct {
	// LookbackDays bounds the candidate set to recently updated groups.
	// <= 0 means all active groups.
	LookbackDays int
	// GroupLimit overrides the configured cap when > 0.
	GroupLimit int
	// MaxPairs overrides the configured cap when > 0.
	MaxPairs int
}

// groupPair is a merge candidate: two group indices and their centroid
// similarity.
type groupPair struct {
	a, b int
	sim  float64
}

// Merger performs one-shot graph-based consolidation: find all pairs of
// active groups above the merge threshold, connect them into components,
// and fold each component into its largest group.
type Merger struct {
	provider GroupProvider
	gate     *grouping.RunGate
	config   MergerConfig
	logger   zerolog.Logger
}

// NewMerger creates a consolidation merger. The gate is shared with the
// clustering pipeline so merge runs never overlap grouping runs.
func NewMerger(provider GroupProvider, gate *grouping.RunGate, config MergerConfig, logger zerolog.Logger) *Merger {
	return &Merger{
		provider: provider,
		gate:     gate,
		config:   config,
		logger:   logger.With().Str("component", "group-merger").Logger(),
	}
}

// Run executes one consolidation pass. It returns ErrRunInProgress without
// doing any work if another run holds the gate.
func (m *Merger) Run(ctx context.Context, opts MergeOptions) (*models.MergeResult, error) {
	if err := m.gate.TryAcquire(); err != nil {
		return nil, err
	}
	defer m.gate.Release()

	start := time.Now()
	result := &models.MergeResult{DryRun: m.provider.DryRun()}

	groups, err := m.loadCandidates(ctx, opts)
	if err != nil {
		return nil, err
	}
	result.GroupsConsidered = len(groups)
	if len(groups) < 2 {
		result.Elapsed = time.Since(start)
		m.logger.Info().Int("groups", len(groups)).Msg("Nothing to consolidate")
		return result, nil
	}

	pairs := m.candidatePairs(groups, opts)
	components := buildComponents(len(groups), pairs)
	result.ComponentsFound = len(components)

	m.logger.Info().Int("groups", len(groups)).Int("pairs", len(pairs)).
		Int("components", len(components)).Bool("dry_run", result.DryRun).
		Msg("Starting consolidation run")

	for _, comp := range components {
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(start)
			return result, err
		}
		members := make([]*models.Group, len(comp))
		for i, idx := range comp {
			members[i] = groups[idx]
		}
		if err := m.mergeComponent(ctx, members, result); err != nil {
			// One broken component must not abort the rest of the run.
			result.Errors++
			m.logger.Error().Err(err).Msg("Failed to merge component")
		}
	}

	result.Elapsed = time.Since(start)
	m.logger.Info().Int("components", result.ComponentsFound).
		Int("archived", result.GroupsArchived).Int("moved", result.MembershipsMoved).
		Int("skipped", result.MembershipsSkipped).Int("errors", result.Errors).
		Dur("elapsed", result.Elapsed).Msg("Consolidation run complete")
	return result, nil
}

// loadCandidates fetches active groups and keeps the most recently updated
// ones when the candidate cap applies.
func (m *Merger) loadCandidates(ctx context.Context, opts MergeOptions) ([]*models.Group, error) {
	groups, err := m.provider.GetActiveGroups(ctx, opts.LookbackDays)
	if err != nil {
		return nil, fmt.Errorf("loading active groups: %w", err)
	}

	limit := m.config.GroupLimit
	if opts.GroupLimit > 0 {
		limit = opts.GroupLimit
	}
	if limit > 0 && len(groups) > limit {
		sort.Slice(groups, func(i, j int) bool {
			if groups[i].UpdatedAtEpoch != groups[j].UpdatedAtEpoch {
				return groups[i].UpdatedAtEpoch > groups[j].UpdatedAtEpoch
			}
			return groups[i].ID < groups[j].ID
		})
		m.logger.Warn().Int("active", len(groups)).Int("limit", limit).
			Msg("Active group count exceeds candidate cap, consolidating most recent only")
		groups = groups[:limit]
	}
	return groups, nil
}

// candidatePairs computes all group pairs at or above the merge threshold,
// strongest first, capped at the pair limit.
func (m *Merger) candidatePairs(groups []*models.Group, opts MergeOptions) []groupPair {
	normalized := make([][]float32, len(groups))
	for i, g := range groups {
		normalized[i] = vectormath.Normalize(g.Centroid)
	}

	var pairs []groupPair
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			sim := vectormath.CosineSimilarity(normalized[i], normalized[j])
			if sim >= m.config.MergeThreshold {
				pairs = append(pairs, groupPair{a: i, b: j, sim: sim})
			}
		}
	}

	sort.Slice(pairs, func(x, y int) bool {
		if pairs[x].sim != pairs[y].sim {
			return pairs[x].sim > pairs[y].sim
		}
		if pairs[x].a != pairs[y].a {
			return pairs[x].a < pairs[y].a
		}
		return pairs[x].b < pairs[y].b
	})

	maxPairs := m.config.MaxPairs
	if opts.MaxPairs > 0 {
		maxPairs = opts.MaxPairs
	}
	if maxPairs > 0 && len(pairs) > maxPairs {
		m.logger.Warn().Int("pairs", len(pairs)).Int("max_pairs", maxPairs).
			Msg("Candidate pairs exceed cap, merging strongest only")
		pairs = pairs[:maxPairs]
	}
	return pairs
}

// buildComponents connects the candidate pairs into merge components.
func buildComponents(n int, pairs []groupPair) [][]int {
	uf := newUnionFind(n)
	for _, p := range pairs {
		uf.union(p.a, p.b)
	}
	return uf.components()
}

// mergeComponent folds every group in the component into its primary: the
// group with the most members, ties broken by age then id. Memberships move
// to the primary, duplicates by content identity are dropped, and the
// emptied secondaries are archived. The primary's centroid is left alone so
// re-running a merge is a no-op.
func (m *Merger) mergeComponent(ctx context.Context, groups []*models.Group, result *models.MergeResult) error {
	primary := groups[0]
	for _, g := range groups[1:] {
		if preferPrimary(g, primary) {
			primary = g
		}
	}

	seen, err := m.loadDedupKeys(ctx, primary.ID)
	if err != nil {
		return err
	}

	total := primary.MemberCount
	for _, secondary := range groups {
		if secondary.ID == primary.ID {
			continue
		}
		moved, skipped, err := m.migrateMembers(ctx, secondary, primary, seen)
		if err != nil {
			return err
		}
		if err := m.provider.ArchiveGroup(ctx, secondary.ID); err != nil {
			return fmt.Errorf("archiving group %s: %w", secondary.ID, err)
		}
		total += moved
		result.MembershipsMoved += moved
		result.MembershipsSkipped += skipped
		result.GroupsArchived++
	}

	if err := m.provider.UpdateGroup(ctx, primary.ID, models.GroupUpdate{MemberCount: &total}); err != nil {
		return fmt.Errorf("updating primary group %s: %w", primary.ID, err)
	}

	m.logger.Debug().Str("primary", primary.ID).Int("groups", len(groups)).
		Int("member_count", total).Msg("Merged component")
	return nil
}

// preferPrimary reports whether a should be the component primary over b.
func preferPrimary(a, b *models.Group) bool {
	if a.MemberCount != b.MemberCount {
		return a.MemberCount > b.MemberCount
	}
	if a.CreatedAtEpoch != b.CreatedAtEpoch {
		return a.CreatedAtEpoch < b.CreatedAtEpoch
	}
	return a.ID < b.ID
}

func (m *Merger) loadDedupKeys(ctx context.Context, groupID string) (map[string]struct{}, error) {
	members, err := m.provider.GetGroupMembers(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("loading members of group %s: %w", groupID, err)
	}
	seen := make(map[string]struct{}, len(members))
	for _, mem := range members {
		seen[mem.DedupKey()] = struct{}{}
	}
	return seen, nil
}

// migrateMembers repoints the secondary's memberships at the primary and
// removes the originals. Stories the primary already holds are skipped.
func (m *Merger) migrateMembers(ctx context.Context, secondary, primary *models.Group, seen map[string]struct{}) (moved, skipped int, err error) {
	members, err := m.provider.GetGroupMembers(ctx, secondary.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("loading members of group %s: %w", secondary.ID, err)
	}

	toMove := make([]*models.GroupMember, 0, len(members))
	for _, mem := range members {
		key := mem.DedupKey()
		if _, dup := seen[key]; dup {
			skipped++
			continue
		}
		seen[key] = struct{}{}
		toMove = append(toMove, &models.GroupMember{
			GroupID:         primary.ID,
			StoryID:         mem.StoryID,
			ContentHash:     mem.ContentHash,
			SimilarityScore: mem.SimilarityScore,
			AddedAtEpoch:    mem.AddedAtEpoch,
		})
	}

	if len(toMove) > 0 {
		added, err := m.provider.AddMembersBatch(ctx, toMove)
		if err != nil {
			return added, skipped, fmt.Errorf("moving members to group %s: %w", primary.ID, err)
		}
		moved = added
	}
	if _, err := m.provider.DeleteGroupMembers(ctx, secondary.ID); err != nil {
		return moved, skipped, fmt.Errorf("clearing members of group %s: %w", secondary.ID, err)
	}
	return moved, skipped, nil
}
