package grouping

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/storygroup/pkg/models"
)

// GroupStore is the persistence surface the pipeline needs.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *models.Group) error
	UpdateGroup(ctx context.Context, id string, upd models.GroupUpdate) error
	AddMembersBatch(ctx context.Context, members []*models.GroupMember) (int, error)
	GetActiveGroups(ctx context.Context, lookbackDays int) ([]*models.Group, error)
	ClearAllGroups(ctx context.Context) (int64, error)
	ClearAllMemberships(ctx context.Context) (int64, error)
	DryRun() bool
}

// EmbeddingSource streams candidate embeddings in batches.
type EmbeddingSource interface {
	StreamEmbeddings(ctx context.Context, q models.EmbeddingQuery, fn func([]*models.Embedding) bool) error
}

// RunOptions control one clustering run.
type RunOptions struct {
	// LookbackDays bounds both the embedding window and the set of seed
	// groups. <= 0 means no time bound.
	LookbackDays int
	// Limit caps how many embeddings the run consumes. <= 0 means no cap.
	Limit int
	// Regroup clears all groups and memberships first, then reclusters
	// every embedding in the window from scratch.
	Regroup bool
	// ContinueOnError keeps persisting remaining groups after a per-group
	// write failure instead of aborting the run.
	ContinueOnError bool
}

// Pipeline wires the clustering engine to its store and embedding source:
// load seed groups, stream embeddings, cluster, persist, report.
type Pipeline struct {
	store     GroupStore
	source    EmbeddingSource
	gate      *RunGate
	threshold float64
	batchSize int
	logger    zerolog.Logger
}

// NewPipeline creates a clustering pipeline. The gate is shared with the
// consolidation side so the two never run concurrently.
func NewPipeline(store GroupStore, source EmbeddingSource, gate *RunGate, threshold float64, batchSize int, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		source:    source,
		gate:      gate,
		threshold: threshold,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "grouping-pipeline").Logger(),
	}
}

// Run executes one clustering pass. It returns ErrRunInProgress without
// doing any work if another run holds the gate.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*models.RunResult, error) {
	if err := p.gate.TryAcquire(); err != nil {
		return nil, err
	}
	defer p.gate.Release()

	start := time.Now()
	result := &models.RunResult{DryRun: p.store.DryRun()}

	grouper, err := NewStoryGrouper(p.threshold, p.logger)
	if err != nil {
		return nil, err
	}

	mode := models.StreamUngrouped
	if opts.Regroup {
		mode = models.StreamAll
		cleared, err := p.clearExisting(ctx)
		if err != nil {
			return nil, err
		}
		result.GroupsCleared = cleared
	} else {
		seeds, err := p.store.GetActiveGroups(ctx, opts.LookbackDays)
		if err != nil {
			return nil, fmt.Errorf("loading active groups: %w", err)
		}
		grouper.LoadExistingGroups(seeds)
	}

	p.logger.Info().Str("mode", string(mode)).Int("lookback_days", opts.LookbackDays).
		Int("limit", opts.Limit).Bool("dry_run", result.DryRun).Msg("Starting clustering run")

	query := models.EmbeddingQuery{
		Mode:         mode,
		LookbackDays: opts.LookbackDays,
		Limit:        opts.Limit,
		BatchSize:    p.batchSize,
	}
	streamErr := p.source.StreamEmbeddings(ctx, query, func(batch []*models.Embedding) bool {
		if ctx.Err() != nil {
			return false
		}
		grouper.GroupStories(batch)
		return true
	})
	if streamErr != nil {
		result.Errors++
		if !opts.ContinueOnError {
			result.Elapsed = time.Since(start)
			return result, fmt.Errorf("streaming embeddings: %w", streamErr)
		}
		p.logger.Error().Err(streamErr).Msg("Embedding stream failed, persisting partial results")
	}
	if err := ctx.Err(); err != nil {
		result.Elapsed = time.Since(start)
		return result, err
	}

	created, updated := grouper.Results()
	if err := p.persist(ctx, created, updated, opts.ContinueOnError, result); err != nil {
		result.Elapsed = time.Since(start)
		return result, err
	}

	result.ItemsProcessed = grouper.Processed()
	result.ItemsSkipped = grouper.Skipped()
	result.Elapsed = time.Since(start)

	p.logger.Info().Int("processed", result.ItemsProcessed).Int("skipped", result.ItemsSkipped).
		Int("groups_created", result.GroupsCreated).Int("groups_updated", result.GroupsUpdated).
		Int("memberships_added", result.MembershipsAdded).Int("errors", result.Errors).
		Dur("elapsed", result.Elapsed).Msg("Clustering run complete")
	return result, nil
}

// clearExisting wipes memberships then groups ahead of a full regroup.
func (p *Pipeline) clearExisting(ctx context.Context) (int64, error) {
	if _, err := p.store.ClearAllMemberships(ctx); err != nil {
		return 0, fmt.Errorf("clearing memberships: %w", err)
	}
	cleared, err := p.store.ClearAllGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("clearing groups: %w", err)
	}
	p.logger.Info().Int64("groups_cleared", cleared).Msg("Cleared existing groups for regroup")
	return cleared, nil
}

// persist writes the run's groups and memberships. Each group is written
// independently so one failure cannot corrupt the rest of the run.
func (p *Pipeline) persist(ctx context.Context, created, updated []*GroupRun, continueOnError bool, result *models.RunResult) error {
	for _, run := range created {
		if err := p.store.CreateGroup(ctx, run.Group); err != nil {
			result.Errors++
			if !continueOnError {
				return fmt.Errorf("creating group %s: %w", run.Group.ID, err)
			}
			p.logger.Error().Err(err).Str("group_id", run.Group.ID).Msg("Failed to create group")
			continue
		}
		result.GroupsCreated++
		if err := p.addMembers(ctx, run, result); err != nil && !continueOnError {
			return err
		}
	}

	for _, run := range updated {
		upd := models.GroupUpdate{
			Centroid:    run.Group.Centroid,
			MemberCount: &run.Group.MemberCount,
		}
		if err := p.store.UpdateGroup(ctx, run.Group.ID, upd); err != nil {
			result.Errors++
			if !continueOnError {
				return fmt.Errorf("updating group %s: %w", run.Group.ID, err)
			}
			p.logger.Error().Err(err).Str("group_id", run.Group.ID).Msg("Failed to update group")
			continue
		}
		result.GroupsUpdated++
		if err := p.addMembers(ctx, run, result); err != nil && !continueOnError {
			return err
		}
	}
	return nil
}

func (p *Pipeline) addMembers(ctx context.Context, run *GroupRun, result *models.RunResult) error {
	added, err := p.store.AddMembersBatch(ctx, run.NewMembers)
	result.MembershipsAdded += added
	if err != nil {
		result.Errors++
		p.logger.Error().Err(err).Str("group_id", run.Group.ID).Msg("Failed to add group members")
		return fmt.Errorf("adding members to group %s: %w", run.Group.ID, err)
	}
	return nil
}
