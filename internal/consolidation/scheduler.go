package consolidation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/storygroup/internal/grouping"
)

// SchedulerConfig contains the background run intervals.
type SchedulerConfig struct {
	// GroupInterval is the period between clustering runs (default 15m).
	GroupInterval time.Duration `json:"group_interval"`
	// MergeInterval is the period between consolidation runs (default 6h).
	MergeInterval time.Duration `json:"merge_interval"`
	// LookbackDays bounds scheduled runs to the recent window.
	LookbackDays int `json:"lookback_days"`
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		GroupInterval: 15 * time.Minute,
		MergeInterval: 6 * time.Hour,
		LookbackDays:  14,
	}
}

// Scheduler triggers clustering and consolidation runs on fixed intervals.
// Runs share the pipeline's gate, so a tick that lands while a run is in
// flight is skipped rather than queued.
type Scheduler struct {
	pipeline *grouping.Pipeline
	merger   *Merger
	config   SchedulerConfig
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewScheduler creates a new run scheduler.
func NewScheduler(pipeline *grouping.Pipeline, merger *Merger, config SchedulerConfig, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		pipeline: pipeline,
		merger:   merger,
		config:   config,
		logger:   logger.With().Str("component", "run-scheduler").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler's background loop. Call from a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("group_interval", s.config.GroupInterval).
		Dur("merge_interval", s.config.MergeInterval).
		Msg("Run scheduler started")

	groupTicker := time.NewTicker(s.config.GroupInterval)
	mergeTicker := time.NewTicker(s.config.MergeInterval)
	defer groupTicker.Stop()
	defer mergeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Run scheduler stopping (context done)")
			return
		case <-s.stopCh:
			s.logger.Info().Msg("Run scheduler stopping (stop signal)")
			return
		case <-groupTicker.C:
			if err := s.runGrouping(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Scheduled clustering run failed")
			}
		case <-mergeTicker.C:
			if err := s.runMerge(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Scheduled consolidation run failed")
			}
		}
	}
}

// Stop signals the scheduler to shut down gracefully.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
		// Already stopped
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) runGrouping(ctx context.Context) error {
	_, err := s.pipeline.Run(ctx, grouping.RunOptions{
		LookbackDays:    s.config.LookbackDays,
		ContinueOnError: true,
	})
	if errors.Is(err, grouping.ErrRunInProgress) {
		s.logger.Debug().Msg("Skipping scheduled clustering run, another run in flight")
		return nil
	}
	return err
}

func (s *Scheduler) runMerge(ctx context.Context) error {
	_, err := s.merger.Run(ctx, MergeOptions{LookbackDays: s.config.LookbackDays})
	if errors.Is(err, grouping.ErrRunInProgress) {
		s.logger.Debug().Msg("Skipping scheduled consolidation run, another run in flight")
		return nil
	}
	return err
}

// RunAll triggers one clustering run followed by one consolidation run.
func (s *Scheduler) RunAll(ctx context.Context) error {
	if err := s.runGrouping(ctx); err != nil {
		return err
	}
	return s.runMerge(ctx)
}
