// Package main provides the entry point for the story grouper.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/storygroup/internal/config"
	"github.com/thebtf/storygroup/internal/consolidation"
	gormdb "github.com/thebtf/storygroup/internal/db/gorm"
	"github.com/thebtf/storygroup/internal/grouping"
	"github.com/thebtf/storygroup/internal/worker"
)

var Version = "dev"

func main() {
	mode := flag.String("mode", "serve", "run mode: group, merge, or serve")
	lookbackDays := flag.Int("lookback-days", 0, "override the embedding lookback window in days")
	limit := flag.Int("limit", 0, "cap the number of embeddings processed (0 = no cap)")
	regroup := flag.Bool("regroup", false, "clear all groups and recluster from scratch")
	dryRun := flag.Bool("dry-run", false, "log intended changes without writing")
	continueOnError := flag.Bool("continue-on-error", false, "keep going after per-group write failures")
	groupLimit := flag.Int("group-limit", 0, "override the merge candidate group cap")
	maxPairs := flag.Int("max-pairs", 0, "override the merge candidate pair cap")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Optional .env for local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	cfg := config.Get()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *lookbackDays == 0 {
		*lookbackDays = cfg.LookbackDays
	}

	log.Info().Str("version", Version).Str("mode", *mode).Msg("Starting story grouper")

	store, err := gormdb.NewStore(gormdb.Config{
		DSN:      cfg.DatabaseDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Database close error")
		}
	}()

	gate := grouping.NewRunGate()
	live := buildRunners(store, cfg, gate, *dryRun)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "group":
		result, err := live.Pipeline.Run(ctx, grouping.RunOptions{
			LookbackDays:    *lookbackDays,
			Limit:           *limit,
			Regroup:         *regroup,
			ContinueOnError: *continueOnError,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Clustering run failed")
		}
		log.Info().Interface("result", result).Msg("Clustering run finished")

	case "merge":
		result, err := live.Merger.Run(ctx, consolidation.MergeOptions{
			LookbackDays: *lookbackDays,
			GroupLimit:   *groupLimit,
			MaxPairs:     *maxPairs,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Consolidation run failed")
		}
		log.Info().Interface("result", result).Msg("Consolidation run finished")

	case "serve":
		serve(ctx, store, cfg, gate, live)

	default:
		log.Fatal().Str("mode", *mode).Msg("Unknown mode, want group, merge, or serve")
	}
}

// buildRunners wires a pipeline and merger over the store, optionally in
// dry-run mode.
func buildRunners(store *gormdb.Store, cfg *config.Config, gate *grouping.RunGate, dryRun bool) worker.Runners {
	groupStore := gormdb.NewGroupStore(store, dryRun)
	source := gormdb.NewEmbeddingSource(store, groupStore, cfg.PageSize, cfg.MaxScanBatches)

	mergerCfg := consolidation.MergerConfig{
		MergeThreshold: cfg.MergeThreshold,
		GroupLimit:     cfg.GroupLimit,
		MaxPairs:       cfg.MaxPairs,
	}
	return worker.Runners{
		Pipeline: grouping.NewPipeline(groupStore, source, gate, cfg.SimilarityThreshold, cfg.BatchSize, log.Logger),
		Merger:   consolidation.NewMerger(groupStore, gate, mergerCfg, log.Logger),
	}
}

// serve runs the HTTP control API with the background scheduler until a
// shutdown signal arrives.
func serve(ctx context.Context, store *gormdb.Store, cfg *config.Config, gate *grouping.RunGate, live worker.Runners) {
	dry := buildRunners(store, cfg, gate, true)

	schedulerCfg := consolidation.SchedulerConfig{
		GroupInterval: cfg.GroupInterval,
		MergeInterval: cfg.MergeInterval,
		LookbackDays:  cfg.LookbackDays,
	}
	scheduler := consolidation.NewScheduler(live.Pipeline, live.Merger, schedulerCfg, log.Logger)

	statsStore := gormdb.NewGroupStore(store, false)
	svc := worker.NewService(Version, cfg, live, &dry, scheduler, statsStore)
	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start service")
	}

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
}
