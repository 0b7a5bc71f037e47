// Package gorm provides GORM-based database operations for storygroup.
package gorm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/thebtf/storygroup/pkg/models"
)

// antiJoinFilter excludes stories that already hold an active membership,
// server-side.
const antiJoinFilter = `NOT EXISTS (
	SELECT 1 FROM story_group_members m
	JOIN story_groups g ON g.id = m.group_id
	WHERE m.story_id = story_embeddings.story_id AND g.status = 'active'
)`

// EmbeddingSource is a paginated, time-windowed supplier of embeddings.
// Each stream call re-queries from the start; streams are finite and not
// restartable mid-flight.
//
// The preferred "ungrouped" path filters server-side with an anti-join.
// Whether that path is available is probed once at construction; when it is
// not, a bounded client-side scan-and-filter fallback is used instead.
type EmbeddingSource struct {
	db               *gorm.DB
	groupStore       *GroupStore
	pageSize         int
	maxScanBatches   int
	supportsAntiJoin bool
}

// NewEmbeddingSource creates an embedding source over the store. The
// anti-join capability is decided here, once, not per error.
func NewEmbeddingSource(store *Store, groupStore *GroupStore, pageSize, maxScanBatches int) *EmbeddingSource {
	if pageSize <= 0 {
		pageSize = 1000
	}
	if maxScanBatches <= 0 {
		maxScanBatches = 50
	}

	s := &EmbeddingSource{
		db:             store.DB,
		groupStore:     groupStore,
		pageSize:       pageSize,
		maxScanBatches: maxScanBatches,
	}
	s.supportsAntiJoin = s.probeAntiJoin()
	if !s.supportsAntiJoin {
		log.Warn().Msg("Server-side ungrouped filter unavailable; using bounded scan-and-filter fallback")
	}
	return s
}

// probeAntiJoin checks whether the backend accepts the anti-join query.
func (s *EmbeddingSource) probeAntiJoin() bool {
	var rows []embeddingRow
	err := s.db.Table("story_embeddings").
		Select("story_id, embedding, content_hash, created_at_epoch").
		Where(antiJoinFilter).
		Limit(1).
		Find(&rows).Error
	return err == nil
}

// embeddingRow is the raw scan target. The embedding is read as text so that
// a single malformed value can be dropped without failing the whole page.
type embeddingRow struct {
	StoryID        string
	Embedding      string
	ContentHash    string
	CreatedAtEpoch int64
}

// StreamEmbeddings pages embeddings out of the store and yields them to fn
// in batches of q.BatchSize. fn returns false to stop early. Malformed
// vectors are dropped, logged, and do not count toward q.Limit.
//
// Ordering: oldest-first for StreamAll and the preferred ungrouped path;
// newest-first for the fallback ungrouped scan.
func (s *EmbeddingSource) StreamEmbeddings(ctx context.Context, q models.EmbeddingQuery, fn func([]*models.Embedding) bool) error {
	if q.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", q.BatchSize)
	}
	if q.Mode != models.StreamUngrouped && q.Mode != models.StreamAll {
		return fmt.Errorf("unknown stream mode %q", q.Mode)
	}

	if q.Mode == models.StreamUngrouped && !s.supportsAntiJoin {
		return s.streamFallback(ctx, q, fn)
	}
	return s.streamForward(ctx, q, fn)
}

// streamForward serves StreamAll and the server-filtered ungrouped mode,
// oldest-first with a keyset cursor.
func (s *EmbeddingSource) streamForward(ctx context.Context, q models.EmbeddingQuery, fn func([]*models.Embedding) bool) error {
	cutoff := lookbackCutoff(q.LookbackDays)
	yielder := newBatchYielder(q.BatchSize, q.Limit, fn)

	var lastEpoch int64
	lastID := ""
	for {
		var page []embeddingRow
		err := withReadRetry(ctx, "stream_embeddings", func() error {
			query := s.db.WithContext(ctx).Table("story_embeddings").
				Select("story_id, embedding, content_hash, created_at_epoch").
				Where("created_at_epoch >= ?", cutoff).
				Where("(created_at_epoch > ? OR (created_at_epoch = ? AND story_id > ?))",
					lastEpoch, lastEpoch, lastID).
				Order("created_at_epoch ASC, story_id ASC").
				Limit(s.pageSize)
			if q.Mode == models.StreamUngrouped {
				query = query.Where(antiJoinFilter)
			}
			return query.Find(&page).Error
		})
		if err != nil {
			return fmt.Errorf("fetch embedding page: %w", err)
		}
		if len(page) == 0 {
			break
		}
		lastEpoch = page[len(page)-1].CreatedAtEpoch
		lastID = page[len(page)-1].StoryID

		if done := yielder.addPage(page, nil); done {
			return nil
		}
		if len(page) < s.pageSize {
			break
		}
	}
	yielder.flush()
	return nil
}

// streamFallback is the best-effort client-side path: load the grouped
// story-id set (itself paginated and capped), then scan embedding pages
// newest-first, filtering locally. It may return fewer than q.Limit
// ungrouped items even if more exist.
func (s *EmbeddingSource) streamFallback(ctx context.Context, q models.EmbeddingQuery, fn func([]*models.Embedding) bool) error {
	grouped, capped, err := s.groupStore.GetGroupedStoryIDs(ctx, s.maxScanBatches)
	if err != nil {
		return fmt.Errorf("load grouped ids for fallback: %w", err)
	}
	if capped {
		log.Warn().Msg("Fallback grouped-id set is incomplete; some grouped stories may be re-yielded")
	}

	cutoff := lookbackCutoff(q.LookbackDays)
	yielder := newBatchYielder(q.BatchSize, q.Limit, fn)

	first := true
	var lastEpoch int64
	lastID := ""
	for batch := 0; batch < s.maxScanBatches; batch++ {
		var page []embeddingRow
		err := withReadRetry(ctx, "stream_embeddings_fallback", func() error {
			query := s.db.WithContext(ctx).Table("story_embeddings").
				Select("story_id, embedding, content_hash, created_at_epoch").
				Where("created_at_epoch >= ?", cutoff).
				Order("created_at_epoch DESC, story_id DESC").
				Limit(s.pageSize)
			if !first {
				query = query.Where("(created_at_epoch < ? OR (created_at_epoch = ? AND story_id < ?))",
					lastEpoch, lastEpoch, lastID)
			}
			return query.Find(&page).Error
		})
		if err != nil {
			return fmt.Errorf("fetch fallback page: %w", err)
		}
		if len(page) == 0 {
			yielder.flush()
			return nil
		}
		first = false
		lastEpoch = page[len(page)-1].CreatedAtEpoch
		lastID = page[len(page)-1].StoryID

		if done := yielder.addPage(page, grouped); done {
			return nil
		}
		if len(page) < s.pageSize {
			yielder.flush()
			return nil
		}
	}

	log.Warn().Int("max_batches", s.maxScanBatches).
		Msg("Fallback scan hit its batch ceiling; returning partial results")
	yielder.flush()
	return nil
}

// batchYielder accumulates parsed embeddings into caller-sized batches,
// enforcing the item limit and a consistent vector dimension.
type batchYielder struct {
	fn        func([]*models.Embedding) bool
	buf       []*models.Embedding
	batchSize int
	limit     int
	yielded   int
	dim       int
	stopped   bool
}

func newBatchYielder(batchSize, limit int, fn func([]*models.Embedding) bool) *batchYielder {
	return &batchYielder{
		fn:        fn,
		buf:       make([]*models.Embedding, 0, batchSize),
		batchSize: batchSize,
		limit:     limit,
	}
}

// addPage parses and filters one page of rows. Returns true when the stream
// is finished (limit reached or consumer stopped).
func (y *batchYielder) addPage(page []embeddingRow, exclude map[string]struct{}) bool {
	for i := range page {
		row := &page[i]
		if exclude != nil {
			if _, ok := exclude[row.StoryID]; ok {
				continue
			}
		}

		vec, err := parseVector(row.Embedding)
		if err != nil {
			log.Warn().Err(err).Str("story_id", row.StoryID).Msg("Dropping embedding with malformed vector")
			continue
		}
		if y.dim == 0 {
			y.dim = len(vec)
		} else if len(vec) != y.dim {
			log.Warn().Str("story_id", row.StoryID).Int("dim", len(vec)).Int("expected", y.dim).
				Msg("Dropping embedding with mismatched dimension")
			continue
		}

		y.buf = append(y.buf, &models.Embedding{
			StoryID:        row.StoryID,
			ContentHash:    row.ContentHash,
			Vector:         vec,
			CreatedAtEpoch: row.CreatedAtEpoch,
		})
		y.yielded++

		if len(y.buf) >= y.batchSize {
			if !y.emit() {
				return true
			}
		}
		if y.limit > 0 && y.yielded >= y.limit {
			y.flush()
			return true
		}
	}
	return y.stopped
}

func (y *batchYielder) emit() bool {
	if len(y.buf) == 0 {
		return !y.stopped
	}
	batch := y.buf
	y.buf = make([]*models.Embedding, 0, y.batchSize)
	if !y.fn(batch) {
		y.stopped = true
		return false
	}
	return true
}

// flush emits any buffered remainder.
func (y *batchYielder) flush() {
	if !y.stopped {
		y.emit()
	}
}

// parseVector parses the text encoding "[0.1,0.2,...]" into a float32 slice.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("not a vector literal: %.32q", s)
	}
	body := s[1 : len(s)-1]
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("empty vector")
	}

	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// lookbackCutoff converts a lookback window to an epoch-millisecond floor.
// A non-positive window disables the cutoff.
func lookbackCutoff(days int) int64 {
	if days <= 0 {
		return 0
	}
	return time.Now().AddDate(0, 0, -days).UnixMilli()
}
