package gorm

import (
	"context"
	"testing"

	pgvec "github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/storygroup/pkg/models"
)

type sourceFixture struct {
	store  *Store
	gs     *GroupStore
	source *EmbeddingSource
}

func newSourceFixture(t *testing.T) *sourceFixture {
	t.Helper()
	store := newTestStore(t)
	gs := NewGroupStore(store, false)
	return &sourceFixture{
		store:  store,
		gs:     gs,
		source: NewEmbeddingSource(store, gs, 2, 10),
	}
}

func (f *sourceFixture) seedEmbedding(t *testing.T, storyID string, epoch int64, v ...float32) {
	t.Helper()
	require.NoError(t, f.store.DB.Create(&StoryEmbedding{
		StoryID:        storyID,
		Embedding:      pgvec.NewVector(v),
		CreatedAtEpoch: epoch,
	}).Error)
}

func (f *sourceFixture) seedMalformed(t *testing.T, storyID string, epoch int64) {
	t.Helper()
	require.NoError(t, f.store.DB.Exec(
		"INSERT INTO story_embeddings (story_id, embedding, content_hash, created_at, created_at_epoch) VALUES (?, ?, '', '2026-01-01T00:00:00Z', ?)",
		storyID, "not-a-vector", epoch).Error)
}

func (f *sourceFixture) collect(t *testing.T, q models.EmbeddingQuery) []string {
	t.Helper()
	var got []string
	err := f.source.StreamEmbeddings(context.Background(), q, func(batch []*models.Embedding) bool {
		for _, e := range batch {
			got = append(got, e.StoryID)
		}
		return true
	})
	require.NoError(t, err)
	return got
}

func TestStreamAllOldestFirst(t *testing.T) {
	f := newSourceFixture(t)
	f.seedEmbedding(t, "newest", 300, 1, 0)
	f.seedEmbedding(t, "oldest", 100, 1, 0)
	f.seedEmbedding(t, "middle", 200, 1, 0)

	got := f.collect(t, models.EmbeddingQuery{Mode: models.StreamAll, BatchSize: 2})
	assert.Equal(t, []string{"oldest", "middle", "newest"}, got)
}

func TestStreamBatchSizing(t *testing.T) {
	f := newSourceFixture(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		f.seedEmbedding(t, id, int64(100+i), 1, 0)
	}

	var sizes []int
	err := f.source.StreamEmbeddings(context.Background(),
		models.EmbeddingQuery{Mode: models.StreamAll, BatchSize: 2},
		func(batch []*models.Embedding) bool {
			sizes = append(sizes, len(batch))
			return true
		})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, sizes)
}

func TestStreamUngroupedExcludesActiveMembers(t *testing.T) {
	f := newSourceFixture(t)
	require.True(t, f.source.supportsAntiJoin)

	f.seedEmbedding(t, "grouped", 100, 1, 0)
	f.seedEmbedding(t, "free", 200, 0, 1)
	f.seedEmbedding(t, "was-grouped", 300, 1, 1)

	require.NoError(t, f.store.DB.Create(&StoryGroup{ID: "g-active", Status: "active", CreatedAtEpoch: 50, UpdatedAtEpoch: 50}).Error)
	require.NoError(t, f.store.DB.Create(&StoryGroup{ID: "g-archived", Status: "archived", CreatedAtEpoch: 50, UpdatedAtEpoch: 50}).Error)
	_, err := f.gs.AddMembersBatch(context.Background(), []*models.GroupMember{
		{GroupID: "g-active", StoryID: "grouped"},
		{GroupID: "g-archived", StoryID: "was-grouped"},
	})
	require.NoError(t, err)

	got := f.collect(t, models.EmbeddingQuery{Mode: models.StreamUngrouped, BatchSize: 10})
	// Membership in an archived group does not count as grouped.
	assert.Equal(t, []string{"free", "was-grouped"}, got)
}

func TestStreamDropsMalformedVectors(t *testing.T) {
	f := newSourceFixture(t)
	f.seedEmbedding(t, "ok1", 100, 1, 0)
	f.seedMalformed(t, "broken", 150)
	f.seedEmbedding(t, "ok2", 200, 0, 1)
	f.seedEmbedding(t, "wrong-dim", 250, 1, 0, 0)

	// Limit 2 must be satisfied by valid rows; dropped rows do not count.
	got := f.collect(t, models.EmbeddingQuery{Mode: models.StreamAll, BatchSize: 10, Limit: 2})
	assert.Equal(t, []string{"ok1", "ok2"}, got)
}

func TestStreamLimitHonored(t *testing.T) {
	f := newSourceFixture(t)
	for i, id := range []string{"a", "b", "c", "d"} {
		f.seedEmbedding(t, id, int64(100+i), 1, 0)
	}
	got := f.collect(t, models.EmbeddingQuery{Mode: models.StreamAll, BatchSize: 3, Limit: 3})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestStreamConsumerStops(t *testing.T) {
	f := newSourceFixture(t)
	for i, id := range []string{"a", "b", "c", "d"} {
		f.seedEmbedding(t, id, int64(100+i), 1, 0)
	}

	calls := 0
	err := f.source.StreamEmbeddings(context.Background(),
		models.EmbeddingQuery{Mode: models.StreamAll, BatchSize: 2},
		func(batch []*models.Embedding) bool {
			calls++
			return false
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestStreamFallbackScansNewestFirst(t *testing.T) {
	f := newSourceFixture(t)
	f.source.supportsAntiJoin = false

	f.seedEmbedding(t, "grouped", 100, 1, 0)
	f.seedEmbedding(t, "older-free", 200, 0, 1)
	f.seedEmbedding(t, "newer-free", 300, 1, 1)

	require.NoError(t, f.store.DB.Create(&StoryGroup{ID: "g1", Status: "active", CreatedAtEpoch: 50, UpdatedAtEpoch: 50}).Error)
	_, err := f.gs.AddMembersBatch(context.Background(), []*models.GroupMember{{GroupID: "g1", StoryID: "grouped"}})
	require.NoError(t, err)

	got := f.collect(t, models.EmbeddingQuery{Mode: models.StreamUngrouped, BatchSize: 10})
	assert.Equal(t, []string{"newer-free", "older-free"}, got)
}

func TestStreamFallbackBatchCeiling(t *testing.T) {
	f := newSourceFixture(t)
	f.source.supportsAntiJoin = false
	f.source.maxScanBatches = 1

	// Page size 2, one batch allowed: only the two newest rows get scanned.
	for i, id := range []string{"a", "b", "c", "d"} {
		f.seedEmbedding(t, id, int64(100+i), 1, 0)
	}

	got := f.collect(t, models.EmbeddingQuery{Mode: models.StreamUngrouped, BatchSize: 10})
	assert.Equal(t, []string{"d", "c"}, got)
}

func TestStreamRejectsBadQuery(t *testing.T) {
	f := newSourceFixture(t)
	err := f.source.StreamEmbeddings(context.Background(),
		models.EmbeddingQuery{Mode: models.StreamAll, BatchSize: 0},
		func([]*models.Embedding) bool { return true })
	assert.Error(t, err)

	err = f.source.StreamEmbeddings(context.Background(),
		models.EmbeddingQuery{Mode: "sideways", BatchSize: 10},
		func([]*models.Embedding) bool { return true })
	assert.Error(t, err)
}
