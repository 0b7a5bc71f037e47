package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/storygroup/internal/config"
	"github.com/thebtf/storygroup/internal/consolidation"
	"github.com/thebtf/storygroup/internal/grouping"
	"github.com/thebtf/storygroup/pkg/models"
)

// stubStore satisfies both the pipeline's and the merger's store interfaces
// with canned data.
type stubStore struct {
	dryRun     bool
	active     []*models.Group
	stats      *models.GroupStats
	statsErr   error
	created    int
	cleared    int
	archivedID []string
}

func (s *stubStore) CreateGroup(_ context.Context, _ *models.Group) error {
	s.created++
	return nil
}

func (s *stubStore) UpdateGroup(_ context.Context, _ string, _ models.GroupUpdate) error {
	return nil
}

func (s *stubStore) AddMembersBatch(_ context.Context, members []*models.GroupMember) (int, error) {
	return len(members), nil
}

func (s *stubStore) GetActiveGroups(_ context.Context, _ int) ([]*models.Group, error) {
	return s.active, nil
}

func (s *stubStore) ClearAllGroups(_ context.Context) (int64, error) {
	s.cleared++
	return 0, nil
}

func (s *stubStore) ClearAllMemberships(_ context.Context) (int64, error) {
	return 0, nil
}

func (s *stubStore) GetGroupMembers(_ context.Context, _ string) ([]*models.GroupMember, error) {
	return nil, nil
}

func (s *stubStore) DeleteGroupMembers(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (s *stubStore) ArchiveGroup(_ context.Context, id string) error {
	s.archivedID = append(s.archivedID, id)
	return nil
}

func (s *stubStore) DryRun() bool { return s.dryRun }

func (s *stubStore) GetGroupStats(_ context.Context) (*models.GroupStats, error) {
	return s.stats, s.statsErr
}

// stubSource yields one fixed batch of embeddings.
type stubSource struct {
	batch []*models.Embedding
}

func (s *stubSource) StreamEmbeddings(_ context.Context, _ models.EmbeddingQuery, fn func([]*models.Embedding) bool) error {
	if len(s.batch) > 0 {
		fn(s.batch)
	}
	return nil
}

type HandlersTestSuite struct {
	suite.Suite
	store *stubStore
	gate  *grouping.RunGate
	svc   *Service
}

func (s *HandlersTestSuite) SetupTest() {
	s.store = &stubStore{stats: &models.GroupStats{TotalGroups: 3, TotalStories: 9}}
	s.gate = grouping.NewRunGate()

	source := &stubSource{batch: []*models.Embedding{
		{StoryID: "s1", Vector: []float32{1, 0}, CreatedAtEpoch: 100},
		{StoryID: "s2", Vector: []float32{0, 1}, CreatedAtEpoch: 200},
	}}

	cfg := config.Default()
	live := Runners{
		Pipeline: grouping.NewPipeline(s.store, source, s.gate, 0.80, 200, zerolog.Nop()),
		Merger:   consolidation.NewMerger(s.store, s.gate, consolidation.DefaultMergerConfig(), zerolog.Nop()),
	}
	dryStore := &stubStore{dryRun: true}
	dry := &Runners{
		Pipeline: grouping.NewPipeline(dryStore, source, s.gate, 0.80, 200, zerolog.Nop()),
		Merger:   consolidation.NewMerger(dryStore, s.gate, consolidation.DefaultMergerConfig(), zerolog.Nop()),
	}
	s.svc = NewService("test", cfg, live, dry, nil, s.store)
}

func (s *HandlersTestSuite) request(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.svc.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlersTestSuite) TestHealth() {
	rec := s.request(http.MethodGet, "/health")
	s.Equal(http.StatusOK, rec.Code)

	var body map[string]interface{}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal("ok", body["status"])
	s.Equal("test", body["version"])
}

func (s *HandlersTestSuite) TestStats() {
	rec := s.request(http.MethodGet, "/api/stats")
	s.Equal(http.StatusOK, rec.Code)

	var stats models.GroupStats
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &stats))
	s.Equal(3, stats.TotalGroups)
	s.Equal(9, stats.TotalStories)
}

func (s *HandlersTestSuite) TestGroupRun() {
	rec := s.request(http.MethodPost, "/api/group?lookback_days=7")
	s.Equal(http.StatusOK, rec.Code)

	var result models.RunResult
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &result))
	s.Equal(2, result.ItemsProcessed)
	s.Equal(2, result.GroupsCreated)
	s.False(result.DryRun)
	s.Equal(2, s.store.created)
}

func (s *HandlersTestSuite) TestGroupRunDry() {
	rec := s.request(http.MethodPost, "/api/group?dry_run=true")
	s.Equal(http.StatusOK, rec.Code)

	var result models.RunResult
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &result))
	s.True(result.DryRun)
	// The live store must stay untouched.
	s.Equal(0, s.store.created)
}

func (s *HandlersTestSuite) TestDryRunUnconfigured() {
	s.svc.dry = nil
	rec := s.request(http.MethodPost, "/api/group?dry_run=true")
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlersTestSuite) TestMergeRun() {
	s.store.active = []*models.Group{
		{ID: "a", Centroid: []float32{1, 0}, MemberCount: 3, Status: models.GroupStatusActive, CreatedAtEpoch: 10},
		{ID: "b", Centroid: []float32{0.99, 0.05}, MemberCount: 1, Status: models.GroupStatusActive, CreatedAtEpoch: 20},
	}
	rec := s.request(http.MethodPost, "/api/merge")
	s.Equal(http.StatusOK, rec.Code)

	var result models.MergeResult
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &result))
	s.Equal(2, result.GroupsConsidered)
	s.Equal(1, result.ComponentsFound)
	s.ElementsMatch([]string{"b"}, s.store.archivedID)
}

func (s *HandlersTestSuite) TestRunConflict() {
	s.Require().NoError(s.gate.TryAcquire())
	defer s.gate.Release()

	rec := s.request(http.MethodPost, "/api/group")
	s.Equal(http.StatusConflict, rec.Code)

	rec = s.request(http.MethodPost, "/api/merge")
	s.Equal(http.StatusConflict, rec.Code)
}

func (s *HandlersTestSuite) TestRegroupClearsStore() {
	rec := s.request(http.MethodPost, "/api/group?regroup=true")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(1, s.store.cleared)
}

func (s *HandlersTestSuite) TestTriggerRateLimit() {
	limited := false
	for i := 0; i < TriggerBurst+2; i++ {
		rec := s.request(http.MethodPost, "/api/group")
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	s.True(limited)
	// Read-only endpoints are never limited.
	s.Equal(http.StatusOK, s.request(http.MethodGet, "/health").Code)
}

func TestHandlersTestSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}

func TestQueryParamParsing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?a=12&b=junk&c=true&d=notabool", nil)
	if got := queryInt(req, "a", 5); got != 12 {
		t.Fatalf("queryInt(a) = %d", got)
	}
	if got := queryInt(req, "b", 5); got != 5 {
		t.Fatalf("queryInt(b) = %d", got)
	}
	if got := queryInt(req, "missing", 7); got != 7 {
		t.Fatalf("queryInt(missing) = %d", got)
	}
	if !queryBool(req, "c") {
		t.Fatal("queryBool(c) = false")
	}
	if queryBool(req, "d") || queryBool(req, "missing") {
		t.Fatal("queryBool should be false for junk and missing")
	}
}
