package search

import (
	"strings"
	"testing"
	"time"

	"github.com/smartfork/smartfork/internal/registry"
	"github.com/smartfork/smartfork/internal/vectorstore"
)

// fakeEmbedder returns a fixed vector regardless of query text, letting
// tests control relevance purely through the records inserted into the
// vector store.
type fakeEmbedder struct{ vec []float32 }

func (f fakeEmbedder) EmbedQuery(string) ([]float32, error) { return f.vec, nil }

func newTestService(t *testing.T) (*Service, *vectorstore.Store, *registry.Registry) {
	t.Helper()
	store, err := vectorstore.Open(t.TempDir(), 16, 200, 50)
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	reg, err := registry.Open(t.TempDir()+"/registry.json", nil)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	svc := New(store, reg, fakeEmbedder{vec: []float32{1, 0, 0}}, t.TempDir(), DefaultOptions())
	return svc, store, reg
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Search(Query{Text: "   "}); err == nil {
		t.Fatal("expected error for blank query")
	}
}

func TestSearchRanksByRelevance(t *testing.T) {
	svc, store, reg := newTestService(t)
	now := time.Now()

	store.Active.Add([]vectorstore.Record{
		{ChunkID: "sA_0", SessionID: "sA", ChunkIndex: 0, Embedding: []float32{1, 0, 0}, Content: "closely matching content about the query"},
		{ChunkID: "sB_0", SessionID: "sB", ChunkIndex: 0, Embedding: []float32{0, 1, 0}, Content: "unrelated content"},
	})
	reg.Upsert(registry.Metadata{SessionID: "sA", LastModified: now, ChunkCount: 1})
	reg.Upsert(registry.Metadata{SessionID: "sB", LastModified: now, ChunkCount: 1})

	results, err := svc.Search(Query{Text: "query", Now: now})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].SessionID != "sA" {
		t.Errorf("top result = %s, want sA", results[0].SessionID)
	}
	if results[0].Score.Final < results[1].Score.Final {
		t.Errorf("results not sorted descending: %+v", results)
	}
}

func TestSearchPreviewTruncatesOnWordBoundary(t *testing.T) {
	svc, store, reg := newTestService(t)
	now := time.Now()

	long := strings.Repeat("word ", 200)
	store.Active.Add([]vectorstore.Record{
		{ChunkID: "s1_0", SessionID: "s1", ChunkIndex: 0, Embedding: []float32{1, 0, 0}, Content: long},
	})
	reg.Upsert(registry.Metadata{SessionID: "s1", LastModified: now, ChunkCount: 1})

	results, err := svc.Search(Query{Text: "q", Now: now})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if !strings.HasSuffix(results[0].Preview, "…") {
		t.Errorf("expected truncated preview to end with ellipsis, got %q", results[0].Preview)
	}
	if len(results[0].Preview) > svc.opts.PreviewLength+len("…") {
		t.Errorf("preview too long: %d bytes", len(results[0].Preview))
	}
}

func TestSearchMetadataFilterRestrictsSessions(t *testing.T) {
	svc, store, reg := newTestService(t)
	now := time.Now()

	store.Active.Add([]vectorstore.Record{
		{ChunkID: "p1_0", SessionID: "p1", ChunkIndex: 0, Embedding: []float32{1, 0, 0}, Content: "api work",
			Metadata: map[string]any{"project": "api"}},
		{ChunkID: "p2_0", SessionID: "p2", ChunkIndex: 0, Embedding: []float32{1, 0, 0}, Content: "web work",
			Metadata: map[string]any{"project": "web"}},
	})
	reg.Upsert(registry.Metadata{SessionID: "p1", Project: "api", LastModified: now, ChunkCount: 1})
	reg.Upsert(registry.Metadata{SessionID: "p2", Project: "web", LastModified: now, ChunkCount: 1})

	results, err := svc.Search(Query{Text: "q", Filter: vectorstore.Filter{"project": "api"}, Now: now})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].SessionID != "p1" {
		t.Fatalf("expected only the api project session, got %+v", results)
	}

	// A filtered query must not be served from an unfiltered query's cache.
	unfiltered, err := svc.Search(Query{Text: "q", Now: now})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(unfiltered) != 2 {
		t.Errorf("unfiltered search returned %d sessions, want 2", len(unfiltered))
	}
}

func TestSearchTimeFilterExcludesOutOfRangeSessions(t *testing.T) {
	svc, store, reg := newTestService(t)
	now := time.Now()

	store.Active.Add([]vectorstore.Record{
		{ChunkID: "recent_0", SessionID: "recent", ChunkIndex: 0, Embedding: []float32{1, 0, 0}, Content: "recent session content"},
		{ChunkID: "old_0", SessionID: "old", ChunkIndex: 0, Embedding: []float32{1, 0, 0}, Content: "old session content"},
	})
	reg.Upsert(registry.Metadata{SessionID: "recent", LastModified: now, ChunkCount: 1})
	reg.Upsert(registry.Metadata{SessionID: "old", LastModified: now.Add(-90 * 24 * time.Hour), ChunkCount: 1})

	results, err := svc.Search(Query{Text: "q", TimeRange: "this_week", Now: now})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.SessionID == "old" {
			t.Errorf("expected old session to be excluded by this_week filter")
		}
	}
}

func TestSearchResultCacheHit(t *testing.T) {
	svc, store, reg := newTestService(t)
	now := time.Now()

	store.Active.Add([]vectorstore.Record{
		{ChunkID: "s1_0", SessionID: "s1", ChunkIndex: 0, Embedding: []float32{1, 0, 0}, Content: "hello"},
	})
	reg.Upsert(registry.Metadata{SessionID: "s1", LastModified: now, ChunkCount: 1})

	first, err := svc.Search(Query{Text: "q", Now: now})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	store.Active.Add([]vectorstore.Record{
		{ChunkID: "s2_0", SessionID: "s2", ChunkIndex: 0, Embedding: []float32{1, 0, 0}, Content: "world"},
	})

	second, err := svc.Search(Query{Text: "q", Now: now})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(second) != len(first) {
		t.Errorf("expected cached result set, got len=%d want %d", len(second), len(first))
	}

	svc.InvalidateCache()
	third, err := svc.Search(Query{Text: "q", Now: now})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(third) != 2 {
		t.Errorf("expected fresh results after invalidate, got %d", len(third))
	}
}

func TestSearchUpsertReindexPreservesCreatedAt(t *testing.T) {
	svc, store, reg := newTestService(t)
	now := time.Now()

	store.Active.Add([]vectorstore.Record{
		{ChunkID: "s1_0", SessionID: "s1", ChunkIndex: 0, Embedding: []float32{1, 0, 0}, Content: "hello"},
	})
	created := now.Add(-48 * time.Hour)
	if err := reg.Upsert(registry.Metadata{SessionID: "s1", CreatedAt: created, LastModified: now, ChunkCount: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := reg.Upsert(registry.Metadata{SessionID: "s1", LastModified: now.Add(time.Hour), ChunkCount: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got := reg.Get("s1")
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt clobbered by reindex: got %v, want %v", got.CreatedAt, created)
	}

	svc.InvalidateCache()
	results, err := svc.Search(Query{Text: "q", Now: now})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].SessionID != "s1" {
		t.Fatalf("unexpected results: %+v", results)
	}
}
