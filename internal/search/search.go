// Package search implements SearchService (C8): query embedding, k-NN
// lookup across the active/archive vector collections, per-session grouping,
// composite scoring, ranking, and preview construction, with an optional
// time-range filter over last_modified/created_at.
package search

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smartfork/smartfork/internal/registry"
	"github.com/smartfork/smartfork/internal/scoring"
	"github.com/smartfork/smartfork/internal/vectorstore"
)

// QueryEmbedder is the slice of embed.Service this package depends on,
// narrowed to an interface so Search can be exercised with a fake in tests
// without loading the ONNX model.
type QueryEmbedder interface {
	EmbedQuery(query string) ([]float32, error)
}

// Options configures a Service, mirroring config.SearchConfig.
type Options struct {
	DefaultTopN     int
	KChunks         int
	PreviewLength   int
	MaxRecencyBoost float64
	RecencyDecayDay float64
	CacheSize       int
}

// DefaultOptions mirrors config.Default().Search.
func DefaultOptions() Options {
	return Options{
		DefaultTopN:     5,
		KChunks:         200,
		PreviewLength:   280,
		MaxRecencyBoost: 0.2,
		RecencyDecayDay: 30,
		CacheSize:       128,
	}
}

// Hit is one matched chunk surfaced inside a Result, kept for callers that
// want chunk-level detail beyond the preview.
type Hit struct {
	ChunkID    string
	ChunkIndex int
	Content    string
	Similarity float32
	Metadata   map[string]any
}

// memoryKindsMetadataKey is the Record.Metadata key the indexer writes the
// comma-joined memory_kinds set under (metadata values must be scalar, see
// vectorstore's coercion contract).
const memoryKindsMetadataKey = "memory_kinds"

// Result is one ranked session returned by Search.
type Result struct {
	SessionID    string
	Score        scoring.Score
	Preview      string
	LastModified time.Time
	Project      string
	Hits         []Hit
}

// Query bundles a search request's parameters.
type Query struct {
	Text           string
	TopN           int                // 0 means Options.DefaultTopN
	Filter         vectorstore.Filter // metadata restriction on matched chunks, nil means none
	IncludeArchive bool
	TimeRange      string // time-range expression, empty means no filter
	StartOverride  *time.Time
	EndOverride    *time.Time
	Now            time.Time // zero means time.Now()
}

// Service is the public SearchService.
type Service struct {
	store       *vectorstore.Store
	registry    *registry.Registry
	embedder    QueryEmbedder
	sessionRoot string
	opts        Options

	mu    sync.Mutex
	cache map[string][]Result
	order []string
}

// New builds a Service over the given collaborators.
func New(store *vectorstore.Store, reg *registry.Registry, embedder QueryEmbedder, sessionRoot string, opts Options) *Service {
	if opts.DefaultTopN <= 0 {
		opts = DefaultOptions()
	}
	return &Service{
		store:       store,
		registry:    reg,
		embedder:    embedder,
		sessionRoot: sessionRoot,
		opts:        opts,
		cache:       make(map[string][]Result),
	}
}

// Search embeds the query, gathers the nearest chunks, groups them into
// sessions, scores and ranks the sessions, and attaches previews.
func (s *Service) Search(q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("search: empty query")
	}

	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	var timeRange *TimeRange
	filterActive := false
	if strings.TrimSpace(q.TimeRange) != "" || q.StartOverride != nil || q.EndOverride != nil {
		tr, err := ParseTimeRange(q.TimeRange, now, q.StartOverride, q.EndOverride)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		timeRange = &tr
		filterActive = true
	}

	topN := q.TopN
	if topN <= 0 {
		topN = s.opts.DefaultTopN
	}

	fingerprint := fingerprintOf(q, timeRange, topN)
	if cached, ok := s.cacheGet(fingerprint); ok {
		return cached, nil
	}

	queryVec, err := s.embedder.EmbedQuery(q.Text)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	k := s.opts.KChunks
	hits := s.store.Active.Query(queryVec, k, q.Filter)
	if q.IncludeArchive {
		hits = append(hits, s.store.Archive.Query(queryVec, k, q.Filter)...)
	}

	grouped := groupBySession(hits)

	var results []Result
	for sessionID, sessionHits := range grouped {
		meta := s.registry.Get(sessionID)

		lastModified := lastModifiedOf(meta)
		if filterActive && !timeRange.Contains(lastModified) {
			continue
		}

		totalChunks := len(sessionHits)
		if meta != nil && meta.ChunkCount > 0 {
			totalChunks = meta.ChunkCount
		}

		in := scoring.Input{
			Hits:         similaritiesOf(sessionHits),
			TotalChunks:  totalChunks,
			LastModified: lastModified,
			MemoryKinds:  memoryKindsOf(sessionHits),
			Now:          now,
			ChainQuality: scoring.DefaultChainQuality,
		}
		score := scoring.Calculate(sessionID, in)
		if filterActive {
			score.Final += RecencyBoost(lastModified, now, s.opts.MaxRecencyBoost, s.opts.RecencyDecayDay)
		}

		project := ""
		if meta != nil {
			project = meta.Project
		}

		results = append(results, Result{
			SessionID:    sessionID,
			Score:        score,
			Preview:      previewFromHits(sessionHits, s.opts.PreviewLength),
			LastModified: lastModified,
			Project:      project,
			Hits:         sessionHits,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score.Final > results[j].Score.Final })
	if topN < len(results) {
		results = results[:topN]
	}

	s.cachePut(fingerprint, results)
	return results, nil
}

func groupBySession(hits []vectorstore.QueryResult) map[string][]Hit {
	out := make(map[string][]Hit)
	for _, h := range hits {
		out[h.SessionID] = append(out[h.SessionID], Hit{
			ChunkID:    h.ChunkID,
			ChunkIndex: h.ChunkIndex,
			Content:    h.Content,
			Similarity: h.Similarity,
			Metadata:   h.Metadata,
		})
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].ChunkIndex < out[id][j].ChunkIndex })
	}
	return out
}

func similaritiesOf(hits []Hit) []float32 {
	out := make([]float32, len(hits))
	for i, h := range hits {
		out[i] = h.Similarity
	}
	return out
}

// memoryKindsOf unions the memory_kinds set read from each hit's metadata,
// written by the indexer as a comma-joined string (e.g. "PATTERN,WAITING").
func memoryKindsOf(hits []Hit) map[scoring.MemoryKind]bool {
	kinds := make(map[scoring.MemoryKind]bool)
	for _, h := range hits {
		raw, _ := h.Metadata[memoryKindsMetadataKey].(string)
		if raw == "" {
			continue
		}
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				kinds[scoring.MemoryKind(part)] = true
			}
		}
	}
	return kinds
}

// lastModifiedOf prefers the registry's LastModified, falling back to
// CreatedAt, then to zero ("no recency signal") when the session has no
// registry record yet.
func lastModifiedOf(meta *registry.Metadata) time.Time {
	if meta == nil {
		return time.Time{}
	}
	if !meta.LastModified.IsZero() {
		return meta.LastModified
	}
	return meta.CreatedAt
}

// previewFromHits takes the single highest-similarity hit's content, strips
// surrounding whitespace, and truncates on a word boundary.
func previewFromHits(hits []Hit, length int) string {
	if len(hits) == 0 {
		return ""
	}
	best := hits[0]
	for _, h := range hits[1:] {
		if h.Similarity > best.Similarity {
			best = h
		}
	}
	return truncateOnWordBoundary(strings.TrimSpace(best.Content), length)
}

func fingerprintOf(q Query, tr *TimeRange, topN int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%v|%t", q.Text, topN, q.IncludeArchive, tr != nil)
	if tr != nil {
		fmt.Fprintf(h, "|%d|%d", tr.Start.Unix(), tr.End.Unix())
	}
	if len(q.Filter) > 0 {
		keys := make([]string, 0, len(q.Filter))
		for k := range q.Filter {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "|%s=%v", k, q.Filter[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) cacheGet(fingerprint string) ([]Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[fingerprint]
	return v, ok
}

func (s *Service) cachePut(fingerprint string, results []Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cache[fingerprint]; !exists {
		s.order = append(s.order, fingerprint)
	}
	s.cache[fingerprint] = results

	limit := s.opts.CacheSize
	if limit <= 0 {
		limit = DefaultOptions().CacheSize
	}
	for len(s.order) > limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.cache, oldest)
	}
}

// InvalidateCache drops every cached result set; called by the indexer after
// a write so stale results are never served.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]Result)
	s.order = nil
}
