// Package vectorstore wraps two named HNSW collections ("active" and
// "archive") with the chunk-record schema, metadata filtering, and
// per-session bulk delete. The HNSW graph only supports sequential insert,
// so delete is a tombstone skipped at query time, reclaimed by a full
// rebuild when a reopened collection carries too many dead nodes.
package vectorstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/smartfork/smartfork/internal/hnsw"
)

// Record is one chunk as stored in a collection.
type Record struct {
	ChunkID    string
	SessionID  string
	ChunkIndex int
	Embedding  []float32
	Content    string
	Metadata   map[string]any
}

// QueryResult is one hit from Query, with similarity in (0,1].
type QueryResult struct {
	Record
	Similarity float32
}

// Filter restricts Query results to records whose Metadata contains every
// key/value pair. A nil or empty Filter matches everything.
type Filter map[string]any

func (f Filter) matches(meta map[string]any) bool {
	for k, v := range f {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// compactThreshold is the dead-fraction above which a collection rebuilds its
// graph on next Open.
const compactThreshold = 0.2

// Collection is one named ANN index plus its chunk records.
type Collection struct {
	mu          sync.RWMutex
	graph       *hnsw.Graph
	records     []*Record         // parallel to graph node ids; nil slot = tombstoned/never used
	byID        map[string]uint32 // chunk_id -> graph node id
	m, efc, efs int
}

func newCollection(m, efConstruction, efSearch int) *Collection {
	return &Collection{
		graph: hnsw.New(m, efConstruction, efSearch),
		byID:  make(map[string]uint32),
		m:     m, efc: efConstruction, efs: efSearch,
	}
}

// Add inserts or overwrites records by chunk_id. Overwriting an existing id
// tombstones the old node and inserts a fresh one (the HNSW graph has no
// in-place vector update).
func (c *Collection) Add(records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range records {
		if r.ChunkID == "" {
			return fmt.Errorf("vectorstore: empty chunk_id")
		}
		if len(r.Embedding) == 0 {
			return fmt.Errorf("vectorstore: empty embedding for %s", r.ChunkID)
		}
		if old, ok := c.byID[r.ChunkID]; ok {
			c.graph.Delete(old)
			c.records[old] = nil
		}
		rec := r
		rec.Metadata = coerceMetadata(r.Metadata)
		c.graph.Insert(rec.Embedding)
		id := uint32(c.graph.Len() - 1)
		c.ensureSlot(id)
		c.records[id] = &rec
		c.byID[r.ChunkID] = id
	}
	return nil
}

func (c *Collection) ensureSlot(id uint32) {
	for uint32(len(c.records)) <= id {
		c.records = append(c.records, nil)
	}
}

// Query returns the k nearest records to vec, optionally restricted by
// filter, with similarity = 1/(1+distance) translated from the graph's dot
// product (cosine similarity in [-1,1] for normalised vectors; distance is
// reconstructed as 1-score so identical vectors report similarity 1).
func (c *Collection) Query(vec []float32, k int, filter Filter) []QueryResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if k <= 0 || c.graph.Len() == 0 {
		return nil
	}

	// Widen the search pool when filtering so post-filter results still
	// approach k; the graph itself knows nothing about metadata.
	searchK := k
	if len(filter) > 0 {
		searchK = k * 4
		if searchK > c.graph.Len() {
			searchK = c.graph.Len()
		}
	}

	hits := c.graph.Search(vec, searchK)
	out := make([]QueryResult, 0, k)
	for _, h := range hits {
		if int(h.ID) >= len(c.records) || c.records[h.ID] == nil {
			continue
		}
		rec := c.records[h.ID]
		if !filter.matches(rec.Metadata) {
			continue
		}
		distance := 1 - float64(h.Score)
		if distance < 0 {
			distance = 0
		}
		similarity := float32(1 / (1 + distance))
		out = append(out, QueryResult{Record: *rec, Similarity: similarity})
		if len(out) == k {
			break
		}
	}
	return out
}

// DeleteBySession tombstones every record belonging to sessionID and returns
// the count removed.
func (c *Collection) DeleteBySession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for chunkID, id := range c.byID {
		rec := c.records[id]
		if rec == nil || rec.SessionID != sessionID {
			continue
		}
		c.graph.Delete(id)
		c.records[id] = nil
		delete(c.byID, chunkID)
		n++
	}
	return n
}

// GetBySession returns every live record for sessionID, ordered by
// ChunkIndex.
func (c *Collection) GetBySession(sessionID string) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Record
	for _, rec := range c.records {
		if rec != nil && rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

// GetByID returns a single record, or ok=false if unknown or deleted.
func (c *Collection) GetByID(chunkID string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byID[chunkID]
	if !ok || c.records[id] == nil {
		return Record{}, false
	}
	return *c.records[id], true
}

// Count returns the number of live records.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// Reset discards every record and rebuilds an empty graph.
func (c *Collection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graph = hnsw.New(c.m, c.efc, c.efs)
	c.records = nil
	c.byID = make(map[string]uint32)
}

// deadFraction exposes the underlying graph's tombstone ratio so Store.Open
// can decide whether to compact.
func (c *Collection) deadFraction() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graph.DeadFraction()
}

// compact rebuilds the graph from only the live records, discarding
// tombstones. Called when a reopened collection exceeds compactThreshold
// dead fraction.
func (c *Collection) compact() {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := make([]*Record, 0, len(c.byID))
	for _, rec := range c.records {
		if rec != nil {
			live = append(live, rec)
		}
	}

	fresh := hnsw.New(c.m, c.efc, c.efs)
	newRecords := make([]*Record, 0, len(live))
	newByID := make(map[string]uint32, len(live))
	for _, rec := range live {
		fresh.Insert(rec.Embedding)
		id := uint32(fresh.Len() - 1)
		newRecords = append(newRecords, rec)
		newByID[rec.ChunkID] = id
	}

	c.graph = fresh
	c.records = newRecords
	c.byID = newByID
}

// coerceMetadata forces metadata values to scalars: nil becomes "", anything
// that isn't string/int/float/bool is stringified.
func coerceMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch v.(type) {
		case nil:
			out[k] = ""
		case string, int, int64, float32, float64, bool:
			out[k] = v
		default:
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
