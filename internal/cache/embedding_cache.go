// Package cache provides content-addressed, persistent storage for
// embedding vectors so repeated text never needs to be re-embedded.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Stats tracks cache performance.
type Stats struct {
	Hits         int
	Misses       int
	TotalEntries int
}

// TotalRequests is Hits+Misses.
func (s Stats) TotalRequests() int { return s.Hits + s.Misses }

// HitRate is the hit percentage, 0 when there have been no requests.
func (s Stats) HitRate() float64 {
	if s.TotalRequests() == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.TotalRequests()) * 100
}

// EmbeddingCache is a single hash→vector map, persisted as one JSON file
// written atomically (write-temp-then-rename). Safe for concurrent use.
type EmbeddingCache struct {
	mu    sync.Mutex
	path  string
	store map[string][]float32
	stats Stats
}

// Open loads (or creates) the cache file at dir/cache.json.
func Open(dir string) (*EmbeddingCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: mkdir %s: %w", dir, err)
	}
	ec := &EmbeddingCache{
		path:  filepath.Join(dir, "cache.json"),
		store: make(map[string][]float32),
	}
	if err := ec.load(); err != nil {
		return nil, err
	}
	return ec, nil
}

func (c *EmbeddingCache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cache: read %s: %w", c.path, err)
	}
	var raw map[string][]float32
	if err := json.Unmarshal(data, &raw); err != nil {
		// Corrupt cache: start fresh rather than fail the whole process.
		c.store = make(map[string][]float32)
		return nil
	}
	c.store = raw
	c.stats.TotalEntries = len(raw)
	return nil
}

func hashOf(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for text, or nil if absent.
func (c *EmbeddingCache) Get(text string) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[hashOf(text)]
	if ok {
		c.stats.Hits++
		return v
	}
	c.stats.Misses++
	return nil
}

// GetBatch returns cached vectors (nil where missing) and the indices that
// missed, in the same order as texts.
func (c *EmbeddingCache) GetBatch(texts []string) ([][]float32, []int) {
	results := make([][]float32, len(texts))
	var misses []int
	for i, t := range texts {
		v := c.Get(t)
		results[i] = v
		if v == nil {
			misses = append(misses, i)
		}
	}
	return results, misses
}

// Put stores embedding for text if not already present.
func (c *EmbeddingCache) Put(text string, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := hashOf(text)
	if _, exists := c.store[h]; !exists {
		c.store[h] = embedding
		c.stats.TotalEntries = len(c.store)
	}
}

// PutBatch stores multiple embeddings; lengths must match.
func (c *EmbeddingCache) PutBatch(texts []string, embeddings [][]float32) {
	if len(texts) != len(embeddings) {
		return
	}
	for i, t := range texts {
		c.Put(t, embeddings[i])
	}
}

// Flush persists the in-memory cache to disk via write-temp-then-rename.
func (c *EmbeddingCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *EmbeddingCache) saveLocked() error {
	data, err := json.Marshal(c.store)
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: write temp: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: rename: %w", err)
	}
	return nil
}

// Clear removes all entries and persists the empty cache.
func (c *EmbeddingCache) Clear() error {
	c.mu.Lock()
	c.store = make(map[string][]float32)
	c.stats.TotalEntries = 0
	err := c.saveLocked()
	c.mu.Unlock()
	return err
}

// Size returns the current number of cached entries.
func (c *EmbeddingCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// GetStats returns a snapshot of cache statistics.
func (c *EmbeddingCache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalEntries = len(c.store)
	return c.stats
}
