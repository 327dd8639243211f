package embed

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/smartfork/smartfork/internal/cache"
)

// BatchConfig bounds the adaptive batch sizing: batches are MinBatch texts
// under memory pressure and MaxBatch texts otherwise.
type BatchConfig struct {
	MinBatch     int
	MaxBatch     int
	MemThreshold uint64 // bytes of heap alloc above which batch size shrinks
}

// DefaultBatchConfig keeps the conservative inference batch size as the
// floor, scaling up to 32 texts per cycle when memory allows.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MinBatch: defaultBatchSize, MaxBatch: 32, MemThreshold: 512 * 1024 * 1024}
}

// Service layers cache-first lookup and adaptive batching over an Embedder.
type Service struct {
	embedder *Embedder
	cache    *cache.EmbeddingCache
	batch    BatchConfig
}

// NewService wraps an Embedder with an EmbeddingCache and batch policy.
func NewService(embedder *Embedder, ec *cache.EmbeddingCache, batch BatchConfig) *Service {
	if batch.MinBatch <= 0 {
		batch = DefaultBatchConfig()
	}
	return &Service{embedder: embedder, cache: ec, batch: batch}
}

// Embed returns unit-normalised vectors for texts, reusing the cache for any
// text previously embedded and writing back freshly computed vectors.
// Idempotent: the same text always yields the same bytes, served from cache
// after the first call.
func (s *Service) Embed(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	if s.cache != nil {
		cached, misses := s.cache.GetBatch(texts)
		for i, v := range cached {
			if v != nil {
				results[i] = v
			}
		}
		missIdx = misses
		for _, i := range misses {
			missTexts = append(missTexts, texts[i])
		}
	} else {
		for i := range texts {
			missIdx = append(missIdx, i)
		}
		missTexts = texts
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	computed, err := s.embedAdaptive(missTexts)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	for i, idx := range missIdx {
		results[idx] = computed[i]
	}
	if s.cache != nil {
		s.cache.PutBatch(missTexts, computed)
	}
	return results, nil
}

// EmbedQuery embeds a single query using the BGE query instruction prefix,
// going through the same cache as document embedding so repeated identical
// queries are free.
func (s *Service) EmbedQuery(query string) ([]float32, error) {
	vecs, err := s.Embed([]string{BGEQueryPrefix + query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embedAdaptive feeds the model in slices sized by current memory pressure,
// yielding between slices and releasing unused memory back to the OS only
// when the heap has grown past the configured threshold.
func (s *Service) embedAdaptive(texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); {
		size := s.nextBatchSize()
		end := i + size
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := s.embedder.embedBatch(texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w", i, end, err)
		}
		out = append(out, vecs...)
		i = end

		if i < len(texts) {
			runtime.Gosched()
			if s.memPressure() {
				debug.FreeOSMemory()
			}
			time.Sleep(time.Millisecond)
		}
	}
	return out, nil
}

// nextBatchSize samples current heap allocation and picks the batch size:
// MaxBatch below MemThreshold, MinBatch at or above it.
func (s *Service) nextBatchSize() int {
	if s.memPressure() {
		return s.batch.MinBatch
	}
	return s.batch.MaxBatch
}

func (s *Service) memPressure() bool {
	if s.batch.MemThreshold == 0 {
		return false
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc >= s.batch.MemThreshold
}

// Dim reports the embedding dimensionality.
func (s *Service) Dim() int { return EmbeddingDim }

// Close releases the underlying model resources.
func (s *Service) Close() { s.embedder.Close() }
