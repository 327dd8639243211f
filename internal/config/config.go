// Package config loads .smartfork.toml: an optional file decoded and merged
// over a struct literal of defaults, so a missing or partial file always
// yields a complete configuration.
package config

import (
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/pelletier/go-toml/v2"
)

// Config is the full set of knobs for a smartfork core instance.
type Config struct {
	ModelDir string `toml:"model-dir"`
	OrtLib   string `toml:"ort-lib"`
	Threads  int    `toml:"threads"`

	StorageRoot string `toml:"storage-root"`
	SessionRoot string `toml:"session-root"`

	Chunk ChunkConfig `toml:"chunk"`
	Batch BatchConfig `toml:"batch"`

	Indexer IndexerConfig `toml:"indexer"`
	Setup   SetupConfig   `toml:"setup"`
	Archive ArchiveConfig `toml:"archive"`
	Search  SearchConfig  `toml:"search"`
	HNSW    HNSWConfig    `toml:"hnsw"`
}

// ChunkConfig mirrors chunker.Options.
type ChunkConfig struct {
	TargetTokens  int `toml:"target-tokens"`
	MaxTokens     int `toml:"max-tokens"`
	OverlapTokens int `toml:"overlap-tokens"`
}

// BatchConfig mirrors embed.BatchConfig.
type BatchConfig struct {
	MinBatch     int   `toml:"min-batch"`
	MaxBatch     int   `toml:"max-batch"`
	MemThreshold int64 `toml:"mem-threshold-bytes"`
}

// IndexerConfig mirrors indexer.Options.
type IndexerConfig struct {
	Workers          int `toml:"workers"`
	DebounceSeconds  int `toml:"debounce-seconds"`
	CheckpointMinNew int `toml:"checkpoint-interval"`
	TickMilliseconds int `toml:"tick-milliseconds"`
}

// SetupConfig mirrors setup.Options.
type SetupConfig struct {
	Workers int `toml:"workers"`
}

// ArchiveConfig mirrors archive.Options.
type ArchiveConfig struct {
	ThresholdDays int `toml:"threshold-days"`
}

// SearchConfig mirrors search.Options.
type SearchConfig struct {
	DefaultTopN     int     `toml:"default-top-n"`
	KChunks         int     `toml:"k-chunks"`
	PreviewLength   int     `toml:"preview-length"`
	MaxRecencyBoost float64 `toml:"max-recency-boost"`
	RecencyDecayDay float64 `toml:"recency-decay-days"`
	CacheSize       int     `toml:"cache-size"`
}

// HNSWConfig mirrors hnsw.New's parameters.
type HNSWConfig struct {
	M              int `toml:"m"`
	EfConstruction int `toml:"ef-construction"`
	EfSearch       int `toml:"ef-search"`
}

// Default returns the stock configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ModelDir:    "./models",
		OrtLib:      "./lib/onnxruntime.so",
		Threads:     0,
		StorageRoot: filepath.Join(home, ".smart-fork"),
		SessionRoot: filepath.Join(home, ".claude"),
		Chunk: ChunkConfig{
			TargetTokens:  750,
			MaxTokens:     1000,
			OverlapTokens: 150,
		},
		Batch: BatchConfig{
			MinBatch:     4,
			MaxBatch:     32,
			MemThreshold: 512 * 1024 * 1024,
		},
		Indexer: IndexerConfig{
			Workers:          2,
			DebounceSeconds:  5,
			CheckpointMinNew: 15,
			TickMilliseconds: 1000,
		},
		Setup: SetupConfig{Workers: 1},
		Archive: ArchiveConfig{
			ThresholdDays: 365,
		},
		Search: SearchConfig{
			DefaultTopN:     5,
			KChunks:         200,
			PreviewLength:   280,
			MaxRecencyBoost: 0.2,
			RecencyDecayDay: 30,
			CacheSize:       128,
		},
		HNSW: HNSWConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       50,
		},
	}
}

// Load reads path (if present) and merges it onto Default(). A missing file
// is not an error; the defaults alone are a valid configuration.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	var overrides Config
	if err := toml.Unmarshal(data, &overrides); err != nil {
		return cfg, err
	}

	if err := mergo.Merge(&cfg, overrides, mergo.WithOverride); err != nil {
		return cfg, err
	}
	return cfg, nil
}
