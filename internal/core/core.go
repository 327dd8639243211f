// Package core wires the leaf components into a single root object:
// construct once, inject everywhere, close in reverse order. Any caller (the
// cobra CLI, the TUI, a future RPC facade) holds the object graph and passes
// it down instead of reaching for package-level singletons.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/smartfork/smartfork/internal/archive"
	"github.com/smartfork/smartfork/internal/cache"
	"github.com/smartfork/smartfork/internal/chunker"
	"github.com/smartfork/smartfork/internal/config"
	"github.com/smartfork/smartfork/internal/embed"
	"github.com/smartfork/smartfork/internal/indexer"
	"github.com/smartfork/smartfork/internal/logging"
	"github.com/smartfork/smartfork/internal/registry"
	"github.com/smartfork/smartfork/internal/search"
	"github.com/smartfork/smartfork/internal/setup"
	"github.com/smartfork/smartfork/internal/vectorstore"
)

// Context is the root object graph: every public operation is reachable by
// calling into one of these fields. Construct with Open, release native
// handles (the ONNX session) with Close.
type Context struct {
	Config config.Config
	Log    *log.Logger

	Store    *vectorstore.Store
	Registry *registry.Registry
	Cache    *cache.EmbeddingCache
	Embedder *embed.Embedder
	Embed    *embed.Service

	Search  *search.Service
	Indexer *indexer.Indexer
	Setup   *setup.Setup
	Archive *archive.Service
}

// Open constructs every leaf component against cfg and wires them together.
// Open loads the model eagerly, once per process, rather than on first
// embed.
func Open(cfg config.Config) (*Context, error) {
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("core: mkdir storage root: %w", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.StorageRoot, "session-registry.json"), logging.New("registry"))
	if err != nil {
		return nil, fmt.Errorf("core: open registry: %w", err)
	}

	ec, err := cache.Open(filepath.Join(cfg.StorageRoot, "embedding_cache"))
	if err != nil {
		return nil, fmt.Errorf("core: open embedding cache: %w", err)
	}

	store, err := vectorstore.Open(cfg.StorageRoot, cfg.HNSW.M, cfg.HNSW.EfConstruction, cfg.HNSW.EfSearch)
	if err != nil {
		return nil, fmt.Errorf("core: open vector store: %w", err)
	}

	embedder, err := embed.New(cfg.ModelDir, cfg.OrtLib, cfg.Threads)
	if err != nil {
		return nil, fmt.Errorf("core: load embedding model: %w", err)
	}

	embedSvc := embed.NewService(embedder, ec, embed.BatchConfig{
		MinBatch:     cfg.Batch.MinBatch,
		MaxBatch:     cfg.Batch.MaxBatch,
		MemThreshold: uint64(cfg.Batch.MemThreshold),
	})

	searchSvc := search.New(store, reg, embedSvc, cfg.SessionRoot, search.Options{
		DefaultTopN:     cfg.Search.DefaultTopN,
		KChunks:         cfg.Search.KChunks,
		PreviewLength:   cfg.Search.PreviewLength,
		MaxRecencyBoost: cfg.Search.MaxRecencyBoost,
		RecencyDecayDay: cfg.Search.RecencyDecayDay,
		CacheSize:       cfg.Search.CacheSize,
	})

	chunkOpt := chunker.Options{
		TargetTokens:  cfg.Chunk.TargetTokens,
		MaxTokens:     cfg.Chunk.MaxTokens,
		OverlapTokens: cfg.Chunk.OverlapTokens,
	}

	idx := indexer.New(store, reg, embedSvc, searchSvc, indexer.Options{
		Workers:            cfg.Indexer.Workers,
		Debounce:           time.Duration(cfg.Indexer.DebounceSeconds) * time.Second,
		CheckpointInterval: cfg.Indexer.CheckpointMinNew,
		Tick:               time.Duration(cfg.Indexer.TickMilliseconds) * time.Millisecond,
		Chunk:              chunkOpt,
	})

	setupSvc := setup.New(cfg.StorageRoot, cfg.SessionRoot, store, reg, embedSvc, setup.Options{
		Workers: cfg.Setup.Workers,
		Chunk:   chunkOpt,
	})

	archiveSvc := archive.New(store, reg, archive.Options{ThresholdDays: cfg.Archive.ThresholdDays})

	return &Context{
		Config:   cfg,
		Log:      logging.New("core"),
		Store:    store,
		Registry: reg,
		Cache:    ec,
		Embedder: embedder,
		Embed:    embedSvc,
		Search:   searchSvc,
		Indexer:  idx,
		Setup:    setupSvc,
		Archive:  archiveSvc,
	}, nil
}

// Close releases resources in the reverse order Open acquired them: stop the
// background indexer first (it holds store/cache references in flight),
// flush the vector store and cache to disk, then release the native ONNX
// handles last.
func (c *Context) Close() error {
	c.Indexer.Stop()

	var firstErr error
	if err := c.Store.Save(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("core: save vector store: %w", err)
	}
	if err := c.Cache.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("core: flush embedding cache: %w", err)
	}
	c.Embed.Close()
	return firstErr
}

// Stats summarises every component: counts and hit rates only.
type Stats struct {
	VectorDB struct {
		ActiveChunks  int
		ArchiveChunks int
	}
	Registry registry.Stats
	Indexer  indexer.Stats
	Cache    cache.Stats
}

// GetStats snapshots all component statistics.
func (c *Context) GetStats() Stats {
	var s Stats
	s.VectorDB.ActiveChunks = c.Store.Active.Count()
	s.VectorDB.ArchiveChunks = c.Store.Archive.Count()
	s.Registry = c.Registry.GetStats()
	s.Cache = c.Cache.GetStats()
	s.Indexer = c.Indexer.GetStats()
	return s
}
