// Package indexer implements BackgroundIndexer (C9): a debounced, checkpointed
// worker pool that (re-)indexes changed session transcripts, driven either by
// the filesystem watcher in watcher.go or by direct Enqueue calls.
package indexer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/smartfork/smartfork/internal/chunker"
	"github.com/smartfork/smartfork/internal/logging"
	"github.com/smartfork/smartfork/internal/registry"
	"github.com/smartfork/smartfork/internal/session"
	"github.com/smartfork/smartfork/internal/vectorstore"
)

// Embedder is the narrow slice of embed.Service the indexer needs: batch
// document embedding (no query-prefix instruction).
type Embedder interface {
	Embed(texts []string) ([][]float32, error)
}

// CacheInvalidator lets the indexer drop stale SearchService results after a
// write, without importing the search package (which would import this one
// back through CoreContext's wiring).
type CacheInvalidator interface {
	InvalidateCache()
}

// Task is one pending (or in-flight) re-index unit for a single session file.
type Task struct {
	FilePath         string
	LastModifiedTS   time.Time
	MessageCount     int
	LastIndexedCount int
}

// Options configures an Indexer, mirroring config.IndexerConfig.
type Options struct {
	Workers            int
	Debounce           time.Duration
	CheckpointInterval int
	Tick               time.Duration
	Chunk              chunker.Options // zero value means chunker.DefaultOptions()
}

// DefaultOptions mirrors config.Default().Indexer.
func DefaultOptions() Options {
	return Options{Workers: 2, Debounce: 5 * time.Second, CheckpointInterval: 15, Tick: time.Second}
}

// Stats counts the indexer's lifetime activity. Guarded by its own lock,
// separate from the pending-map lock, so workers never hold both at once.
type Stats struct {
	TasksIndexed int
	TasksSkipped int
	Errors       int
	Pending      int
	Running      bool
}

// Indexer is the public BackgroundIndexer.
type Indexer struct {
	opts Options

	store    *vectorstore.Store
	registry *registry.Registry
	embedder Embedder
	cache    CacheInvalidator
	chunkOpt chunker.Options
	log      *log.Logger

	mu      sync.Mutex
	pending map[string]*Task

	statsMu sync.Mutex
	stats   Stats

	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	watcher *watcher
}

// New builds an Indexer over the given collaborators. cache may be nil.
func New(store *vectorstore.Store, reg *registry.Registry, embedder Embedder, cache CacheInvalidator, opts Options) *Indexer {
	if opts.Workers <= 0 {
		opts = DefaultOptions()
	}
	chunkOpt := opts.Chunk
	if chunkOpt.MaxTokens <= 0 {
		chunkOpt = chunker.DefaultOptions()
	}
	return &Indexer{
		opts:     opts,
		store:    store,
		registry: reg,
		embedder: embedder,
		cache:    cache,
		chunkOpt: chunkOpt,
		log:      logging.New("indexer"),
		pending:  make(map[string]*Task),
		stop:     make(chan struct{}),
	}
}

// Start launches the filesystem watcher (best-effort; without one the
// indexer still serves explicit Enqueue/IndexFile calls) and the scheduler
// loop. Idempotent: a second call is a no-op.
func (idx *Indexer) Start(sessionRoot string) error {
	idx.mu.Lock()
	if idx.started {
		idx.mu.Unlock()
		return nil
	}
	idx.started = true
	idx.stop = make(chan struct{})
	idx.stopOnce = sync.Once{}
	idx.mu.Unlock()

	if w, err := newWatcher(idx); err != nil {
		idx.log.Warn("filesystem watcher unavailable, explicit indexing only", "error", err)
	} else {
		idx.watcher = w
		idx.wg.Add(1)
		go func() {
			defer idx.wg.Done()
			w.run(sessionRoot, idx.stop)
		}()
	}

	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		idx.schedulerLoop()
	}()
	return nil
}

// Stop signals the scheduler and watcher to exit, waits for in-flight tasks
// to finish, then returns. Idempotent.
func (idx *Indexer) Stop() {
	idx.mu.Lock()
	if !idx.started {
		idx.mu.Unlock()
		return
	}
	idx.mu.Unlock()

	idx.stopOnce.Do(func() { close(idx.stop) })
	idx.wg.Wait()

	idx.mu.Lock()
	idx.started = false
	idx.mu.Unlock()
}

// IsRunning reports whether Start has been called without a matching Stop.
func (idx *Indexer) IsRunning() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.started
}

// Enqueue records (or coalesces into) a pending Task for path iff there is
// new work: message_count > last_indexed_count. Called by the watcher on
// created/modified events, or directly by callers that want to force a
// re-index check without waiting on fsnotify.
func (idx *Indexer) Enqueue(path string) {
	count, err := session.CountMessages(path)
	if err != nil {
		idx.log.Warn("enqueue: count messages", "path", path, "error", err)
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	lastIndexed := 0
	if existing, ok := idx.pending[path]; ok {
		lastIndexed = existing.LastIndexedCount
	} else if meta := idx.registry.Get(sessionIDOf(path)); meta != nil {
		lastIndexed = meta.MessageCount
	}

	if count <= lastIndexed {
		return
	}

	idx.pending[path] = &Task{
		FilePath:         path,
		LastModifiedTS:   time.Now(),
		MessageCount:     count,
		LastIndexedCount: lastIndexed,
	}
}

// IndexFileStatus reports what IndexFile did with a file.
type IndexFileStatus string

const (
	StatusIndexed        IndexFileStatus = "indexed"
	StatusAlreadyIndexed IndexFileStatus = "already_indexed"
	StatusFailed         IndexFileStatus = "failed"
)

// IndexFileResult is index_file's return value.
type IndexFileResult struct {
	SessionID         string
	ChunksAdded       int
	MessagesProcessed int
	Status            IndexFileStatus
}

// IndexFile runs the worker pipeline synchronously for a single path,
// bypassing the debounce/scheduler machinery entirely: the explicit,
// caller-driven counterpart to the watcher-fed Enqueue path. With force
// false it honours the checkpoint rule and reports already_indexed when
// skipped; force true always re-indexes.
func (idx *Indexer) IndexFile(path string, force bool) (IndexFileResult, error) {
	sessionID := sessionIDOf(path)

	count, err := session.CountMessages(path)
	if err != nil {
		return IndexFileResult{SessionID: sessionID, Status: StatusFailed}, fmt.Errorf("indexer: count messages %s: %w", path, err)
	}

	lastIndexed := 0
	if meta := idx.registry.Get(sessionID); meta != nil {
		lastIndexed = meta.MessageCount
	}

	task := &Task{FilePath: path, LastModifiedTS: time.Now(), MessageCount: count, LastIndexedCount: lastIndexed}
	if !force && lastIndexed > 0 && count-lastIndexed < idx.opts.CheckpointInterval {
		return IndexFileResult{SessionID: sessionID, MessagesProcessed: count, Status: StatusAlreadyIndexed}, nil
	}
	if force {
		task.LastIndexedCount = 0
	}

	corrID := uuid.NewString()
	chunksAdded, err := idx.processTaskCounting(task, corrID)
	if err != nil {
		idx.countError()
		return IndexFileResult{SessionID: sessionID, Status: StatusFailed}, err
	}
	return IndexFileResult{SessionID: sessionID, ChunksAdded: chunksAdded, MessagesProcessed: count, Status: StatusIndexed}, nil
}

// schedulerLoop runs on a single goroutine, moving debounced tasks to the
// bounded worker pool every Tick.
func (idx *Indexer) schedulerLoop() {
	ticker := time.NewTicker(idx.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-idx.stop:
			return
		case <-ticker.C:
			ready := idx.collectReady()
			if len(ready) == 0 {
				continue
			}
			idx.runWorkerPool(ready)
		}
	}
}

func (idx *Indexer) collectReady() []*Task {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	now := time.Now()
	var ready []*Task
	for path, task := range idx.pending {
		if now.Sub(task.LastModifiedTS) >= idx.opts.Debounce {
			ready = append(ready, task)
			delete(idx.pending, path)
		}
	}
	return ready
}

// runWorkerPool processes ready tasks with at most opts.Workers running
// concurrently. In-flight tasks run to completion even if Stop is signalled
// mid-batch; errors are counted and logged, never fatal to the loop.
func (idx *Indexer) runWorkerPool(tasks []*Task) {
	g := new(errgroup.Group)
	g.SetLimit(idx.opts.Workers)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			corrID := uuid.NewString()
			if err := idx.processTask(task, corrID); err != nil {
				idx.countError()
				idx.log.Error("index task failed", "path", task.FilePath, "correlation_id", corrID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (idx *Indexer) countError() {
	idx.statsMu.Lock()
	idx.stats.Errors++
	idx.statsMu.Unlock()
}

// GetStats snapshots the indexer's counters.
func (idx *Indexer) GetStats() Stats {
	idx.statsMu.Lock()
	s := idx.stats
	idx.statsMu.Unlock()

	idx.mu.Lock()
	s.Pending = len(idx.pending)
	s.Running = idx.started
	idx.mu.Unlock()
	return s
}

// processTask is one worker unit: checkpoint check, parse, chunk, embed,
// replace the session's records, upsert the registry entry.
func (idx *Indexer) processTask(task *Task, corrID string) error {
	_, err := idx.processTaskCounting(task, corrID)
	return err
}

// processTaskCounting is processTask's implementation, additionally
// reporting the chunk count written so IndexFile can surface chunks_added.
func (idx *Indexer) processTaskCounting(task *Task, corrID string) (int, error) {
	sessionID := sessionIDOf(task.FilePath)

	if task.LastIndexedCount > 0 && task.MessageCount-task.LastIndexedCount < idx.opts.CheckpointInterval {
		idx.statsMu.Lock()
		idx.stats.TasksSkipped++
		idx.statsMu.Unlock()
		idx.log.Debug("checkpoint skip", "session_id", sessionID, "correlation_id", corrID,
			"delta", task.MessageCount-task.LastIndexedCount)
		return 0, nil
	}

	parser := session.New()
	sess, err := parser.ParseFile(task.FilePath)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", task.FilePath, err)
	}

	chunks := chunker.ChunkMessages(sess.Messages, idx.chunkOpt)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := idx.embedder.Embed(texts)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", sessionID, err)
	}

	project := session.ProjectFromPath(task.FilePath)
	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorstore.Record{
			ChunkID:    fmt.Sprintf("%s_chunk_%d", sessionID, i),
			SessionID:  sessionID,
			ChunkIndex: i,
			Embedding:  vecs[i],
			Content:    c.Content,
			Metadata: map[string]any{
				"project":      project,
				"memory_kinds": joinMemoryKinds(c.MemoryKinds),
			},
		}
	}

	idx.store.Active.DeleteBySession(sessionID)
	if err := idx.store.Active.Add(records); err != nil {
		return 0, fmt.Errorf("add records %s: %w", sessionID, err)
	}
	if err := idx.store.Save(); err != nil {
		return 0, fmt.Errorf("persist store %s: %w", sessionID, err)
	}

	now := time.Now().UTC()
	createdAt := now
	if sess.Messages[0].HasTime {
		createdAt = sess.Messages[0].Timestamp
	}
	if err := idx.registry.Upsert(registry.Metadata{
		SessionID:    sessionID,
		Project:      project,
		CreatedAt:    createdAt,
		LastModified: now,
		ChunkCount:   len(chunks),
		MessageCount: len(sess.Messages),
	}); err != nil {
		return 0, fmt.Errorf("upsert registry %s: %w", sessionID, err)
	}
	if err := idx.registry.SetLastSynced(sessionID, now); err != nil {
		idx.log.Warn("set last synced", "session_id", sessionID, "error", err)
	}

	if idx.cache != nil {
		idx.cache.InvalidateCache()
	}

	idx.statsMu.Lock()
	idx.stats.TasksIndexed++
	idx.statsMu.Unlock()

	idx.log.Info("indexed session", "session_id", sessionID, "correlation_id", corrID,
		"chunks", len(chunks), "messages", len(sess.Messages))
	return len(chunks), nil
}

func joinMemoryKinds(kinds []chunker.MemoryKind) string {
	if len(kinds) == 0 {
		return ""
	}
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return strings.Join(out, ",")
}

// sessionIDOf returns a transcript file's session id: its basename without
// extension, matching session.Parser.ParseFile's own Session.ID derivation.
func sessionIDOf(path string) string {
	base := path
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			base = path[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}
