// Package setup implements InitialSetup (C10): the first-run scan that finds
// every existing session transcript and builds the vector store and session
// registry from scratch, resumably and with progress reporting.
package setup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/smartfork/smartfork/internal/chunker"
	"github.com/smartfork/smartfork/internal/logging"
	"github.com/smartfork/smartfork/internal/registry"
	"github.com/smartfork/smartfork/internal/session"
	"github.com/smartfork/smartfork/internal/vectorstore"
)

// minFileSize filters out files too small to hold a real conversation.
const minFileSize = 100

// Embedder is the slice of embed.Service this package needs.
type Embedder interface {
	Embed(texts []string) ([][]float32, error)
}

// Progress is reported to a caller-supplied callback as files are processed.
type Progress struct {
	TotalFiles         int
	ProcessedFiles     int
	CurrentFile        string
	TotalChunks        int
	Elapsed            time.Duration
	EstimatedRemaining time.Duration
	IsComplete         bool
	Err                error
}

// ProgressFunc receives Progress updates; may be nil.
type ProgressFunc func(Progress)

// State is the resumable on-disk setup_state.json shape.
type State struct {
	TotalFiles     int       `json:"total_files"`
	ProcessedFiles []string  `json:"processed_files"`
	StartedAt      time.Time `json:"started_at"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Result is Run's return value.
type Result struct {
	Success       bool
	FilesProcessed int
	TotalChunks   int
	Errors        []FileError
	Interrupted   bool
	Elapsed       time.Duration
}

// FileError records one file's processing failure without aborting the run.
type FileError struct {
	File  string
	Error string
}

// Options configures a Setup instance, mirroring config.SetupConfig.
type Options struct {
	Workers  int
	Progress ProgressFunc
	Chunk    chunker.Options // zero value means chunker.DefaultOptions()
}

// DefaultOptions mirrors config.Default().Setup.
func DefaultOptions() Options {
	return Options{Workers: 1}
}

// Setup is the public InitialSetup.
type Setup struct {
	storageDir  string
	sessionRoot string
	stateFile   string
	opts        Options
	chunkOpt    chunker.Options

	store    *vectorstore.Store
	registry *registry.Registry
	embedder Embedder
	log      *log.Logger

	stateMu    sync.Mutex
	progressMu sync.Mutex
	interrupted atomic.Bool
}

// New builds a Setup over the given collaborators.
func New(storageDir, sessionRoot string, store *vectorstore.Store, reg *registry.Registry, embedder Embedder, opts Options) *Setup {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	chunkOpt := opts.Chunk
	if chunkOpt.MaxTokens <= 0 {
		chunkOpt = chunker.DefaultOptions()
	}
	return &Setup{
		storageDir:  storageDir,
		sessionRoot: sessionRoot,
		stateFile:   filepath.Join(storageDir, "setup_state.json"),
		opts:        opts,
		chunkOpt:    chunkOpt,
		store:       store,
		registry:    reg,
		embedder:    embedder,
		log:         logging.New("setup"),
	}
}

// IsFirstRun reports whether storageDir does not yet exist.
func (s *Setup) IsFirstRun() bool {
	_, err := os.Stat(s.storageDir)
	return os.IsNotExist(err)
}

// HasIncompleteSetup reports whether a resumable state file exists.
func (s *Setup) HasIncompleteSetup() bool {
	_, err := os.Stat(s.stateFile)
	return err == nil
}

// Interrupt requests a graceful stop: in-flight files finish, no new ones
// start, then Run returns with Interrupted=true.
func (s *Setup) Interrupt() {
	s.interrupted.Store(true)
	s.log.Info("setup interrupted by user")
}

// findSessionFiles recursively collects *.jsonl files at least minFileSize
// bytes under sessionRoot, sorted for deterministic processing order.
func (s *Setup) findSessionFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.sessionRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || filepath.Ext(path) != ".jsonl" {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Size() >= minFileSize {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (s *Setup) loadState() *State {
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		return nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.Error("setup state corrupt, starting fresh", "error", err)
		return nil
	}
	return &st
}

func (s *Setup) saveState(st *State) {
	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		s.log.Error("mkdir storage dir", "error", err)
		return
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		s.log.Error("marshal setup state", "error", err)
		return
	}
	tmp := s.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Error("write temp setup state", "error", err)
		return
	}
	if err := os.Rename(tmp, s.stateFile); err != nil {
		os.Remove(tmp)
		s.log.Error("rename setup state", "error", err)
	}
}

func (s *Setup) deleteState() {
	if err := os.Remove(s.stateFile); err != nil && !os.IsNotExist(err) {
		s.log.Error("delete setup state", "error", err)
	}
}

// Run scans sessionRoot and indexes every not-yet-processed file, optionally
// resuming from a prior interrupted run.
func (s *Setup) Run(resume bool) (Result, error) {
	allFiles, err := s.findSessionFiles()
	if err != nil {
		return Result{}, fmt.Errorf("setup: scan session files: %w", err)
	}
	if len(allFiles) == 0 {
		return Result{Success: true}, nil
	}

	var st *State
	if resume {
		st = s.loadState()
	}
	if st == nil {
		st = &State{TotalFiles: len(allFiles), StartedAt: time.Now().UTC(), LastUpdated: time.Now().UTC()}
	}

	processed := make(map[string]bool, len(st.ProcessedFiles))
	for _, f := range st.ProcessedFiles {
		processed[f] = true
	}

	var pending []string
	for _, f := range allFiles {
		if !processed[f] {
			pending = append(pending, f)
		}
	}

	startTime := st.StartedAt
	totalChunks := 0
	var errs []FileError
	var mu sync.Mutex // guards st, totalChunks, errs during concurrent workers

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)

	interruptedDuringRun := false

	for _, file := range pending {
		file := file
		if s.interrupted.Load() {
			interruptedDuringRun = true
			break
		}

		g.Go(func() error {
			if s.interrupted.Load() {
				return nil
			}

			mu.Lock()
			doneSoFar := len(st.ProcessedFiles)
			chunksSoFar := totalChunks
			mu.Unlock()
			s.notifyProgress(len(allFiles), doneSoFar, filepath.Base(file), chunksSoFar, startTime, false, nil)

			chunks, _, procErr := s.processFile(file)

			mu.Lock()
			if procErr != nil {
				errs = append(errs, FileError{File: filepath.Base(file), Error: procErr.Error()})
			} else {
				totalChunks += chunks
				st.ProcessedFiles = append(st.ProcessedFiles, file)
			}
			st.LastUpdated = time.Now().UTC()
			snapshot := *st
			mu.Unlock()

			s.stateMu.Lock()
			s.saveState(&snapshot)
			s.stateMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if s.interrupted.Load() || interruptedDuringRun {
		mu.Lock()
		snapshot := *st
		mu.Unlock()
		s.stateMu.Lock()
		s.saveState(&snapshot)
		s.stateMu.Unlock()
		return Result{
			FilesProcessed: len(st.ProcessedFiles),
			TotalChunks:    totalChunks,
			Errors:         errs,
			Interrupted:    true,
			Elapsed:        time.Since(startTime),
		}, nil
	}

	s.deleteState()
	s.notifyProgress(len(allFiles), len(st.ProcessedFiles), "", totalChunks, startTime, true, nil)

	return Result{
		Success:        true,
		FilesProcessed: len(st.ProcessedFiles),
		TotalChunks:    totalChunks,
		Errors:         errs,
		Elapsed:        time.Since(startTime),
	}, nil
}

// processFile parses, chunks, embeds, and upserts one session file. It does
// not touch shared setup state.
func (s *Setup) processFile(path string) (chunkCount, messageCount int, err error) {
	parser := session.New()
	sess, err := parser.ParseFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("parse: %w", err)
	}
	if len(sess.Messages) == 0 {
		return 0, 0, fmt.Errorf("no messages found")
	}

	chunks := chunker.ChunkMessages(sess.Messages, s.chunkOpt)
	if len(chunks) == 0 {
		return 0, 0, fmt.Errorf("no chunks generated")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := s.embedder.Embed(texts)
	if err != nil {
		return 0, 0, fmt.Errorf("embed: %w", err)
	}

	sessionID := sess.ID
	project := session.ProjectFromPath(path)
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

	if err := s.store.Active.Add(records); err != nil {
		return 0, 0, fmt.Errorf("add records: %w", err)
	}

	var createdAt time.Time
	if sess.Messages[0].HasTime {
		createdAt = sess.Messages[0].Timestamp
	}
	if err := s.registry.Upsert(registry.Metadata{
		SessionID:    sessionID,
		Project:      project,
		CreatedAt:    createdAt,
		LastModified: time.Now().UTC(),
		ChunkCount:   len(chunks),
		MessageCount: len(sess.Messages),
	}); err != nil {
		return 0, 0, fmt.Errorf("registry upsert: %w", err)
	}

	return len(chunks), len(sess.Messages), nil
}

// notifyProgress computes elapsed/ETA and invokes the configured callback.
func (s *Setup) notifyProgress(total, processedCount int, currentFile string, totalChunks int, startTime time.Time, complete bool, err error) {
	if s.opts.Progress == nil {
		return
	}
	s.progressMu.Lock()
	defer s.progressMu.Unlock()

	elapsed := time.Since(startTime)
	var eta time.Duration
	if processedCount > 0 {
		avg := elapsed / time.Duration(processedCount)
		eta = avg * time.Duration(total-processedCount)
	}

	s.opts.Progress(Progress{
		TotalFiles:         total,
		ProcessedFiles:     processedCount,
		CurrentFile:        currentFile,
		TotalChunks:        totalChunks,
		Elapsed:            elapsed,
		EstimatedRemaining: eta,
		IsComplete:         complete,
		Err:                err,
	})
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
