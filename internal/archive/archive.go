// Package archive moves aged sessions between the active and archive vector
// collections and restores them back, keeping a session's chunks in exactly
// one collection at any instant.
package archive

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/smartfork/smartfork/internal/logging"
	"github.com/smartfork/smartfork/internal/registry"
	"github.com/smartfork/smartfork/internal/vectorstore"
)

// Options configures a Service, mirroring config.ArchiveConfig.
type Options struct {
	ThresholdDays int
}

// DefaultOptions mirrors config.Default().Archive.
func DefaultOptions() Options {
	return Options{ThresholdDays: 365}
}

// Stats summarises the archive collection.
type Stats struct {
	TotalArchivedSessions int
	TotalArchivedChunks   int
	OldestSessionDate     time.Time
	NewestSessionDate     time.Time
}

// MoveResult is the outcome of one archived session.
type MoveResult struct {
	SessionID   string
	ChunksMoved int
	Error       error
}

// RunResult is ArchiveOldSessions's return value.
type RunResult struct {
	SessionsArchived []string
	ChunksMoved      int
	DryRun           bool
	Errors           []MoveResult
}

// RestoreResult is Restore's return value.
type RestoreResult struct {
	SessionID      string
	ChunksRestored int
	Success        bool
	Error          string
}

// Service is the public ArchiveService.
type Service struct {
	store    *vectorstore.Store
	registry *registry.Registry
	opts     Options
	log      *log.Logger
}

// New builds a Service over the given store and registry.
func New(store *vectorstore.Store, reg *registry.Registry, opts Options) *Service {
	if opts.ThresholdDays <= 0 {
		opts = DefaultOptions()
	}
	return &Service{store: store, registry: reg, opts: opts, log: logging.New("archive")}
}

// isSessionOld reports whether meta is old enough to archive: its
// last_modified (falling back to created_at) precedes now minus the
// threshold. A session with neither timestamp is never eligible.
func (s *Service) isSessionOld(meta registry.Metadata, now time.Time) bool {
	date := meta.LastModified
	if date.IsZero() {
		date = meta.CreatedAt
	}
	if date.IsZero() {
		return false
	}
	threshold := now.AddDate(0, 0, -s.opts.ThresholdDays)
	return date.Before(threshold)
}

// ArchiveOldSessions moves every session older than the threshold from the
// active collection to the archive collection. With dryRun, it only reports
// which sessions would be archived.
func (s *Service) ArchiveOldSessions(dryRun bool) RunResult {
	now := time.Now().UTC()
	var eligible []string
	for _, meta := range s.registry.List() {
		if meta.Archived {
			continue
		}
		if s.isSessionOld(meta, now) {
			eligible = append(eligible, meta.SessionID)
		}
	}

	if dryRun {
		return RunResult{SessionsArchived: eligible, DryRun: true}
	}

	var archived []string
	var errs []MoveResult
	totalChunks := 0

	for _, sessionID := range eligible {
		n, err := s.archiveSession(sessionID)
		if err != nil {
			errs = append(errs, MoveResult{SessionID: sessionID, Error: err})
			s.log.Error("archive session failed", "session_id", sessionID, "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		totalChunks += n
		archived = append(archived, sessionID)
		s.log.Info("archived session", "session_id", sessionID, "chunks", n)
	}

	return RunResult{SessionsArchived: archived, ChunksMoved: totalChunks, Errors: errs}
}

// archiveSession moves one session's live records from active to archive and
// flips its registry Archived flag.
func (s *Service) archiveSession(sessionID string) (int, error) {
	records := s.store.Active.GetBySession(sessionID)
	if len(records) == 0 {
		return 0, nil
	}

	if err := s.store.Archive.Add(records); err != nil {
		return 0, fmt.Errorf("add to archive: %w", err)
	}
	s.store.Active.DeleteBySession(sessionID)

	if err := s.store.Save(); err != nil {
		return 0, fmt.Errorf("persist store: %w", err)
	}
	if err := s.registry.SetArchived(sessionID, true); err != nil {
		return 0, fmt.Errorf("set archived: %w", err)
	}

	return len(records), nil
}

// Restore moves a session's records back from archive to active.
func (s *Service) Restore(sessionID string) RestoreResult {
	records := s.store.Archive.GetBySession(sessionID)
	if len(records) == 0 {
		return RestoreResult{SessionID: sessionID, Error: "session not found in archive"}
	}

	if err := s.store.Active.Add(records); err != nil {
		return RestoreResult{SessionID: sessionID, Error: err.Error()}
	}
	s.store.Archive.DeleteBySession(sessionID)

	if err := s.store.Save(); err != nil {
		return RestoreResult{SessionID: sessionID, Error: err.Error()}
	}
	if err := s.registry.SetArchived(sessionID, false); err != nil {
		return RestoreResult{SessionID: sessionID, Error: err.Error()}
	}

	s.log.Info("restored session", "session_id", sessionID, "chunks", len(records))
	return RestoreResult{SessionID: sessionID, ChunksRestored: len(records), Success: true}
}

// SearchArchive queries the archive collection alone and returns its k
// nearest chunks.
func (s *Service) SearchArchive(queryVec []float32, k int) []vectorstore.QueryResult {
	if k <= 0 {
		return nil
	}
	return s.store.Archive.Query(queryVec, k, nil)
}

// GetStats summarises the archive collection and registry's archived flags.
func (s *Service) GetStats() Stats {
	stats := Stats{}
	for _, meta := range s.registry.List() {
		if !meta.Archived {
			continue
		}
		stats.TotalArchivedSessions++

		date := meta.LastModified
		if date.IsZero() {
			date = meta.CreatedAt
		}
		if date.IsZero() {
			continue
		}
		if stats.OldestSessionDate.IsZero() || date.Before(stats.OldestSessionDate) {
			stats.OldestSessionDate = date
		}
		if stats.NewestSessionDate.IsZero() || date.After(stats.NewestSessionDate) {
			stats.NewestSessionDate = date
		}
	}
	stats.TotalArchivedChunks = s.store.Archive.Count()
	return stats
}

// ListArchived returns every session currently flagged archived.
func (s *Service) ListArchived() []registry.Metadata {
	var out []registry.Metadata
	for _, meta := range s.registry.List() {
		if meta.Archived {
			out = append(out, meta)
		}
	}
	return out
}

// IsArchived reports whether sessionID is currently archived.
func (s *Service) IsArchived(sessionID string) bool {
	meta := s.registry.Get(sessionID)
	return meta != nil && meta.Archived
}
