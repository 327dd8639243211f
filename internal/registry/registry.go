// Package registry tracks per-session metadata — project, timestamps,
// counts, tags, archived flag — as a single JSON document guarded by one
// mutex, persisted write-temp-then-rename like every other on-disk
// structure in this codebase.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/smartfork/smartfork/internal/logging"
)

// Metadata is one session's registry record.
type Metadata struct {
	SessionID    string    `json:"session_id"`
	Project      string    `json:"project,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	LastSynced   time.Time `json:"last_synced,omitempty"`
	ChunkCount   int       `json:"chunk_count"`
	MessageCount int       `json:"message_count"`
	Tags         []string  `json:"tags,omitempty"`
	Archived     bool      `json:"archived"`
	Summary      string    `json:"summary,omitempty"`
}

// document is the on-disk shape: {sessions, last_updated}.
type document struct {
	Sessions    map[string]*Metadata `json:"sessions"`
	LastUpdated time.Time            `json:"last_updated"`
}

// Registry is the in-memory, persisted SessionRegistry.
type Registry struct {
	mu   sync.Mutex
	path string
	doc  document
	log  *log.Logger
}

// Open loads (or creates) the registry document at path.
func Open(path string, logger *log.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.New("registry")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: mkdir %s: %w", filepath.Dir(path), err)
	}
	r := &Registry{
		path: path,
		doc:  document{Sessions: make(map[string]*Metadata)},
		log:  logger,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		r.log.Error("registry file corrupt, starting empty", "path", r.path, "error", err)
		return nil
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]*Metadata)
	}
	r.doc = doc
	return nil
}

func (r *Registry) saveLocked() error {
	r.doc.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write temp: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("registry: rename: %w", err)
	}
	return nil
}

// Get returns a copy of the metadata for id, or nil if unknown.
func (r *Registry) Get(id string) *Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.doc.Sessions[id]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Upsert stores meta as the record for meta.SessionID, replacing any
// existing one. The only field carried over from an existing record is a
// non-zero CreatedAt, so re-indexing a file never clobbers when the session
// was first seen; every other field, LastSynced included, comes from meta.
func (r *Registry) Upsert(meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.doc.Sessions[meta.SessionID]; ok {
		if !existing.CreatedAt.IsZero() {
			meta.CreatedAt = existing.CreatedAt
		}
	}
	cp := meta
	r.doc.Sessions[meta.SessionID] = &cp
	return r.saveLocked()
}

// SetLastSynced bumps the LastSynced timestamp for id without touching any
// other field.
func (r *Registry) SetLastSynced(id string, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.doc.Sessions[id]
	if !ok {
		return fmt.Errorf("registry: session %s not found", id)
	}
	m.LastSynced = t
	return r.saveLocked()
}

// Delete removes id's record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.doc.Sessions, id)
	return r.saveLocked()
}

// SetArchived flips the archived flag for id.
func (r *Registry) SetArchived(id string, archived bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.doc.Sessions[id]
	if !ok {
		return fmt.Errorf("registry: session %s not found", id)
	}
	m.Archived = archived
	return r.saveLocked()
}

// List returns every record, sorted by session id for deterministic output.
func (r *Registry) List() []Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Metadata, 0, len(r.doc.Sessions))
	for _, m := range r.doc.Sessions {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Stats is the counts section of the public stats() operation.
type Stats struct {
	TotalSessions    int
	ArchivedSessions int
	TotalChunks      int
	TotalMessages    int
}

// GetStats summarises the registry.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	for _, m := range r.doc.Sessions {
		s.TotalSessions++
		if m.Archived {
			s.ArchivedSessions++
		}
		s.TotalChunks += m.ChunkCount
		s.TotalMessages += m.MessageCount
	}
	return s
}

// Clear removes every record and persists the empty document.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Sessions = make(map[string]*Metadata)
	return r.saveLocked()
}
