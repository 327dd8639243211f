package vectorstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/smartfork/smartfork/internal/hnsw"
)

// Store owns the two named collections ("active", "archive") and their
// persistence, one directory each under root.
type Store struct {
	Active  *Collection
	Archive *Collection

	activeDir  string
	archiveDir string
}

// graphFile / recordsFile are the two files that make up a persisted
// collection directory.
const (
	graphFile   = "graph.bin"
	recordsFile = "records.json"
)

// persistedRecord is the JSON-friendly form of Record (embedding omitted;
// it lives inside the HNSW binary graph file, recovered by id order).
type persistedRecord struct {
	ChunkID    string         `json:"chunk_id"`
	SessionID  string         `json:"session_id"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
}

// Open loads (or creates) the active and archive collections under root,
// using hnswM/hnswEfC/hnswEfS as the HNSW construction parameters for any
// freshly-created graph.
func Open(root string, hnswM, hnswEfC, hnswEfS int) (*Store, error) {
	activeDir := filepath.Join(root, "vector_db")
	archiveDir := filepath.Join(root, "vector_db_archive")

	active, err := loadOrCreateCollection(activeDir, hnswM, hnswEfC, hnswEfS)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open active: %w", err)
	}
	archive, err := loadOrCreateCollection(archiveDir, hnswM, hnswEfC, hnswEfS)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open archive: %w", err)
	}

	return &Store{
		Active:     active,
		Archive:    archive,
		activeDir:  activeDir,
		archiveDir: archiveDir,
	}, nil
}

func loadOrCreateCollection(dir string, m, efc, efs int) (*Collection, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	graphPath := filepath.Join(dir, graphFile)
	recordsPath := filepath.Join(dir, recordsFile)

	if _, err := os.Stat(graphPath); os.IsNotExist(err) {
		return newCollection(m, efc, efs), nil
	}

	g, err := hnsw.Load(graphPath)
	if err != nil {
		// A corrupt graph file is treated like any other corrupt on-disk
		// structure: start empty rather than fail the whole process.
		return newCollection(m, efc, efs), nil
	}

	data, err := os.ReadFile(recordsPath)
	if err != nil {
		return newCollection(m, efc, efs), nil
	}
	var persisted []persistedRecord
	if err := json.Unmarshal(data, &persisted); err != nil {
		return newCollection(m, efc, efs), nil
	}

	records := make([]*Record, g.Len())
	byID := make(map[string]uint32, len(persisted))
	for i, p := range persisted {
		if i >= len(records) {
			break
		}
		vec, alive := g.Vector(uint32(i))
		if !alive {
			continue
		}
		rec := &Record{
			ChunkID:    p.ChunkID,
			SessionID:  p.SessionID,
			ChunkIndex: p.ChunkIndex,
			Embedding:  vec,
			Content:    p.Content,
			Metadata:   p.Metadata,
		}
		records[i] = rec
		byID[p.ChunkID] = uint32(i)
	}

	c := &Collection{graph: g, records: records, byID: byID, m: m, efc: efc, efs: efs}
	if c.deadFraction() > compactThreshold {
		c.compact()
	}
	return c, nil
}

// Save persists both collections atomically (each collection writes its
// graph then its records file via write-temp-then-rename, matching the
// HNSW package's own Save discipline).
func (s *Store) Save() error {
	if err := saveCollection(s.activeDir, s.Active); err != nil {
		return fmt.Errorf("vectorstore: save active: %w", err)
	}
	if err := saveCollection(s.archiveDir, s.Archive); err != nil {
		return fmt.Errorf("vectorstore: save archive: %w", err)
	}
	return nil
}

func saveCollection(dir string, c *Collection) error {
	c.mu.RLock()
	graphPath := filepath.Join(dir, graphFile)
	persisted := make([]persistedRecord, 0, len(c.records))
	for _, rec := range c.records {
		if rec == nil {
			persisted = append(persisted, persistedRecord{})
			continue
		}
		persisted = append(persisted, persistedRecord{
			ChunkID:    rec.ChunkID,
			SessionID:  rec.SessionID,
			ChunkIndex: rec.ChunkIndex,
			Content:    rec.Content,
			Metadata:   rec.Metadata,
		})
	}
	graph := c.graph
	c.mu.RUnlock()

	if err := graph.Save(graphPath); err != nil {
		return err
	}

	data, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	recordsPath := filepath.Join(dir, recordsFile)
	tmp := recordsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp records: %w", err)
	}
	if err := os.Rename(tmp, recordsPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename records: %w", err)
	}
	return nil
}
