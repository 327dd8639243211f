package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smartfork/smartfork/internal/registry"
	"github.com/smartfork/smartfork/internal/vectorstore"
)

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i) + 1, 0, 0}
	}
	return out, nil
}

func writeSessionFile(t *testing.T, dir, name string, messages int) string {
	t.Helper()
	path := filepath.Join(dir, name+".jsonl")
	var b strings.Builder
	for i := 0; i < messages; i++ {
		b.WriteString(`{"role":"user","content":"message content padded out to be long enough to matter"}` + "\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write session: %v", err)
	}
	return path
}

func newTestSetup(t *testing.T, sessionRoot string) (*Setup, *vectorstore.Store, *registry.Registry, *fakeEmbedder) {
	t.Helper()
	storageDir := t.TempDir()
	store, err := vectorstore.Open(storageDir, 16, 200, 50)
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	reg, err := registry.Open(filepath.Join(storageDir, "registry.json"), nil)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	emb := &fakeEmbedder{}
	s := New(storageDir, sessionRoot, store, reg, emb, Options{Workers: 2})
	return s, store, reg, emb
}

func TestIsFirstRun(t *testing.T) {
	storageDir := filepath.Join(t.TempDir(), "nonexistent")
	s := &Setup{storageDir: storageDir}
	if !s.IsFirstRun() {
		t.Error("expected IsFirstRun true for nonexistent storage dir")
	}
}

func TestFindSessionFilesSkipsTinyFiles(t *testing.T) {
	root := t.TempDir()
	writeSessionFile(t, root, "big", 10)
	tiny := filepath.Join(root, "tiny.jsonl")
	os.WriteFile(tiny, []byte("{}"), 0o644)

	s, _, _, _ := newTestSetup(t, root)
	files, err := s.findSessionFiles()
	if err != nil {
		t.Fatalf("findSessionFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1 (tiny file should be skipped)", len(files))
	}
}

func TestRunIndexesAllSessions(t *testing.T) {
	root := t.TempDir()
	writeSessionFile(t, root, "sess1", 8)
	writeSessionFile(t, root, "sess2", 8)

	s, store, reg, emb := newTestSetup(t, root)
	result, err := s.Run(false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success, got %+v", result)
	}
	if result.FilesProcessed != 2 {
		t.Errorf("FilesProcessed = %d, want 2", result.FilesProcessed)
	}
	if emb.calls == 0 {
		t.Error("expected embedder to be invoked")
	}
	if store.Active.Count() == 0 {
		t.Error("expected records added to active collection")
	}
	if len(reg.List()) != 2 {
		t.Errorf("expected 2 registry entries, got %d", len(reg.List()))
	}
	if s.HasIncompleteSetup() {
		t.Error("expected state file to be deleted on successful completion")
	}
}

func TestRunResumesSkippingProcessedFiles(t *testing.T) {
	root := t.TempDir()
	writeSessionFile(t, root, "sess1", 8)
	writeSessionFile(t, root, "sess2", 8)

	s, _, _, emb := newTestSetup(t, root)

	st := &State{TotalFiles: 2, ProcessedFiles: []string{filepath.Join(root, "sess1.jsonl")}}
	s.saveState(st)

	result, err := s.Run(true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FilesProcessed != 2 {
		t.Errorf("FilesProcessed = %d, want 2 (1 resumed + 1 new)", result.FilesProcessed)
	}
	// Only sess2's chunks should have gone through the embedder this run.
	if emb.calls != 1 {
		t.Errorf("expected exactly one embed call (sess2 only), got %d", emb.calls)
	}
}

func TestInterruptStopsBeforeNewFiles(t *testing.T) {
	root := t.TempDir()
	writeSessionFile(t, root, "sess1", 8)
	writeSessionFile(t, root, "sess2", 8)

	s, _, _, _ := newTestSetup(t, root)
	s.Interrupt()

	result, err := s.Run(false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Interrupted {
		t.Error("expected Interrupted=true")
	}
	if !s.HasIncompleteSetup() {
		t.Error("expected state file to persist after interruption")
	}
}

func TestNoSessionFilesIsNotAnError(t *testing.T) {
	root := t.TempDir()
	s, _, _, _ := newTestSetup(t, root)
	result, err := s.Run(false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.FilesProcessed != 0 {
		t.Errorf("unexpected result for empty session root: %+v", result)
	}
}
