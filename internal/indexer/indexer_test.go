package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

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

func writeSession(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "sess1.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write session: %v", err)
	}
	return path
}

func newTestIndexer(t *testing.T) (*Indexer, *vectorstore.Store, *registry.Registry, *fakeEmbedder) {
	t.Helper()
	store, err := vectorstore.Open(t.TempDir(), 16, 200, 50)
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.json"), nil)
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	emb := &fakeEmbedder{}
	idx := New(store, reg, emb, nil, Options{Workers: 2, Debounce: 5 * time.Second, CheckpointInterval: 15, Tick: time.Second})
	return idx, store, reg, emb
}

func sampleMessages(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = `{"role":"user","content":"message number ` + string(rune('a'+i%26)) + `"}`
	}
	return out
}

func TestEnqueueSkipsWhenNoNewMessages(t *testing.T) {
	idx, _, reg, _ := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(3)...)

	reg.Upsert(registry.Metadata{SessionID: "sess1", MessageCount: 10})
	idx.Enqueue(path)

	idx.mu.Lock()
	_, pending := idx.pending[path]
	idx.mu.Unlock()
	if pending {
		t.Error("expected no pending task when message_count <= last_indexed_count")
	}
}

func TestEnqueueAddsPendingTask(t *testing.T) {
	idx, _, _, _ := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(5)...)

	idx.Enqueue(path)

	idx.mu.Lock()
	task, ok := idx.pending[path]
	idx.mu.Unlock()
	if !ok {
		t.Fatal("expected pending task to be created")
	}
	if task.MessageCount != 5 {
		t.Errorf("MessageCount = %d, want 5", task.MessageCount)
	}
}

func TestEnqueueCoalescesRapidEvents(t *testing.T) {
	idx, _, _, _ := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(5)...)

	idx.Enqueue(path)
	idx.Enqueue(path)
	idx.Enqueue(path)

	idx.mu.Lock()
	n := len(idx.pending)
	idx.mu.Unlock()
	if n != 1 {
		t.Errorf("expected exactly one coalesced task, got %d", n)
	}
}

func TestProcessTaskIndexesSession(t *testing.T) {
	idx, store, reg, emb := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(5)...)

	task := &Task{FilePath: path, LastModifiedTS: time.Now(), MessageCount: 5, LastIndexedCount: 0}
	if err := idx.processTask(task, "test-corr-id"); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if emb.calls == 0 {
		t.Error("expected embedder to be invoked")
	}
	if store.Active.Count() == 0 {
		t.Error("expected records to be added to the active collection")
	}
	meta := reg.Get("sess1")
	if meta == nil {
		t.Fatal("expected registry to contain sess1")
	}
	if meta.MessageCount != 5 {
		t.Errorf("MessageCount = %d, want 5", meta.MessageCount)
	}
}

func TestProcessTaskCheckpointSkip(t *testing.T) {
	idx, store, _, emb := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(16)...)

	// delta of 1 new message is below the default checkpoint interval (15).
	task := &Task{FilePath: path, LastModifiedTS: time.Now(), MessageCount: 16, LastIndexedCount: 15}
	if err := idx.processTask(task, "corr"); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	if emb.calls != 0 {
		t.Errorf("expected checkpoint skip to avoid embedding, got %d calls", emb.calls)
	}
	if store.Active.Count() != 0 {
		t.Error("expected no records added on checkpoint skip")
	}
}

func TestProcessTaskReindexReplacesRecords(t *testing.T) {
	idx, store, _, _ := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(5)...)

	task := &Task{FilePath: path, LastModifiedTS: time.Now(), MessageCount: 5}
	if err := idx.processTask(task, "c1"); err != nil {
		t.Fatalf("first processTask: %v", err)
	}
	firstCount := store.Active.Count()

	// Simulate enough messages arriving to overflow one chunk (400 messages of
	// 4 tokens each chunk into two) and a second pass well past checkpoint.
	path = writeSession(t, dir, sampleMessages(400)...)
	task2 := &Task{FilePath: path, LastModifiedTS: time.Now(), MessageCount: 400, LastIndexedCount: 5}
	if err := idx.processTask(task2, "c2"); err != nil {
		t.Fatalf("second processTask: %v", err)
	}

	if store.Active.Count() <= firstCount {
		t.Errorf("expected more records after reindexing a larger session, got %d (was %d)", store.Active.Count(), firstCount)
	}
	if len(store.Active.GetBySession("sess1")) == 0 {
		t.Error("expected live records for sess1 after reindex")
	}
}

func TestCollectReadyHonoursDebounce(t *testing.T) {
	idx, _, _, _ := newTestIndexer(t)
	idx.opts.Debounce = 50 * time.Millisecond
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(5)...)

	idx.Enqueue(path)
	if ready := idx.collectReady(); len(ready) != 0 {
		t.Fatalf("task became ready before the debounce window elapsed: %d", len(ready))
	}

	// The task must still be pending, untouched by the early collection.
	idx.mu.Lock()
	_, pending := idx.pending[path]
	idx.mu.Unlock()
	if !pending {
		t.Fatal("early collectReady must leave the task pending")
	}

	time.Sleep(60 * time.Millisecond)
	ready := idx.collectReady()
	if len(ready) != 1 {
		t.Fatalf("expected 1 ready task after debounce, got %d", len(ready))
	}
	if ready[0].MessageCount != 5 {
		t.Errorf("ready task MessageCount = %d, want 5", ready[0].MessageCount)
	}
	if again := idx.collectReady(); len(again) != 0 {
		t.Errorf("collected task should be removed from pending, got %d more", len(again))
	}
}

func TestStatsCountIndexedTasks(t *testing.T) {
	idx, _, _, _ := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(5)...)

	if _, err := idx.IndexFile(path, false); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	s := idx.GetStats()
	if s.TasksIndexed != 1 {
		t.Errorf("TasksIndexed = %d, want 1", s.TasksIndexed)
	}
	if s.Errors != 0 {
		t.Errorf("Errors = %d, want 0", s.Errors)
	}
}

func TestProcessTaskSetsCreatedAt(t *testing.T) {
	idx, _, reg, _ := newTestIndexer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "sess1.jsonl")
	content := `{"role":"user","content":"first","timestamp":"2026-03-01T10:00:00Z"}` + "\n" +
		`{"role":"assistant","content":"second"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write session: %v", err)
	}

	task := &Task{FilePath: path, LastModifiedTS: time.Now(), MessageCount: 2}
	if err := idx.processTask(task, "corr"); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	meta := reg.Get("sess1")
	if meta == nil {
		t.Fatal("expected registry entry")
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !meta.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want first message timestamp %v", meta.CreatedAt, want)
	}
}

func TestIndexFileIndexesAndReportsStatus(t *testing.T) {
	idx, store, reg, emb := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(5)...)

	result, err := idx.IndexFile(path, false)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if result.Status != StatusIndexed {
		t.Errorf("Status = %q, want %q", result.Status, StatusIndexed)
	}
	if result.SessionID != "sess1" {
		t.Errorf("SessionID = %q, want sess1", result.SessionID)
	}
	if result.ChunksAdded == 0 {
		t.Error("expected ChunksAdded > 0")
	}
	if emb.calls == 0 {
		t.Error("expected embedder to be invoked")
	}
	if store.Active.Count() == 0 {
		t.Error("expected records added to the active collection")
	}
	if reg.Get("sess1") == nil {
		t.Fatal("expected registry to contain sess1")
	}
}

func TestIndexFileSkipsWhenBelowCheckpoint(t *testing.T) {
	idx, store, reg, emb := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(16)...)

	reg.Upsert(registry.Metadata{SessionID: "sess1", MessageCount: 15})
	result, err := idx.IndexFile(path, false)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if result.Status != StatusAlreadyIndexed {
		t.Errorf("Status = %q, want %q", result.Status, StatusAlreadyIndexed)
	}
	if emb.calls != 0 {
		t.Errorf("expected no embedding calls, got %d", emb.calls)
	}
	if store.Active.Count() != 0 {
		t.Error("expected no records added")
	}
}

func TestIndexFileForceBypassesCheckpoint(t *testing.T) {
	idx, store, reg, _ := newTestIndexer(t)
	dir := t.TempDir()
	path := writeSession(t, dir, sampleMessages(16)...)

	reg.Upsert(registry.Metadata{SessionID: "sess1", MessageCount: 15})
	result, err := idx.IndexFile(path, true)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if result.Status != StatusIndexed {
		t.Errorf("Status = %q, want %q", result.Status, StatusIndexed)
	}
	if store.Active.Count() == 0 {
		t.Error("expected records added when forcing a reindex")
	}
}
