package indexer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// watcher is the optional filesystem half of the background indexer: it
// recursively watches the session root, filters to *.jsonl, and forwards
// create/write events to Indexer.Enqueue, where rapid events for the same
// file coalesce into one pending task.
type watcher struct {
	fw  *fsnotify.Watcher
	idx *Indexer
}

func newWatcher(idx *Indexer) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &watcher{fw: fw, idx: idx}, nil
}

// run adds rootDir (and its subdirectories) to the watch list and processes
// events until done is closed.
func (w *watcher) run(rootDir string, done <-chan struct{}) {
	defer w.fw.Close()

	if err := w.addDirRecursive(rootDir); err != nil {
		w.idx.log.Warn("watcher: initial directory scan failed", "root", rootDir, "error", err)
		return
	}

	for {
		select {
		case <-done:
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			path := event.Name

			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(path); err == nil && fi.IsDir() {
					_ = w.addDirRecursive(path)
				}
			}

			if !strings.HasSuffix(path, ".jsonl") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.idx.Enqueue(path)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.idx.log.Warn("watcher error", "error", err)
		}
	}
}

// addDirRecursive adds dir and every non-hidden subdirectory to the watch
// list.
func (w *watcher) addDirRecursive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.fw.Add(dir); err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			if err := w.addDirRecursive(filepath.Join(dir, e.Name())); err != nil {
				w.idx.log.Warn("watcher: skip directory", "path", filepath.Join(dir, e.Name()), "error", err)
			}
		}
	}
	return nil
}
