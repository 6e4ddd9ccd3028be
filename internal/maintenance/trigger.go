// Package maintenance watches for an operator-dropped trigger file and
// invokes a maintenance pass without requiring a process restart.
package maintenance

import (
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// triggerFileName is the sentinel an operator drops into the watched
// directory to request an out-of-band maintenance pass; `loci serve`
// watches `<db_path>.triggers`, e.g.
// `touch memory.db.triggers/.cleanup-trigger`.
const triggerFileName = ".cleanup-trigger"

// TriggerWatcher watches a directory for triggerFileName and invokes
// onTrigger each time it appears, removing the file afterward so the next
// touch fires again.
type TriggerWatcher struct {
	dir       string
	onTrigger func()
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewTriggerWatcher creates a watcher rooted at dataDir. onTrigger runs
// synchronously on the watcher's goroutine, so it should enqueue work
// rather than block for the duration of a maintenance pass.
func NewTriggerWatcher(dataDir string, onTrigger func()) *TriggerWatcher {
	return &TriggerWatcher{dir: dataDir, onTrigger: onTrigger, done: make(chan struct{})}
}

// Start begins watching. If a trigger file is already present (e.g. from a
// request made while the process was down), it fires once immediately.
func (tw *TriggerWatcher) Start() error {
	if err := os.MkdirAll(tw.dir, 0o700); err != nil {
		return err
	}

	if _, err := os.Stat(tw.triggerPath()); err == nil {
		tw.fire()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(tw.dir); err != nil {
		_ = w.Close()
		return err
	}
	tw.watcher = w

	go tw.loop()
	log.Printf("maintenance: watching %s for %s", tw.dir, triggerFileName)
	return nil
}

// Stop shuts down the watcher and waits for its goroutine to exit.
func (tw *TriggerWatcher) Stop() {
	if tw.watcher != nil {
		_ = tw.watcher.Close()
	}
	<-tw.done
}

func (tw *TriggerWatcher) loop() {
	defer close(tw.done)
	for {
		select {
		case evt, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if evt.Name == tw.triggerPath() && (evt.Op&fsnotify.Create != 0 || evt.Op&fsnotify.Write != 0) {
				tw.fire()
			}
		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("maintenance: watcher error: %v", err)
		}
	}
}

func (tw *TriggerWatcher) fire() {
	tw.onTrigger()
	if err := os.Remove(tw.triggerPath()); err != nil && !os.IsNotExist(err) {
		log.Printf("maintenance: removing trigger file: %v", err)
	}
}

func (tw *TriggerWatcher) triggerPath() string {
	return filepath.Join(tw.dir, triggerFileName)
}
