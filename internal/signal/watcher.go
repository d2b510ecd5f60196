// Package signal handles run control via the .waggle/signals directory.
// Dropping a stop or pause file there halts or suspends dispatch; resume
// (or removing pause) continues it.
package signal

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher tracks stop/pause signal files for a run.
type Watcher struct {
	signalsDir string

	mu          sync.RWMutex
	stopSignal  bool
	pauseSignal bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher rooted at <workDir>/.waggle/signals. The
// fsnotify watcher is best effort; Stat-based polling in ShouldStop and
// ShouldPause covers missed events.
func NewWatcher(workDir string) (*Watcher, error) {
	signalsDir := filepath.Join(workDir, ".waggle", "signals")
	if err := os.MkdirAll(signalsDir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		signalsDir: signalsDir,
		done:       make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without the watcher; polling still works.
		return w, nil
	}
	if err := fw.Add(signalsDir); err != nil {
		fw.Close()
		return w, nil
	}
	w.watcher = fw

	go w.watchSignals()

	return w, nil
}

// watchSignals monitors the signals directory for stop/pause/resume files.
func (w *Watcher) watchSignals() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			created := event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0
			w.mu.Lock()
			switch filepath.Base(event.Name) {
			case "stop":
				if created {
					w.stopSignal = true
				}
			case "pause":
				if created {
					w.pauseSignal = true
				} else if event.Op&fsnotify.Remove != 0 {
					w.pauseSignal = false
				}
			case "resume":
				if created {
					w.pauseSignal = false
				}
			}
			w.mu.Unlock()
		case <-w.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// ShouldStop reports whether a stop signal is up.
func (w *Watcher) ShouldStop() bool {
	// Also check the file directly in case the watcher missed it.
	if _, err := os.Stat(filepath.Join(w.signalsDir, "stop")); err == nil {
		w.mu.Lock()
		w.stopSignal = true
		w.mu.Unlock()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stopSignal
}

// ShouldPause reports whether a pause signal is up. A resume file, or
// removing the pause file, clears it.
func (w *Watcher) ShouldPause() bool {
	pausePath := filepath.Join(w.signalsDir, "pause")
	resumePath := filepath.Join(w.signalsDir, "resume")

	w.mu.Lock()
	if _, err := os.Stat(pausePath); err == nil {
		w.pauseSignal = true
	} else if os.IsNotExist(err) {
		w.pauseSignal = false
	}
	if _, err := os.Stat(resumePath); err == nil {
		w.pauseSignal = false
	}
	w.mu.Unlock()

	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pauseSignal
}

// SendStop creates a stop signal file.
func (w *Watcher) SendStop() error {
	path := filepath.Join(w.signalsDir, "stop")
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendPause creates a pause signal file.
func (w *Watcher) SendPause() error {
	path := filepath.Join(w.signalsDir, "pause")
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// SendResume creates a resume signal file and removes any pause file.
func (w *Watcher) SendResume() error {
	os.Remove(filepath.Join(w.signalsDir, "pause"))
	path := filepath.Join(w.signalsDir, "resume")
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes all signal files and resets signal state.
func (w *Watcher) ClearSignals() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopSignal = false
	w.pauseSignal = false

	os.Remove(filepath.Join(w.signalsDir, "stop"))
	os.Remove(filepath.Join(w.signalsDir, "pause"))
	os.Remove(filepath.Join(w.signalsDir, "resume"))
}

// SignalsDir returns the watched directory.
func (w *Watcher) SignalsDir() string {
	return w.signalsDir
}

// Close shuts down the watcher.
func (w *Watcher) Close() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
