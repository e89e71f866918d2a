// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watcher detects out-of-band edits to the gateway's state files
// and triggers reloads. It watches parent directories rather than the files
// themselves so atomic rename-into-place writes are observed.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces the event bursts editors and atomic writers
// produce for a single logical change.
const defaultDebounce = 200 * time.Millisecond

// Watcher dispatches file-change events to registered reload callbacks.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	handlers map[string]func() // keyed by absolute file path
	timers   map[string]*time.Timer
	dirs     map[string]bool
	started  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a watcher. Call Watch to register files, then Start.
func New(logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		watcher:  fsw,
		logger:   logger.With(slog.String("component", "watcher")),
		debounce: defaultDebounce,
		handlers: make(map[string]func()),
		timers:   make(map[string]*time.Timer),
		dirs:     make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Watch registers reload to run when the file at path changes.
func (w *Watcher) Watch(path string, reload func()) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Dir(absPath)
	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.handlers[absPath] = reload
	return nil
}

// Start begins dispatching events until the context is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.eventLoop(ctx)
	w.logger.Info("config watcher started")
}

// Stop stops the watcher and releases resources. Safe to call whether or not
// Start ran; the event loop is only waited on when it was launched.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("config watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Warn("watcher event channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Warn("watcher error channel closed")
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// handleEvent debounces per file and fires the registered handler. Create
// and Rename matter because state files are written via temp+rename.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	path := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	handler, ok := w.handlers[path]
	if !ok {
		return
	}

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.logger.Debug("state file changed, reloading", slog.String("path", path))
		handler()
	})
}
