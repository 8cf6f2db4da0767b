// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/corsie-chat/corsie/internal/security"
)

// watchDebounce coalesces bursts of write events into one reload.
// Editors typically emit several events per save.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads the config when the file changes on disk.
type Watcher struct {
	path    string
	keeper  *security.Keeper
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path and invokes onReload with the freshly loaded
// config after each change. Reload failures are logged and skipped; the
// previous config stays in effect.
func Watch(path string, keeper *security.Keeper, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory, not the file: atomic saves replace the inode and
	// a watch on the old file would go stale after the first save.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:    path,
		keeper:  keeper,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop(onReload)
	return w, nil
}

func (w *Watcher) loop(onReload func(*Config)) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			cfg, err := Load(w.path, w.keeper)
			if err != nil {
				log.Printf("config: reload failed, keeping previous: %v", err)
				continue
			}
			onReload(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
