package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrGenerationNotBumped is reported when the manifest assets change while the
// generation name stays the same. Stale entries stored under the old asset
// list are never cleaned up in that case.
var ErrGenerationNotBumped = errors.New("config: manifest assets changed without a generation bump")

// ManifestChange describes one observed edit of the manifest file.
type ManifestChange struct {
	Previous Manifest
	Current  Manifest
}

// GenerationChanged reports whether the edit introduced a new cache generation.
func (c ManifestChange) GenerationChanged() bool {
	return c.Previous.Generation != c.Current.Generation
}

// ManifestWatcher monitors the manifest file and invokes the supplied callback
// whenever its content changes. Stop must be called to release filesystem
// resources.
type ManifestWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ManifestWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchManifest wires fsnotify around the manifest file. onChange fires only
// when the parsed manifest differs from the last one delivered; unreadable or
// invalid intermediate states go to onError and keep the previous manifest.
func WatchManifest(ctx context.Context, path string, initial Manifest, onChange func(ManifestChange), onError func(error)) (*ManifestWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch manifest requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no manifest file configured for watching")
	}
	if _, err := parserFor(path); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch manifest: %w", err)
	}

	target := filepath.Clean(path)
	if abs, err := filepath.Abs(path); err == nil {
		target = filepath.Clean(abs)
	} else if onError != nil {
		onError(fmt.Errorf("config: resolve manifest file: %w", err))
	}
	// The directory is watched so editors that replace the file by rename keep being observed.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	done := make(chan struct{})
	watch := &ManifestWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch manifest close: %w", err))
			}
		}()

		last := initial
		reload := func() {
			next, err := LoadManifest(watchCtx, target)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			if next.Equal(last) {
				return
			}
			change := ManifestChange{Previous: last, Current: next}
			last = next
			if !change.GenerationChanged() && onError != nil {
				onError(fmt.Errorf("%w: %s", ErrGenerationNotBumped, next.Generation))
			}
			onChange(change)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: manifest file %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
