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

// HeaderProfileWatcher monitors the dictionary header profile file and invokes
// the supplied callback whenever it changes. Stop must be called to release
// filesystem resources.
type HeaderProfileWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *HeaderProfileWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchHeaderProfile wires fsnotify around the configured header profile file.
// Each successful reload hands onChange the configured headers merged with the
// file contents; parse failures go to onError and leave the last profile active.
func (l *Loader) WatchHeaderProfile(ctx context.Context, cfg Config, onChange func(map[string]string), onError func(error)) (*HeaderProfileWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch header profile requires a change callback")
	}
	if cfg.Upstreams.Dictionary.HeadersFile == "" {
		return nil, errors.New("config: no header profile configured for watching")
	}

	target := cfg.Upstreams.Dictionary.HeadersFile
	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	target = filepath.Clean(target)

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch header profile: %w", err)
	}
	// Editors replace files by rename, so the directory is watched rather than the file.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	base := cloneHeaders(cfg.Upstreams.Dictionary.ConfiguredHeaders)
	if len(base) == 0 {
		base = cloneHeaders(cfg.Upstreams.Dictionary.Headers)
	}

	done := make(chan struct{})
	watch := &HeaderProfileWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch header profile close: %w", err))
			}
		}()

		reload := func() {
			profile, err := LoadHeaderProfile(target)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(MergeHeaders(base, profile))
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
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: header profile %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
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

func cloneHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
