// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultReloadDebounce coalesces the bursts of events editors and atomic
// renames produce for a single save.
const DefaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands every
// valid result to a callback. Invalid edits are logged and skipped, so the
// previous configuration stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	fs       *fsnotify.Watcher
}

// NewWatcher watches path. The parent directory is watched rather than the
// file itself since SaveTOML replaces the file by rename.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config)) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	path = filepath.Clean(path)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create config watcher")
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}

	return &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		fs:       fw,
	}, nil
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("CONFIG_WATCH_ERROR")

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := load(w.path, true)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("CONFIG_RELOAD_FAILED")
		return
	}
	log.Info().Str("path", w.path).Msg("CONFIG_RELOADED")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fs.Close()
}
