// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"
	"errors"
	"path/filepath"

	"git.taskgrid.org/taskgrid.git/sdk/go/grid"
	"github.com/fsnotify/fsnotify"
)

// Watch calls reload with the newly loaded config each time the
// config file changes, until ctx is done. A file that fails to load
// is logged and otherwise ignored, so the caller keeps running with
// the last good config.
//
// The containing directory is watched rather than the file itself,
// so a file replaced by rename (as most editors and config
// management tools do) is still noticed.
func (ldr *Loader) Watch(ctx context.Context, reload func(*grid.Config)) error {
	if ldr.Path == "-" {
		return errors.New("cannot watch stdin")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	path, err := filepath.Abs(ldr.Path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ldr.Logger.WithError(err).Warn("config file watcher error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			cfg, err := ldr.Load()
			if err != nil {
				ldr.Logger.WithError(err).WithField("Path", path).Warn("error reloading config file, keeping previous config")
				continue
			}
			ldr.Logger.WithField("Path", path).Info("config file reloaded")
			reload(cfg)
		}
	}
}
