// Copyright 2025 Kadir Pekel
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

package project

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// driftWatchSyncInterval is how often DriftWatcher reconciles its fsnotify
// watch list against the registry's current project set.
const driftWatchSyncInterval = 10 * time.Second

// DriftWatcher is a push-based complement to the authoritative SHA-256
// specification hash check a Kobold performs at task start (spec.md §4.5.3,
// supervisor.specificationDrifted): it watches every analyzed project's
// specification file for writes and, on one, immediately recomputes the
// hash and records a drift warning, so an operator sees it long before a
// worker happens to pick up a task and discover it lazily. It never blocks
// task execution and never substitutes for the authoritative check.
type DriftWatcher struct {
	registry *Registry
	watcher  *fsnotify.Watcher
	log      *slog.Logger

	watched map[string]string // project id -> specification file path currently watched
}

// NewDriftWatcher constructs a DriftWatcher bound to registry. Call Run to
// start it; Run owns the fsnotify.Watcher's lifetime and closes it when ctx
// is cancelled.
func NewDriftWatcher(registry *Registry) (*DriftWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DriftWatcher{
		registry: registry,
		watcher:  w,
		log:      slog.Default().With("component", "project.DriftWatcher"),
		watched:  make(map[string]string),
	}, nil
}

// Run blocks, reconciling the watch list every driftWatchSyncInterval and
// handling fsnotify events, until ctx is cancelled.
func (d *DriftWatcher) Run(ctx context.Context) {
	defer d.watcher.Close()

	d.reconcile()
	ticker := time.NewTicker(driftWatchSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcile()
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				d.handleWrite(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("fsnotify error", "error", err)
		}
	}
}

// reconcile adds a watch for every project whose specification file isn't
// already watched, and drops watches for projects no longer eligible
// (deleted, or reset back to a pre-analysis status). Projects still in New
// or WyrmAssigned have no captured SpecificationContentHash yet, so
// watching them would only ever produce false positives against an empty
// baseline; they're skipped until analysis has recorded one.
func (d *DriftWatcher) reconcile() {
	current := make(map[string]string)
	for _, p := range d.registry.List() {
		if p.Tracking.SpecificationContentHash == "" {
			continue
		}
		current[p.ID] = p.Paths.SpecificationFile
	}

	for id, path := range current {
		if d.watched[id] == path {
			continue
		}
		if err := d.watcher.Add(path); err != nil {
			d.log.Warn("watch specification file failed", "project", id, "path", path, "error", err)
			continue
		}
		d.watched[id] = path
	}

	for id, path := range d.watched {
		if _, ok := current[id]; ok {
			continue
		}
		_ = d.watcher.Remove(path)
		delete(d.watched, id)
	}
}

// handleWrite looks up which watched project owns the written path and, if
// its content no longer hashes to what was recorded at analysis time,
// records a drift warning immediately.
func (d *DriftWatcher) handleWrite(path string) {
	var projectID string
	for id, p := range d.watched {
		if p == path {
			projectID = id
			break
		}
	}
	if projectID == "" {
		return
	}

	p, err := d.registry.Get(projectID)
	if err != nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if hash == p.Tracking.SpecificationContentHash {
		return
	}

	d.log.Warn("specification file changed on disk, drift suspected ahead of next worker pickup", "project", projectID, "path", path)
	if err := d.registry.RecordError(projectID, "specification modified externally; drift suspected"); err != nil {
		d.log.Error("failed to record drift warning", "project", projectID, "error", err)
	}
}
