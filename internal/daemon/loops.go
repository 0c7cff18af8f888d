package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tickLoop drives the controller and applies a profile reload that was
// deferred while a run was in progress.
func (d *Daemon) tickLoop(ctx context.Context) error {
	interval := time.Duration(d.config.Daemon.TickIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.controller.Loop()
			d.applyPendingReload()
		}
	}
}

func (d *Daemon) applyPendingReload() {
	d.mu.Lock()
	pending := d.reloadPending
	d.mu.Unlock()
	if !pending || d.controller.IsInProgress() {
		return
	}
	if _, err := d.reloadProfile(); err != nil {
		d.logger.Warnf("deferred profile reload rejected: %v", err)
		d.mu.Lock()
		d.reloadPending = false
		d.mu.Unlock()
	}
}

// watchLoop reloads the profile when its file changes. Changes during a run
// are applied once the run ends.
func (d *Daemon) watchLoop(ctx context.Context) error {
	target := filepath.Clean(d.profilePath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			d.onProfileChanged()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warnf("fsnotify error: %v", err)
		}
	}
}

func (d *Daemon) onProfileChanged() {
	if d.controller.IsInProgress() {
		d.mu.Lock()
		d.reloadPending = true
		d.mu.Unlock()
		d.logger.Infof("profile changed during a run, reload deferred")
		return
	}
	if _, err := d.reloadProfile(); err != nil {
		d.logger.Warnf("profile reload rejected: %v", err)
	}
}
