package daemon

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/benaskins/powerd/internal/txn"
)

const watcherDebounce = 500 * time.Millisecond

// WatchProfiles watches the profile definitions file and reloads it on
// change. The parent directory is watched so editors that replace the
// file by rename are seen. It blocks until the context is cancelled.
func (d *Daemon) WatchProfiles(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(d.profilesPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	d.logger.Info("watching profile definitions for changes", "file", d.profilesPath)

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.profilesPath) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			d.logger.Debug("profile definitions changed", "file", event.Name, "op", event.Op)

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, func() {
				if err := d.ReloadProfiles(ctx); err != nil {
					d.logger.Error("profile definitions reload failed", "error", err)
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("file watcher error", "error", err)
		}
	}
}

// ReloadProfiles rereads the definitions file. Invalid files are rejected
// and the previous definitions stay in force. When the effective profile's
// settings changed they are applied, queued behind any running
// transaction.
func (d *Daemon) ReloadProfiles(ctx context.Context) error {
	if d.profilesPath == "" {
		return nil
	}
	defs, err := d.readDefinitions()
	if err != nil {
		return err
	}
	if !d.profiles.SetDefinitions(defs) {
		d.logger.Debug("profile definitions reloaded, effective profile unchanged")
		return nil
	}

	d.logger.Info("effective profile definition changed, reapplying", "profile", d.profiles.Effective())
	err = d.txns.DoWait(ctx, txn.KindProfile, func(tok *txn.Token) error {
		return d.profiles.Reapply(ctx, tok)
	})
	d.profileApplied(d.profiles.Effective(), err)
	info := d.profileInfo()
	d.events.Publish(Event{Kind: EventProfileChanged, Time: d.now(), Profile: &info})
	return err
}
