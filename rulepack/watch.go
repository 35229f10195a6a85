package rulepack

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls reg.Reload whenever a YAML file in the rulepack or lexicon
// directory changes. Events are debounced; the call blocks until ctx is done.
func Watch(ctx context.Context, reg *Registry, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs := map[string]bool{filepath.Dir(reg.PackPath()): true}
	if reg.LexiconDir() != "" {
		dirs[reg.LexiconDir()] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	var timer *time.Timer
	trigger := func() {
		pack, err := reg.Reload()
		if err != nil {
			slog.Error("rulepack reload failed, keeping previous version", "error", err)
			return
		}
		slog.Info("rulepack reloaded after change", "pack_id", pack.Meta.PackID, "version", pack.Meta.Version)
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isRuleFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, trigger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("rulepack watch error", "error", err)
		}
	}
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
