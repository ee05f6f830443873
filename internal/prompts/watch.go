package prompts

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch clears the template cache whenever a file under one of the override
// directories changes, so edited prompts apply to the next stage without a
// restart. It returns once the directories are watched and stops when ctx
// is done. Override directories that do not exist are skipped.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating prompt watcher: %w", err)
	}

	for _, dir := range l.overrideDirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		if err := addTree(watcher, dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				l.handleEvent(watcher, event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("prompts: watcher: %v", err)
			}
		}
	}()
	return nil
}

func (l *Loader) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	// a new stage/ directory holds overrides too
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := addTree(watcher, event.Name); err != nil {
				log.Printf("prompts: watching %s: %v", event.Name, err)
			}
		}
	}
	l.ClearCache()
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
