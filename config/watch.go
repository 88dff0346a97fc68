package config

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of events editors emit on save
const DefaultReloadDebounce = 200 * time.Millisecond

// Watch reloads the YAML file at path whenever it changes and stores the
// result as the global configuration. onReload is called after every attempt,
// with a nil config when the file could not be loaded. Watch blocks until ctx
// is done.
func Watch(ctx context.Context, path string, onReload func(*Config, error)) error {
	if path == "" {
		return errors.New("no config file to watch")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory so atomic renames (vim, kubernetes configmaps) are seen
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(DefaultReloadDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := Load(path)
			if err == nil {
				Set(cfg)
			}
			onReload(cfg, err)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			onReload(nil, err)
		}
	}
}
