package config

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

func modTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Watch monitors path for changes and republishes into store. It uses
// fsnotify as the primary mechanism, falling back to a 60s poll of the
// file's mtime if the watcher cannot be set up (e.g. the file does not
// exist yet) — the poll loop also runs alongside fsnotify as a safety net
// against missed events.
func Watch(ctx context.Context, path string, store *Store, log zerolog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Warn().Err(err).Msg("config watcher: fsnotify init failed, falling back to polling")
		usePolling = true
	} else if err := watcher.Add(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config watcher: failed to watch file, falling back to polling")
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
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
					if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
						time.Sleep(100 * time.Millisecond) // debounce editors that write in two syscalls
						reload(path, store, log)
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Warn().Err(err).Msg("config watcher: fsnotify error")
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		var lastMod time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mod, ok := modTime(path)
				if ok && mod.After(lastMod) {
					lastMod = mod
					reload(path, store, log)
				}
			}
		}
	}()
}

func reload(path string, store *Store, log zerolog.Logger) {
	cfg, err := Load(path)
	if err != nil {
		log.Error().Err(err).Msg("config watcher: reload failed, keeping previous config")
		return
	}
	store.Set(cfg)
	log.Info().Str("path", path).Msg("config reloaded")
}
