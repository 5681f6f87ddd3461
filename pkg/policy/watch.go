package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadDebounce coalesces bursts of file events into one reload.
const ReloadDebounce = 500 * time.Millisecond

// Watch reloads the policies whenever a file under the configured paths
// changes, until ctx ends or Close is called. It returns once watching has
// started.
func (g *RegoGuard) Watch(ctx context.Context) error {
	if len(g.config.Paths) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	for _, path := range g.config.Paths {
		if err := watchPath(watcher, path); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	g.watchMu.Lock()
	if g.watcher != nil {
		_ = g.watcher.Close()
	}
	g.watcher = watcher
	g.watchMu.Unlock()

	go g.watch(ctx, watcher)

	g.logger.Info().Strs("paths", g.config.Paths).Msg("Watching pending policies")
	return nil
}

// watchPath adds path, or every directory below it, to watcher.
func watchPath(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("policy path %s: %w", path, err)
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(name)
		}
		return nil
	})
}

func (g *RegoGuard) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !policyFile(event.Name) {
				continue
			}
			g.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Pending policy changed")

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(ReloadDebounce, func() {
				if err := g.Reload(ctx); err != nil {
					g.logger.Error().Err(err).Msg("Pending policy reload failed, keeping previous rules")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			g.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
