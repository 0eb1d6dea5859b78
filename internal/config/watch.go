package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/technosupport/ts-vod/internal/log"
	"github.com/technosupport/ts-vod/internal/ratelimit"
)

// WatchRateLimits re-reads the overlay file whenever it changes and hands
// the parsed limits to apply. Limit changes therefore take effect without a
// restart. Returns immediately; the watch loop runs until ctx is cancelled.
func WatchRateLimits(ctx context.Context, path string, apply func(ratelimit.Config)) error {
	logger := log.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
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
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				// Editors often write in two events; let the file settle.
				time.Sleep(100 * time.Millisecond)
				rl, err := LoadRateLimitFile(path)
				if err != nil {
					logger.Warn().Err(err).Str("path", path).Msg("rate limit reload failed")
					continue
				}
				apply(rl)
				logger.Info().Str("path", path).Msg("rate limits reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
