package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce coalesces the event bursts editors produce on save.
const reloadDebounce = 500 * time.Millisecond

// WatchBundle watches dir for rule-bundle changes and calls onReload with
// each freshly parsed bundle. A change that fails to parse is logged and
// skipped; the previous bundle stays active. Returns a stop function.
func WatchBundle(dir, extractorVersion string, log *zap.Logger, onReload func(*Bundle)) (func(), error) {
	if log == nil {
		log = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// fsnotify does not recurse, so register every directory under dir.
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var debounce *time.Timer
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
						continue
					}
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if !isBundleFile(dir, event.Name) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, func() {
					b, err := LoadBundle(dir, extractorVersion)
					if err != nil {
						log.Warn("bundle reload failed, keeping previous bundle",
							zap.String("dir", dir), zap.Error(err))
						return
					}
					log.Info("bundle reloaded",
						zap.String("dir", dir),
						zap.String("prompt_manifest_hash", b.PromptManifestHash),
						zap.String("extractor_bundle_hash", b.ExtractorBundleHash))
					onReload(b)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("bundle watcher error", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

// isBundleFile reports whether path matches one of the bundle override
// patterns relative to dir.
func isBundleFile(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range []string{conceptsPattern, trustPattern, promptsPattern} {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
