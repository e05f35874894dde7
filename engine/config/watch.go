package config

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/prism/engine/core"
)

// Watch reloads the config whenever the file changes. Only the
// reloadable knobs (log level, async presentation) take effect; a bad
// file is logged and the previous settings are kept. Returns a stop
// function that must be called before shutdown.
func (c *Config) Watch(path string) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save
	// and a watch on the old inode would go stale.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				c.reload(target)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				core.LogError("config watcher: %s", err.Error())
			}
		}
	}()

	return watcher.Close, nil
}

func (c *Config) reload(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		core.LogError("config reload: %s", err.Error())
		return
	}
	next := Default()
	if err := toml.Unmarshal(data, next); err != nil {
		core.LogError("config reload: %s", err.Error())
		return
	}
	next.sanitize()
	c.apply(next)
	core.LogInfo("config reloaded from %s", path)
}
