package modes

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalogue whenever the modes file changes, until ctx is
// done. The parent directory is watched so editors that replace the file by
// rename are seen too. A failed reload keeps the previous catalogue.
func (c *Catalogue) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(c.path)
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				c.logger.Info("modes file changed", "path", ev.Name, "op", ev.Op.String())
				if err := c.Reload(); err != nil {
					c.logger.Error("reload modes", "error", err)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				c.logger.Error("modes watcher error", "error", err)
			}
		}
	}()
	return nil
}
