package filter

import (
	"fmt"
	"path/filepath"

	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
	"github.com/fsnotify/fsnotify"
)

// Watch reloads the seed file and domains files whenever one of them is
// written or replaced. Directories are watched so that editors replacing
// the file by rename are picked up. Call Close to stop watching.
func (l *List) Watch() error {
	l.mu.RLock()
	files := append([]string{}, l.cfg.DomainsFiles...)
	if l.cfg.SeedFile != "" {
		files = append(files, l.cfg.SeedFile)
	}
	l.mu.RUnlock()

	if len(files) == 0 {
		return nil
	}

	watched := make(map[string]bool, len(files))
	dirs := make(map[string]bool)
	for _, file := range files {
		abs, err := absPath(file)
		if err != nil {
			return err
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.done = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.watchLoop(watcher, watched)
	return nil
}

func (l *List) watchLoop(watcher *fsnotify.Watcher, watched map[string]bool) {
	defer l.wg.Done()

	for {
		select {
		case e, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !watched[filepath.Clean(e.Name)] {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("Filter file %s changed (%s), reloading", e.Name, e.Op)
			if err := l.reloadFiles(); err != nil {
				logger.Error("Failed to reload filter files: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Filter file watcher error: %v", err)
		case <-l.done:
			return
		}
	}
}

// Close stops the file watcher, if any
func (l *List) Close() error {
	l.mu.Lock()
	watcher := l.watcher
	done := l.done
	l.watcher = nil
	l.done = nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(done)
	err := watcher.Close()
	l.wg.Wait()
	return err
}
