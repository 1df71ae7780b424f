// Copyright 2020 Hewlett Packard Enterprise Development LP

package pr

import (
	"path/filepath"
	"sync"

	notify "github.com/fsnotify/fsnotify"

	log "github.com/hpe-storage/scsi-pr-engine/logger"
)

// FileWatcher notices out-of-band changes to a device's primary PR file
// (an operator restoring a backup, a cluster peer rewriting shared
// storage) and invokes a callback so the caller can decide whether to
// reload. The engine itself never reloads implicitly; APTPL state
// changes only through the PR-OUT handlers and Load.
type FileWatcher struct {
	watcher *notify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup
}

// WatchPRFile starts watching dev's primary PR file path and invokes
// onChange (in a dedicated goroutine) each time fsnotify reports a write,
// create, or rename event on it. Returns an error if the underlying
// inotify watch could not be installed; a missing file (not yet created)
// is not an error; the watch simply fires once the file first appears.
func WatchPRFile(dev *Device, onChange func()) (*FileWatcher, error) {
	w, err := notify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(dev.PRFilePath)
	if err := w.Add(dir); err != nil {
		log.Warnf("WatchPRFile: failed to watch %s for device %s: %v", dir, dev.Name, err)
		w.Close()
		return nil, err
	}

	fw := &FileWatcher{watcher: w, stop: make(chan struct{})}
	fw.wg.Add(1)
	go fw.run(dev.PRFilePath, onChange)
	return fw, nil
}

func (fw *FileWatcher) run(path string, onChange func()) {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.stop:
			fw.watcher.Close()
			return
		case ev, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != path {
				continue
			}
			if ev.Op&(notify.Write|notify.Create|notify.Rename) != 0 {
				log.Tracef("WatchPRFile: %s changed (%s)", path, ev.Op)
				onChange()
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("WatchPRFile: watch error: %v", err)
		}
	}
}

// Close stops the watcher goroutine and releases the underlying inotify
// descriptor.
func (fw *FileWatcher) Close() {
	close(fw.stop)
	fw.wg.Wait()
}
