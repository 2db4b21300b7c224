package memory

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher reports markdown changes under watched directories, debounced.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func()
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewFileWatcher starts a watcher that calls onChange after changes settle.
func NewFileWatcher(logger zerolog.Logger, debounce time.Duration, onChange func()) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	fw := &FileWatcher{
		watcher:  watcher,
		logger:   logger,
		onChange: onChange,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go fw.run()
	return fw, nil
}

// Watch adds a directory.
func (fw *FileWatcher) Watch(path string) error {
	return fw.watcher.Add(path)
}

// Stop ends the watcher and cancels a pending notification.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.stopCh)
		err = fw.watcher.Close()
		<-fw.doneCh

		fw.mu.Lock()
		if fw.timer != nil {
			fw.timer.Stop()
		}
		fw.mu.Unlock()
	})
	return err
}

func (fw *FileWatcher) run() {
	defer close(fw.doneCh)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Memory file change detected")
				fw.schedule()
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("File watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

func (fw *FileWatcher) schedule() {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.onChange)
}
