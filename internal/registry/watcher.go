package registry

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/common/logger"
)

// TranscriptWatcher watches a workspace's vendor transcript directory and
// triggers a debounced callback (typically Registry.Scan) on write
// activity, so scan() can run incrementally instead of only on demand.
type TranscriptWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *logger.Logger
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
	stop  chan struct{}
}

// NewTranscriptWatcher watches dir and calls onChange (debounced by
// debounce) whenever a file is created, written, or renamed within it.
func NewTranscriptWatcher(dir string, debounce time.Duration, onChange func(), log *logger.Logger) (*TranscriptWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	tw := &TranscriptWatcher{
		watcher:  w,
		logger:   log.WithFields(zap.String("component", "transcript-watcher"), zap.String("dir", dir)),
		debounce: debounce,
		stop:     make(chan struct{}),
	}

	go tw.loop(onChange)
	return tw, nil
}

func (tw *TranscriptWatcher) loop(onChange func()) {
	for {
		select {
		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			tw.scheduleDebounced(onChange)

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			tw.logger.Warn("transcript watcher error", zap.Error(err))

		case <-tw.stop:
			return
		}
	}
}

func (tw *TranscriptWatcher) scheduleDebounced(onChange func()) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.timer != nil {
		tw.timer.Stop()
	}
	tw.timer = time.AfterFunc(tw.debounce, onChange)
}

// Close stops watching and releases the underlying inotify/kqueue handle.
func (tw *TranscriptWatcher) Close() error {
	close(tw.stop)
	return tw.watcher.Close()
}
