package registration

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports changes to a single declaration file.
//
// The parent directory is watched rather than the file itself, so editors
// that replace the file through a rename are still noticed.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	logger  *zap.Logger
	Events  chan struct{}
	Errors  chan error
}

// NewWatcher starts watching path.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher create: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	w := &Watcher{
		watcher: fw,
		path:    abs,
		logger:  logger,
		Events:  make(chan struct{}, 1),
		Errors:  make(chan error, 1),
	}
	go w.loop()
	return w, nil
}

// Wait blocks until the file changes (nil), the watcher fails (error) or
// ctx is done (ctx.Err()).
func (w *Watcher) Wait(ctx context.Context) error {
	select {
	case <-w.Events:
		return nil
	case err := <-w.Errors:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("declaration file modified", zap.String("file", event.Name), zap.Stringer("op", event.Op))
			// coalesce bursts of writes into one pending notification
			select {
			case w.Events <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			default:
				w.logger.Warn("dropping watcher error", zap.Error(err))
			}
		}
	}
}
