package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/tapflow/internal/events"
	"github.com/hugo-lorenzo-mato/tapflow/internal/logging"
)

// Watcher observes the backup directory while the daemon runs. A fallback
// artifact appearing means the primary store refused a write; operators
// should notice.
type Watcher struct {
	dir     string
	bus     *events.Bus
	logger  *logging.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over the backup directory.
func NewWatcher(dir string, bus *events.Bus, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating backup watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		closeErr := fsw.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("watching backup directory: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("watching backup directory: %w", err)
	}
	return &Watcher{
		dir:     dir,
		bus:     bus,
		logger:  logger.WithComponent("backup_watcher"),
		watcher: fsw,
	}, nil
}

// Run blocks until the context is canceled, publishing an event for every
// backup artifact created in the directory.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	w.logger.Info("watching backup directory", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			sessionID, isArtifact := sessionFromArtifact(event.Name)
			if !isArtifact {
				continue
			}
			w.logger.Warn("backup artifact observed, primary store may be degraded",
				"session_id", sessionID,
				"path", event.Name)
			w.bus.Publish(events.NewBackupObservedEvent(sessionID, event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("backup watcher error", "error", err)
		}
	}
}

// sessionFromArtifact extracts the session ID from a backup artifact path.
func sessionFromArtifact(path string) (string, bool) {
	name := filepath.Base(path)
	switch {
	case strings.HasSuffix(name, taskSuffix):
		return strings.TrimSuffix(name, taskSuffix), true
	case strings.HasSuffix(name, stepSuffix):
		return strings.TrimSuffix(name, stepSuffix), true
	}
	return "", false
}
