package zone

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher drives the zone-data thread: it reloads dir into tree at
// startup, then again on every fsnotify event or explicit Rescan call,
// until ctx is canceled. This is the concrete body behind the worker
// the daemon skeleton's thread roster supervises.
type Watcher struct {
	log    zerolog.Logger
	dir    string
	tree   *Tree
	rescan chan struct{}
}

// NewWatcher builds a watcher for dir, publishing into tree.
func NewWatcher(log zerolog.Logger, dir string, tree *Tree) *Watcher {
	return &Watcher{log: log, dir: dir, tree: tree, rescan: make(chan struct{}, 1)}
}

// Rescan requests an out-of-band reload, used by SIGHUP handling.
func (w *Watcher) Rescan() {
	select {
	case w.rescan <- struct{}{}:
	default:
	}
}

// Run implements daemon.Worker's Run signature.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return fmt.Errorf("zone: initial load: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("zone: create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("zone: watch %s: %w", w.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.rescan:
			if err := w.reload(); err != nil {
				w.log.Error().Err(err).Msg("zone rescan failed, keeping previous tree")
			}
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := w.reload(); err != nil {
					w.log.Error().Err(err).Msg("zone rescan failed, keeping previous tree")
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) reload() error {
	zones, err := LoadDir(w.dir)
	if err != nil {
		return err
	}
	w.tree.Publish(zones)
	w.log.Info().Int("zones", len(zones)).Msg("zone tree reloaded")
	return nil
}
