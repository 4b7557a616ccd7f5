package counters

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loykin/metricwatch/internal/logger"
)

// DefaultDebounce is how long the notifier waits for a burst of writes to
// settle before signalling.
const DefaultDebounce = 500 * time.Millisecond

// Notifier turns filesystem events on the counter file into wake-ups for the
// supervisor loop. It only shortens the wait between cycles.
type Notifier struct {
	path     string
	debounce time.Duration
	log      logger.Sink
	wake     chan struct{}
}

func NewNotifier(path string, debounce time.Duration, log logger.Sink) *Notifier {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Notifier{path: filepath.Clean(path), debounce: debounce, log: log.OrDiscard(), wake: make(chan struct{}, 1)}
}

// C delivers at most one pending wake-up.
func (n *Notifier) C() <-chan struct{} { return n.wake }

// Run watches the parent directory so creation of a missing file is seen too.
// It returns when ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(n.path)); err != nil {
		return err
	}
	n.log.Info("watching counter configuration", "path", n.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != n.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(n.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(n.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			n.signal()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			n.log.Error("counter watcher error", "err", err)
		}
	}
}

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}
