// Package watch reports debounced changes to a fixed set of files.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must be quiet before its event is sent.
const DefaultDebounce = 200 * time.Millisecond

// Event is a debounced change to one watched file.
type Event struct {
	Path string
	Op   fsnotify.Op
	At   time.Time
}

// Watcher watches individual files through their parent directories, so
// editors that save by rename are still seen. Files need not exist yet.
type Watcher struct {
	files   map[string]struct{}
	watcher *fsnotify.Watcher
	logger  *log.Logger

	debounce time.Duration
	events   chan Event
	errors   chan error

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// New watches the given files. Empty paths are ignored; at least one
// parent directory must be watchable.
func New(paths []string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		files:    make(map[string]struct{}),
		logger:   log.Default().WithPrefix("watch"),
		debounce: DefaultDebounce,
		events:   make(chan Event, 16),
		errors:   make(chan error, 4),
		pending:  make(map[string]fsnotify.Op),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	dirs := map[string]struct{}{}
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		w.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	if len(w.files) == 0 {
		return nil, errors.New("no files to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	added := 0
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Debug("skip watch", "dir", dir, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		fsw.Close()
		return nil, errors.New("none of the watched directories exist")
	}
	w.watcher = fsw
	return w, nil
}

// Events returns debounced events. It is closed on Stop.
func (w *Watcher) Events() <-chan Event {
	if w == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return w.events
}

// Errors returns watcher errors. It is closed on Stop.
func (w *Watcher) Errors() <-chan error {
	if w == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return w.errors
}

// Start runs the event loop until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil || w.watcher == nil {
		return errors.New("watcher is not initialized")
	}
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.loop(ctx)
	})
	return nil
}

// Stop closes the watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	if w == nil || w.watcher == nil {
		return nil
	}
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
		if w.started.Load() {
			<-w.doneCh
		}
	})
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.events)
	defer close(w.errors)

	for {
		var timerC <-chan time.Time
		w.mu.Lock()
		if w.timer != nil {
			timerC = w.timer.C
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, watched := w.files[filepath.Clean(ev.Name)]; !watched {
				continue
			}
			w.record(ev.Name, ev.Op)
		case <-timerC:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) record(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[filepath.Clean(path)] |= op
	if w.timer == nil {
		w.timer = time.NewTimer(w.debounce)
		return
	}
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	w.timer.Reset(w.debounce)
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.timer = nil
	w.mu.Unlock()

	now := time.Now().UTC()
	for path, op := range pending {
		select {
		case w.events <- Event{Path: path, Op: op, At: now}:
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) sendError(err error) {
	if err == nil {
		return
	}
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("watcher error dropped", "error", err)
	}
}
