package pricing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var ErrSourceClosed = errors.New("pricing source closed")

// Source supplies the current pricing configuration and signals changes.
// Change notifications are coalesced; receivers call Load to read the
// latest value.
type Source interface {
	Load(ctx context.Context) (Config, error)
	Changes() <-chan struct{}
}

// FileSource serves a pricing file and watches it for edits.
type FileSource struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger

	fsw     *fsnotify.Watcher
	changes chan struct{}

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFileSource(path string, debounce time.Duration, logger *zap.Logger) (*FileSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve pricing path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create pricing watcher: %w", err)
	}

	return &FileSource{
		path:     abs,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		changes:  make(chan struct{}, 1),
	}, nil
}

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Load(ctx context.Context) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	return LoadFile(s.path)
}

func (s *FileSource) Changes() <-chan struct{} {
	return s.changes
}

// Start watches the directory holding the file, so editors that replace the
// file by rename are still observed.
func (s *FileSource) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	if s.cancel != nil {
		return nil
	}
	if err := s.fsw.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch pricing dir: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("watching pricing file", zap.String("path", s.path))
	return nil
}

func (s *FileSource) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.schedule()
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.logger.Warn("pricing watcher error", zap.Error(err))
		}
	}
}

func (s *FileSource) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.notify)
}

func (s *FileSource) notify() {
	s.mu.Lock()
	closed := s.closed
	s.timer = nil
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.fsw.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("close pricing watcher: %w", err)
	}
	return nil
}

// StaticSource is an in-memory Source.
type StaticSource struct {
	mu      sync.Mutex
	cfg     Config
	err     error
	changes chan struct{}
}

func NewStaticSource(cfg Config) *StaticSource {
	return &StaticSource{cfg: cfg, changes: make(chan struct{}, 1)}
}

func (s *StaticSource) Load(ctx context.Context) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.err
}

func (s *StaticSource) Changes() <-chan struct{} {
	return s.changes
}

// Set replaces the configuration and signals a change.
func (s *StaticSource) Set(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.err = nil
	s.mu.Unlock()
	s.signal()
}

// Fail makes subsequent loads return err and signals a change.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.signal()
}

func (s *StaticSource) signal() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
