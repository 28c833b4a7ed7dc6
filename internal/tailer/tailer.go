// Package tailer follows a growing game log. It polls either a fixed path
// or the newest file matching a glob in a directory, tracks a byte offset,
// and hands every complete new line to a callback in file order.
package tailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

const readChunkSize = 64 * 1024

var (
	// ErrNoSource is returned when neither a path nor a directory is set
	ErrNoSource = errors.New("tailer: no log source configured")
	// ErrAlreadyStarted is returned when Run is called a second time
	ErrAlreadyStarted = errors.New("tailer: already started")
)

// Mode selects how the current file is resolved
type Mode string

const (
	ModeFixed Mode = "fixed"
	ModeDir   Mode = "dir"
)

// State is the tailer's position in its lifecycle
type State int32

const (
	StateIdle State = iota
	StateTailing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTailing:
		return "tailing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config selects the log to follow. Exactly one of Path or Dir is set.
type Config struct {
	Path         string
	Dir          string
	Pattern      string
	PollInterval time.Duration
	IdleInterval time.Duration
	// Watch wakes the loop on file system events between polls
	Watch bool
}

// Tailer follows one log source
type Tailer struct {
	cfg           Config
	mode          Mode
	checkpointMgr *checkpoint.Manager
	logger        *logging.Logger
	metrics       *metrics.Collector

	mu    sync.RWMutex
	pos   types.LogPosition
	inode uint64
	state State

	// partial holds bytes after the last newline, already counted in pos
	partial []byte
	// resumeChecked is set once the first file of the run consulted the
	// checkpoint
	resumeChecked bool
	running       atomic.Bool
}

// New creates a tailer. checkpointMgr and m may be nil.
func New(cfg Config, checkpointMgr *checkpoint.Manager, logger *logging.Logger, m *metrics.Collector) (*Tailer, error) {
	cfg.Path = strings.TrimSpace(cfg.Path)
	cfg.Dir = strings.TrimSpace(cfg.Dir)

	var mode Mode
	switch {
	case cfg.Path != "" && cfg.Dir != "":
		return nil, fmt.Errorf("tailer: path and dir are mutually exclusive")
	case cfg.Path != "":
		mode = ModeFixed
	case cfg.Dir != "":
		mode = ModeDir
		if cfg.Pattern == "" {
			cfg.Pattern = "*"
		}
		if _, err := filepath.Match(cfg.Pattern, ""); err != nil {
			return nil, fmt.Errorf("tailer: invalid pattern %q: %w", cfg.Pattern, err)
		}
	default:
		return nil, ErrNoSource
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Tailer{
		cfg:           cfg,
		mode:          mode,
		checkpointMgr: checkpointMgr,
		logger:        logger.WithComponent("tailer"),
		metrics:       m,
		state:         StateIdle,
	}, nil
}

// Mode returns the resolution mode
func (t *Tailer) Mode() Mode {
	return t.mode
}

// State returns the current lifecycle state
func (t *Tailer) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Position returns the tracked file and offset
func (t *Tailer) Position() types.LogPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos
}

// Run follows the log until ctx is cancelled, calling handler for every
// complete line in file order. Transient I/O errors are logged and retried
// on the next tick. Run returns nil once cancelled; the tailer is then
// Stopped and cannot be run again.
func (t *Tailer) Run(ctx context.Context, handler func(types.LogLine)) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer t.stop()

	t.logger.Info().
		Str("mode", string(t.mode)).
		Str("path", t.cfg.Path).
		Str("dir", t.cfg.Dir).
		Str("pattern", t.cfg.Pattern).
		Msg("Tailer started")

	wake, closeWatcher := t.startWatcher(ctx)
	defer closeWatcher()

	for {
		if ctx.Err() != nil {
			return nil
		}

		timer := time.NewTimer(t.tick(ctx, handler))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

func (t *Tailer) stop() {
	t.mu.Lock()
	pos := t.pos
	pending := uint64(len(t.partial))
	inode := t.inode
	t.state = StateStopped
	t.mu.Unlock()

	if t.checkpointMgr != nil && pos.Path != "" {
		t.checkpointMgr.UpdatePosition(pos.Path, pos.Offset-pending, inode)
	}
	if t.metrics != nil {
		t.metrics.SetTailerState(StateStopped.String())
	}
	t.logger.Info().Str("path", pos.Path).Uint64("offset", pos.Offset).Msg("Tailer stopped")
}

// tick performs one poll and returns how long to wait before the next
func (t *Tailer) tick(ctx context.Context, handler func(types.LogLine)) time.Duration {
	path, err := t.resolve()
	if err != nil {
		t.logger.Debug().Err(err).Msg("Failed to resolve log file")
		t.countError("resolve")
	}
	if path == "" {
		t.setState(StateIdle)
		return t.cfg.IdleInterval
	}

	if path != t.Position().Path {
		t.switchTo(path)
	}

	if err := t.readNew(ctx, path, handler); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t.setState(StateIdle)
			return t.cfg.IdleInterval
		}
		t.logger.Debug().Err(err).Str("path", path).Msg("Read failed, retrying next tick")
		return t.cfg.PollInterval
	}

	t.setState(StateTailing)
	return t.cfg.PollInterval
}

// resolve returns the current file, or "" when there is none
func (t *Tailer) resolve() (string, error) {
	if t.mode == ModeFixed {
		info, err := os.Stat(t.cfg.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return "", nil
			}
			return "", err
		}
		if info.IsDir() {
			return "", fmt.Errorf("%s is a directory", t.cfg.Path)
		}
		return t.cfg.Path, nil
	}
	return newestMatch(t.cfg.Dir, t.cfg.Pattern)
}

// newestMatch returns the most recently modified regular file in dir
// matching pattern. Ties go to the lexically greatest name.
func newestMatch(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}

	var best string
	var bestTime time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		mt := info.ModTime()
		if best == "" || mt.After(bestTime) || (mt.Equal(bestTime) && m > best) {
			best = m
			bestTime = mt
		}
	}
	return best, nil
}

// switchTo starts tracking path from offset 0, or from the checkpoint
// when this is the first file of the run and its identity matches.
func (t *Tailer) switchTo(path string) {
	var offset, inode uint64
	if info, err := os.Stat(path); err == nil {
		inode = getInode(info)
	}

	t.mu.Lock()
	previous := t.pos.Path
	firstFile := !t.resumeChecked
	t.resumeChecked = true
	t.mu.Unlock()

	if firstFile && t.checkpointMgr != nil {
		if pos, ok := t.checkpointMgr.GetPosition(path); ok && pos.Inode == inode {
			offset = pos.Offset
			t.logger.Info().Str("path", path).Uint64("offset", offset).Msg("Resuming from checkpoint")
		}
	}

	if previous != "" {
		t.logger.Info().Str("from", previous).Str("to", path).Msg("Log file changed, starting from the beginning")
		if t.metrics != nil {
			t.metrics.TailerRotations.Inc()
		}
		if t.checkpointMgr != nil {
			t.checkpointMgr.Forget(previous)
		}
	} else {
		t.logger.Info().Str("path", path).Msg("Tailing log file")
	}

	t.mu.Lock()
	t.pos = types.LogPosition{Path: path, Offset: offset, Inode: inode}
	t.inode = inode
	t.partial = nil
	t.mu.Unlock()
}

// readNew reads everything appended since the tracked offset
func (t *Tailer) readNew(ctx context.Context, path string, handler func(types.LogLine)) error {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.countError("open")
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.countError("stat")
		return err
	}
	size := uint64(info.Size())
	inode := getInode(info)

	t.mu.Lock()
	offset := t.pos.Offset
	replaced := inode != 0 && t.inode != 0 && inode != t.inode
	if size < offset || replaced {
		t.logger.Info().
			Str("path", path).
			Uint64("offset", offset).
			Uint64("size", size).
			Bool("replaced", replaced).
			Msg("Log file truncated, starting from the beginning")
		offset = 0
		t.pos.Offset = 0
		t.partial = nil
		if t.metrics != nil {
			t.metrics.TailerTruncations.Inc()
		}
	}
	t.inode = inode
	t.pos.Inode = inode
	t.mu.Unlock()

	if size == offset {
		return nil
	}

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		t.countError("seek")
		return err
	}

	reader := io.LimitReader(f, int64(size-offset))
	chunk := make([]byte, readChunkSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := reader.Read(chunk)
		if n > 0 {
			t.consume(path, offset, chunk[:n], handler)
			offset += uint64(n)
			t.mu.Lock()
			t.pos.Offset = offset
			t.mu.Unlock()
			if t.metrics != nil {
				t.metrics.TailerBytesRead.Add(float64(n))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.countError("read")
			return err
		}
	}

	if t.checkpointMgr != nil {
		t.mu.RLock()
		pending := uint64(len(t.partial))
		t.mu.RUnlock()
		t.checkpointMgr.UpdatePosition(path, offset-pending, inode)
	}
	return nil
}

// consume splits data read at absolute offset base into lines. The bytes
// after the last newline are kept until the rest of the line arrives.
func (t *Tailer) consume(path string, base uint64, data []byte, handler func(types.LogLine)) {
	t.mu.Lock()
	pending := t.partial
	t.partial = nil
	t.mu.Unlock()

	now := time.Now()
	start := 0
	for {
		i := bytes.IndexByte(data[start:], '\n')
		if i < 0 {
			break
		}
		end := start + i

		var raw []byte
		if len(pending) > 0 {
			raw = append(pending, data[start:end]...)
			pending = nil
		} else {
			raw = data[start:end]
		}
		start = end + 1

		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		text := strings.ToValidUTF8(string(raw), "\uFFFD")
		if strings.TrimSpace(text) == "" {
			continue
		}

		if t.metrics != nil {
			t.metrics.TailerLinesRead.WithLabelValues(string(t.mode)).Inc()
		}
		handler(types.LogLine{
			Text:   text,
			Source: path,
			Offset: base + uint64(start),
			Time:   now,
		})
	}

	if start < len(data) {
		rest := make([]byte, 0, len(pending)+len(data)-start)
		rest = append(rest, pending...)
		rest = append(rest, data[start:]...)
		pending = rest
	}

	t.mu.Lock()
	t.partial = pending
	t.mu.Unlock()
}

func (t *Tailer) setState(s State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	path := t.cfg.Path
	if t.mode == ModeDir {
		path = t.cfg.Dir
	}
	t.mu.Unlock()

	if prev == s {
		return
	}
	if s == StateIdle {
		t.logger.Info().Str("path", path).Msg("No log file found, waiting")
	}
	if t.metrics != nil {
		t.metrics.SetTailerState(s.String())
	}
}

func (t *Tailer) countError(op string) {
	if t.metrics != nil {
		t.metrics.TailerReadErrors.WithLabelValues(op).Inc()
	}
}

// startWatcher subscribes to file system events for the source. The
// returned channel is nil when watching is off or unavailable, leaving the
// loop on pure polling.
func (t *Tailer) startWatcher(ctx context.Context) (<-chan struct{}, func()) {
	noop := func() {}
	if !t.cfg.Watch {
		return nil, noop
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn().Err(err).Msg("Failed to create file watcher, polling only")
		return nil, noop
	}

	dir := t.cfg.Dir
	if t.mode == ModeFixed {
		dir = filepath.Dir(t.cfg.Path)
	}
	if err := watcher.Add(dir); err != nil {
		t.logger.Debug().Err(err).Str("dir", dir).Msg("Failed to watch directory, polling only")
		watcher.Close()
		return nil, noop
	}

	wake := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !t.relevant(event) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.Debug().Err(err).Msg("File watcher error")

			case <-ctx.Done():
				return
			}
		}
	}()

	return wake, func() {
		watcher.Close()
		wg.Wait()
	}
}

func (t *Tailer) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if t.mode == ModeFixed {
		return filepath.Clean(event.Name) == filepath.Clean(t.cfg.Path)
	}
	ok, _ := filepath.Match(t.cfg.Pattern, filepath.Base(event.Name))
	return ok
}
