// Package checkpoint persists tailer positions so a restarted bridge can
// resume the log it was reading instead of replaying it.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

const positionsFile = "positions.json"

// Manager manages checkpoint persistence
type Manager struct {
	mu            sync.RWMutex
	checkpointDir string
	positions     map[string]*types.LogPosition
	interval      time.Duration
	logger        *logging.Logger
	stopCh        chan struct{}
	saveCh        chan struct{}
	stopOnce      sync.Once
	dirty         bool
}

// NewManager creates a new checkpoint manager
func NewManager(checkpointDir string, interval time.Duration, logger *logging.Logger) (*Manager, error) {
	if err := os.MkdirAll(checkpointDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	m := &Manager{
		checkpointDir: checkpointDir,
		positions:     make(map[string]*types.LogPosition),
		interval:      interval,
		logger:        logger.WithComponent("checkpoint"),
		stopCh:        make(chan struct{}),
		saveCh:        make(chan struct{}, 1),
	}

	return m, nil
}

// Start starts the periodic checkpoint saving
func (m *Manager) Start() {
	go m.saveLoop()
}

// Stop stops the checkpoint manager after a final save
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if err := m.Save(); err != nil {
			m.logger.Warn().Err(err).Msg("Final checkpoint save failed")
		}
	})
}

// UpdatePosition records the position for a file. The write to disk
// happens on the next interval tick.
func (m *Manager) UpdatePosition(path string, offset uint64, inode uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos, ok := m.positions[path]; ok && pos.Offset == offset && pos.Inode == inode {
		return
	}
	m.positions[path] = &types.LogPosition{
		Path:   path,
		Offset: offset,
		Inode:  inode,
	}
	m.dirty = true
}

// Forget drops the position for a file that is no longer tracked
func (m *Manager) Forget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[path]; ok {
		delete(m.positions, path)
		m.dirty = true
	}
}

// Flush requests an immediate save from the background loop
func (m *Manager) Flush() {
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// GetPosition retrieves a copy of the position for a file
func (m *Manager) GetPosition(path string) (types.LogPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[path]
	if !ok {
		return types.LogPosition{}, false
	}
	return *pos, true
}

// Load loads checkpoints from disk
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpointFile := filepath.Join(m.checkpointDir, positionsFile)
	data, err := os.ReadFile(checkpointFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No checkpoint file yet
		}
		return fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var positions map[string]*types.LogPosition
	if err := json.Unmarshal(data, &positions); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint data: %w", err)
	}
	if positions == nil {
		positions = make(map[string]*types.LogPosition)
	}

	m.positions = positions
	m.dirty = false
	return nil
}

// Save saves checkpoints to disk
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpointFile := filepath.Join(m.checkpointDir, positionsFile)

	data, err := json.MarshalIndent(m.positions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	// Write to temporary file first, then rename for atomicity
	tmpFile := checkpointFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := os.Rename(tmpFile, checkpointFile); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	m.dirty = false
	return nil
}

func (m *Manager) isDirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}

// saveLoop periodically saves checkpoints
func (m *Manager) saveLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !m.isDirty() {
				continue
			}
			if err := m.Save(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to save checkpoint")
			}
		case <-m.saveCh:
			if err := m.Save(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to save checkpoint")
			}
		case <-m.stopCh:
			return
		}
	}
}
