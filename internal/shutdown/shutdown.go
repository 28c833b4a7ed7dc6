// Package shutdown runs registered cleanup steps when the process is
// asked to stop.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/logging"
)

// Manager handles graceful shutdown of the application
type Manager struct {
	logger       *logging.Logger
	timeout      time.Duration
	steps        []step
	mu           sync.Mutex
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	gracefulDone chan struct{}
	errCount     int
}

type step struct {
	name string
	fn   ShutdownFunc
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	return &Manager{
		logger:       cfg.Logger.WithComponent("shutdown"),
		timeout:      cfg.Timeout,
		shutdownCh:   make(chan struct{}),
		gracefulDone: make(chan struct{}),
	}
}

// RegisterFunc registers a shutdown step. Steps run one after another in
// registration order, sharing a single deadline.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("step", name).Msg("Registered shutdown function")
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// WaitForSignal blocks until a shutdown signal is received or Shutdown is
// called elsewhere
func (m *Manager) WaitForSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
		m.Shutdown()
	case <-m.shutdownCh:
		// Already shutting down
	}
}

// Shutdown initiates graceful shutdown and returns when it has finished
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.performShutdown()
	})
	<-m.gracefulDone
}

// performShutdown executes all registered steps
func (m *Manager) performShutdown() {
	defer close(m.gracefulDone)

	m.mu.Lock()
	steps := make([]step, len(m.steps))
	copy(steps, m.steps)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("functions", len(steps)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	errCount := 0
	for _, s := range steps {
		if ctx.Err() != nil {
			m.logger.Warn().
				Dur("timeout", m.timeout).
				Str("step", s.name).
				Msg("Graceful shutdown timed out, skipping remaining steps")
			errCount++
			break
		}

		if err := runStep(ctx, s); err != nil {
			m.logger.Error().
				Err(err).
				Str("step", s.name).
				Msg("Shutdown function failed")
			errCount++
			continue
		}
		m.logger.Debug().Str("step", s.name).Msg("Shutdown function completed")
	}

	m.mu.Lock()
	m.errCount = errCount
	m.mu.Unlock()

	if errCount > 0 {
		m.logger.Warn().
			Int("errors", errCount).
			Msg("Graceful shutdown completed with errors")
	} else {
		m.logger.Info().Msg("Graceful shutdown completed successfully")
	}
}

// runStep returns when the step finishes or the deadline passes
func runStep(ctx context.Context, s step) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.fn(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", s.name, ctx.Err())
	}
}

// Errors returns how many steps failed during the last shutdown
func (m *Manager) Errors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errCount
}

// ShutdownChannel returns a channel that is closed when shutdown begins
func (m *Manager) ShutdownChannel() <-chan struct{} {
	return m.shutdownCh
}

// HandlePanic is deferred at the top of long-lived goroutines. A panic runs
// the shutdown steps so checkpoints are flushed, then continues unwinding.
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().
			Interface("panic", r).
			Msg("Panic recovered, initiating shutdown")
		m.Shutdown()
		panic(r)
	}
}
