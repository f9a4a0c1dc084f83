package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Worker is a background process owned by the Manager
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// Manager starts and stops background workers together
type Manager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	workers   []Worker
	started   []Worker
	isRunning bool
}

// NewManager creates a new worker manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a worker. Workers registered while running start on the next StartAll.
func (m *Manager) Register(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.workers = append(m.workers, w)
	m.logger.Info("Worker registered",
		zap.String("worker_name", w.Name()),
		zap.Int("total_workers", len(m.workers)))
}

// StartAll starts every registered worker in registration order.
// If one fails the workers already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("workers already running")
	}

	m.logger.Info("Starting workers", zap.Int("count", len(m.workers)))

	started := make([]Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if err := w.Start(ctx); err != nil {
			m.logger.Error("Failed to start worker",
				zap.String("worker_name", w.Name()),
				zap.Error(err))
			stopErr := stopInReverse(started, m.logger)
			return errors.Join(fmt.Errorf("start %s: %w", w.Name(), err), stopErr)
		}
		started = append(started, w)
		m.logger.Info("Worker started", zap.String("worker_name", w.Name()))
	}

	m.started = started
	m.isRunning = true
	return nil
}

// StopAll stops the running workers in reverse start order
func (m *Manager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return nil
	}
	m.isRunning = false

	err := stopInReverse(m.started, m.logger)
	m.started = nil
	if err != nil {
		return err
	}

	m.logger.Info("All workers stopped")
	return nil
}

func stopInReverse(workers []Worker, logger *zap.Logger) error {
	var errs []error
	for i := len(workers) - 1; i >= 0; i-- {
		w := workers[i]
		if err := w.Stop(); err != nil {
			logger.Error("Failed to stop worker",
				zap.String("worker_name", w.Name()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("stop %s: %w", w.Name(), err))
			continue
		}
		logger.Info("Worker stopped", zap.String("worker_name", w.Name()))
	}
	return errors.Join(errs...)
}

// Count returns the number of registered workers
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// IsRunning reports whether StartAll has succeeded and StopAll has not been called since
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}
