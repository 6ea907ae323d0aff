// Package workers runs the node's background maintenance loops: poll
// status transitions, audit chain verification and anchoring, result
// snapshot rebuilds, reward dispatch and enrollment session cleanup.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/khma-io/khma-node/log"
)

// Worker is one periodic task. Run errors are logged, never fatal: a
// failing worker retries on its next tick.
type Worker struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Manager runs registered workers on their intervals.
type Manager struct {
	mu      sync.Mutex
	workers []Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a worker. Must be called before Start.
func (m *Manager) Register(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
}

// Start launches every registered worker. Each runs once immediately and
// then on its interval until Stop or context cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("worker manager already started")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	for _, w := range m.workers {
		w := w
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runLoop(ctx, w)
		}()
	}
	log.Infow("background workers started", "count", len(m.workers))
	return nil
}

func (m *Manager) runLoop(ctx context.Context, w Worker) {
	run := func() {
		if err := w.Run(ctx); err != nil {
			log.Warnw("worker run failed", "worker", w.Name, "error", err)
		}
	}
	run()
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// Stop cancels all workers and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	log.Infow("background workers stopped")
}
