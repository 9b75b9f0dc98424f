package usecase

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/vitos/risk_lifecycle/internal/domain"
	"go.uber.org/zap"
)

type positionWorker struct {
	id     string
	cancel context.CancelFunc
}

// Run reconciles with the exchange, then keeps one worker per open position
// polling on its own schedule and re-reconciles every ReconcileInterval.
// It returns after ctx is cancelled and every worker has stopped.
func (m *LifecycleManager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	m.logger.Info("Lifecycle manager started",
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Duration("reconcile_interval", m.cfg.ReconcileInterval))

	if _, err := m.Reconcile(ctx); err != nil {
		m.logger.Error("Initial reconciliation failed", zap.Error(err))
	}

	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Lifecycle manager stopping, waiting for workers")
			m.stopWorkers()
			m.wg.Wait()
			m.logger.Info("Lifecycle manager stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Reconcile(ctx); err != nil {
				m.logger.Error("Reconciliation failed", zap.Error(err))
			}
		}
	}
}

// startWorker launches the poll loop for a position unless one is running or
// the manager itself is not running.
func (m *LifecycleManager) startWorker(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx == nil || m.runCtx.Err() != nil {
		return
	}
	if _, ok := m.workers[id]; ok {
		return
	}
	wctx, cancel := context.WithCancel(m.runCtx)
	w := &positionWorker{id: id, cancel: cancel}
	m.workers[id] = w

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.runWorker(wctx, id)

		m.mu.Lock()
		if m.workers[id] == w {
			delete(m.workers, id)
		}
		m.mu.Unlock()
	}()
}

func (m *LifecycleManager) stopWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.cancel()
	}
}

// WorkerCount reports how many position workers are running.
func (m *LifecycleManager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *LifecycleManager) runWorker(ctx context.Context, id string) {
	// spread first polls so positions adopted together do not poll in lockstep
	delay := time.Duration(rand.Int63n(int64(m.cfg.PollInterval)))
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := m.Evaluate(ctx, id); err != nil {
			if errors.Is(err, domain.ErrPositionNotFound) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Position evaluation failed, retrying next poll", zap.String("id", id), zap.Error(err))
		}

		pos, err := m.store.Get(id)
		if err != nil || pos.LifecycleState.Terminal() {
			return
		}
		timer.Reset(m.cfg.PollInterval)
	}
}
