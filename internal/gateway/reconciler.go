package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
)

// PendingLister lista depósitos e saques ainda pending
type PendingLister interface {
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
}

// ReconcilerConfig controla a varredura de entradas pendentes
type ReconcilerConfig struct {
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
	Workers   int
}

// Reconciler consulta o provedor sobre entradas pendentes cujo callback não chegou
type Reconciler struct {
	adapter *Adapter
	pending PendingLister
	cfg     ReconcilerConfig
	logger  *zap.Logger

	jobs chan domain.Transaction
	wg   sync.WaitGroup
}

// NewReconciler cria uma nova instância de Reconciler
func NewReconciler(adapter *Adapter, pending PendingLister, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Reconciler{
		adapter: adapter,
		pending: pending,
		cfg:     cfg,
		logger:  logger,
		jobs:    make(chan domain.Transaction, cfg.BatchSize),
	}
}

// Start sobe os workers e a varredura periódica até ctx ser cancelado
func (r *Reconciler) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.jobs)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.logger.Info("🔄 reconciler started",
			zap.Duration("interval", r.cfg.Interval),
			zap.Int("workers", r.cfg.Workers),
		)
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("🛑 reconciler stopping")
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Wait bloqueia até todos os workers terminarem
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) sweep(ctx context.Context) {
	pending, err := r.pending.ListPending(ctx, r.adapter.now().Add(-r.cfg.MinAge), r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("failed to list pending transactions", zap.Error(err))
		return
	}
	if len(pending) > 0 {
		r.logger.Info("🔎 [RECONCILE] checking pending transactions", zap.Int("count", len(pending)))
	}
	for _, t := range pending {
		select {
		case r.jobs <- t:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) worker(ctx context.Context) {
	defer r.wg.Done()
	for t := range r.jobs {
		if _, err := r.adapter.Reconcile(ctx, &t); err != nil {
			r.logger.Warn("⚠️ [RECONCILE] transaction not reconciled",
				zap.String("transaction_id", t.ID),
				zap.String("reference", t.Reference()),
				zap.Error(err),
			)
		}
	}
}

// Reconcile consulta o provedor e aplica outcomes terminais. Referência
// desconhecida pelo provedor significa que nada foi cobrado nem pago.
func (a *Adapter) Reconcile(ctx context.Context, t *domain.Transaction) (*domain.Transaction, error) {
	q := StatusQueryFor(t)
	outcome, err := retry(ctx, a.policy, a.onRetry("query_status"), func(ctx context.Context) (Outcome, error) {
		return a.provider.QueryStatus(ctx, q)
	})
	if errors.Is(err, domain.ErrUnknownReference) {
		outcome, err = OutcomeFailure, nil
	}
	if err != nil {
		return nil, err
	}
	if !outcome.Terminal() {
		return nil, nil
	}

	settled, _, err := a.HandleProviderCallback(ctx, q.Reference, outcome)
	return settled, err
}
