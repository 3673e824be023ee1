package wallet

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/storage"
	"github.com/workme/wallet-escrow/internal/telemetry"
)

// Repository é o subconjunto do storage usado pela carteira
type Repository interface {
	storage.TxBeginner
	storage.WalletRepository
}

// Service é o único ponto de alteração de saldos
type Service struct {
	repo     Repository
	currency string
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

// NewService cria uma nova instância de Service
func NewService(repo Repository, currency string, logger *zap.Logger, metrics *telemetry.Metrics) *Service {
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Service{
		repo:     repo,
		currency: currency,
		logger:   logger,
		metrics:  metrics,
	}
}

// Get retorna a carteira sem criá-la
func (s *Service) Get(ctx context.Context, userID string) (*domain.Wallet, error) {
	return s.repo.GetWallet(ctx, userID)
}

// GetOrCreate retorna a carteira, criando uma vazia no primeiro acesso
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*domain.Wallet, error) {
	w, err := s.repo.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, domain.ErrWalletNotFound) {
		return nil, err
	}

	err = storage.RunInTx(ctx, s.repo, func(tx storage.Tx) error {
		w, err = s.repo.EnsureWallet(ctx, tx, userID, s.currency)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("erro ao criar carteira: %w", err)
	}
	s.logger.Info("🆕 [WALLET] created", zap.String("user_id", userID))
	return w, nil
}

// TryAdjust aplica delta ao saldo dentro de tx. Débitos que deixariam o saldo
// negativo falham com ErrInsufficientFunds e não alteram nada.
func (s *Service) TryAdjust(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount, reason string) (*domain.Wallet, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: zero adjustment", domain.ErrInvalidAmount)
	}
	if _, err := s.repo.EnsureWallet(ctx, tx, userID, s.currency); err != nil {
		return nil, err
	}

	w, err := s.repo.AdjustBalance(ctx, tx, userID, delta)
	if errors.Is(err, domain.ErrInsufficientFunds) {
		telemetry.Inc(ctx, s.metrics.InsufficientFunds, attribute.String("reason", reason))
		s.logger.Info("❌ [ADJUST] insufficient funds",
			zap.String("user_id", userID),
			zap.Stringer("delta", delta),
			zap.String("reason", reason),
		)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("erro ao ajustar saldo: %w", err)
	}

	s.logger.Debug("✅ [ADJUST]",
		zap.String("user_id", userID),
		zap.Stringer("delta", delta),
		zap.Stringer("balance", w.Balance),
		zap.String("reason", reason),
	)
	return w, nil
}

// AdjustCashback credita cashback; só valores positivos neste escopo
func (s *Service) AdjustCashback(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount) (*domain.Wallet, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("%w: cashback adjustment must be positive", domain.ErrInvalidAmount)
	}
	if _, err := s.repo.EnsureWallet(ctx, tx, userID, s.currency); err != nil {
		return nil, err
	}
	w, err := s.repo.AdjustCashback(ctx, tx, userID, delta)
	if err != nil {
		return nil, fmt.Errorf("erro ao ajustar cashback: %w", err)
	}
	return w, nil
}

// Adjust executa TryAdjust numa transação própria
func (s *Service) Adjust(ctx context.Context, userID string, delta domain.Amount, reason string) (*domain.Wallet, error) {
	var w *domain.Wallet
	err := storage.RunInTx(ctx, s.repo, func(tx storage.Tx) error {
		var err error
		w, err = s.TryAdjust(ctx, tx, userID, delta, reason)
		return err
	})
	return w, err
}
