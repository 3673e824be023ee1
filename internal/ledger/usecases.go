package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/storage"
)

const defaultPageSize = 50

// Repository é o subconjunto do storage usado pelo ledger
type Repository interface {
	storage.TxBeginner
	storage.LedgerRepository
	storage.WalletRepository
}

// Service é o ledger append-only de transações
type Service struct {
	repo     Repository
	logger   *zap.Logger
	pageSize int
	now      func() time.Time
}

// Option configura o Service
type Option func(*Service)

// WithPageSize define quantas entradas cada consulta ao banco traz
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithClock substitui o relógio (testes)
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService cria uma nova instância de Service
func NewService(repo Repository, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		logger:   logger,
		pageSize: defaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record grava a entrada dentro de tx. Se a referência do provedor já existe,
// devolve a entrada original com created=false.
func (s *Service) Record(ctx context.Context, tx storage.Tx, t *domain.Transaction) (*domain.Transaction, bool, error) {
	if !t.Type.Valid() {
		return nil, false, fmt.Errorf("unknown transaction type %q", t.Type)
	}
	if t.Amount == 0 {
		return nil, false, fmt.Errorf("%w: ledger entries cannot be zero", domain.ErrInvalidAmount)
	}

	stored, created, err := s.repo.InsertTransaction(ctx, tx, t)
	if err != nil {
		return nil, false, fmt.Errorf("erro ao gravar transação: %w", err)
	}
	if !created {
		s.logger.Info("ℹ️ [IDEMPOTENCY] transaction already recorded",
			zap.String("reference", t.Reference()),
			zap.String("transaction_id", stored.ID),
		)
	}
	return stored, created, nil
}

// MarkStatus faz a transição pending -> completed|failed dentro de tx
func (s *Service) MarkStatus(ctx context.Context, tx storage.Tx, id string, to domain.TransactionStatus) (*domain.Transaction, error) {
	current, err := s.repo.GetTransaction(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	next := *current
	if err := next.MarkStatus(to, s.now()); err != nil {
		return nil, err
	}

	ok, err := s.repo.UpdateTransactionStatus(ctx, tx, id, domain.TransactionStatusPending, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		// outro processo resolveu a transação entre a leitura e o update
		return nil, fmt.Errorf("%w: transaction %s is no longer pending", domain.ErrInvalidTransition, id)
	}
	return &next, nil
}

// Get busca uma transação pelo ID
func (s *Service) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.repo.GetTransaction(ctx, nil, id)
}

// ListForUser devolve uma sequência lazy, do mais novo para o mais antigo,
// limitada ao que existia quando foi criada. Pode ser percorrida várias vezes.
func (s *Service) ListForUser(ctx context.Context, userID string) iter.Seq2[domain.Transaction, error] {
	upTo := domain.SnapshotBound(s.now())

	return func(yield func(domain.Transaction, error) bool) {
		before := ""
		for {
			page, err := s.repo.ListTransactions(ctx, storage.ListQuery{
				UserID: userID,
				Before: before,
				UpTo:   upTo,
				Limit:  s.pageSize,
			})
			if err != nil {
				yield(domain.Transaction{}, fmt.Errorf("erro ao listar transações: %w", err))
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			before = page[len(page)-1].ID
		}
	}
}

// Collect materializa até limit entradas de ListForUser (limit <= 0: todas)
func Collect(seq iter.Seq2[domain.Transaction, error], limit int) ([]domain.Transaction, error) {
	out := []domain.Transaction{}
	for t, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Balances é o saldo reconstruído a partir do ledger
type Balances struct {
	Balance         domain.Amount `json:"balance"`
	CashbackBalance domain.Amount `json:"cashback_balance"`
}

// Reconstruct soma as entradas que compõem cada saldo
func (s *Service) Reconstruct(ctx context.Context, userID string) (Balances, error) {
	var b Balances
	for t, err := range s.ListForUser(ctx, userID) {
		if err != nil {
			return Balances{}, err
		}
		if t.AffectsBalance() {
			b.Balance += t.Amount
		}
		if t.AffectsCashback() {
			b.CashbackBalance += t.Amount
		}
	}
	return b, nil
}

// AuditReport compara a carteira com o ledger
type AuditReport struct {
	UserID     string    `json:"user_id"`
	Wallet     Balances  `json:"wallet"`
	Ledger     Balances  `json:"ledger"`
	Consistent bool      `json:"consistent"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Audit retorna o relatório e ErrLedgerMismatch quando os saldos divergem
func (s *Service) Audit(ctx context.Context, userID string) (*AuditReport, error) {
	report := &AuditReport{UserID: userID, CheckedAt: s.now()}

	w, err := s.repo.GetWallet(ctx, userID)
	switch {
	case err == nil:
		report.Wallet = Balances{Balance: w.Balance, CashbackBalance: w.CashbackBalance}
	case errors.Is(err, domain.ErrWalletNotFound):
	default:
		return nil, err
	}

	report.Ledger, err = s.Reconstruct(ctx, userID)
	if err != nil {
		return nil, err
	}

	report.Consistent = report.Wallet == report.Ledger
	if !report.Consistent {
		s.logger.Error("🚨 [AUDIT] wallet does not match ledger",
			zap.String("user_id", userID),
			zap.Stringer("wallet_balance", report.Wallet.Balance),
			zap.Stringer("ledger_balance", report.Ledger.Balance),
			zap.Stringer("wallet_cashback", report.Wallet.CashbackBalance),
			zap.Stringer("ledger_cashback", report.Ledger.CashbackBalance),
		)
		return report, fmt.Errorf("%w: user %s", domain.ErrLedgerMismatch, userID)
	}
	return report, nil
}
